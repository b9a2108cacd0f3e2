package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/manthysbr/comfylink/internal/core/ports"
)

type LocalConfig struct {
	Dir string
}

func (c LocalConfig) Validate() error {
	if strings.TrimSpace(c.Dir) == "" {
		return fmt.Errorf("archive dir is required")
	}
	return nil
}

// Local writes assets under a base directory. Keys are relative paths.
type Local struct {
	baseDir string
}

var _ ports.AssetSink = (*Local)(nil)

func NewLocal(cfg LocalConfig) (*Local, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Local{baseDir: filepath.Clean(cfg.Dir)}, nil
}

// Put writes body to a temp file next to the target and renames it into
// place, so readers never see a partial asset.
func (l *Local) Put(ctx context.Context, key string, body io.Reader, _ int64, _ string) (string, error) {
	full, err := l.fullPath(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("archive %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), "comfylink-put-*")
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: body}); err != nil {
		return "", fmt.Errorf("archive %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("archive %s: %w", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return "", fmt.Errorf("archive %s: %w", key, err)
	}
	return full, nil
}

func (l *Local) fullPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "/")
	// Prevent path traversal.
	clean := filepath.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path %q", key)
	}
	return filepath.Join(l.baseDir, filepath.FromSlash(clean)), nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
