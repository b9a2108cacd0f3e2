// Package archive copies job output assets to durable storage: a local
// directory or an S3-compatible bucket.
package archive

import (
	"context"
	"fmt"
	"strings"

	"github.com/manthysbr/comfylink/internal/core/ports"
)

const (
	KindNone  = "none"
	KindLocal = "local"
	KindS3    = "s3"
)

// Config selects and configures a sink.
type Config struct {
	// Kind is one of "none", "local" or "s3". Empty means none.
	Kind  string
	Local LocalConfig
	S3    S3Config
}

// New builds the sink named by cfg.Kind. It returns a nil sink for "none".
func New(ctx context.Context, cfg Config) (ports.AssetSink, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", KindNone:
		return nil, nil
	case KindLocal:
		sink, err := NewLocal(cfg.Local)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case KindS3:
		sink, err := NewS3(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return sink, nil
	default:
		return nil, fmt.Errorf("unknown archive kind %q", cfg.Kind)
	}
}
