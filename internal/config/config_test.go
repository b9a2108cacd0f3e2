package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "http://127.0.0.1:8188", cfg.ComfyUI.URL)
	assert.Equal(t, time.Second, cfg.ComfyUI.ReconnectDelay)
	assert.Equal(t, 0, cfg.ComfyUI.MaxReconnects)
	assert.Equal(t, []string{"", "/api"}, cfg.ComfyUI.Resolver.Prefixes)
	assert.Equal(t, "/object_info", cfg.ComfyUI.Resolver.ProbePath)
	assert.Equal(t, int64(4), cfg.ComfyUI.Uploads.MaxConcurrent)
	assert.Equal(t, "local", cfg.Archive.Kind)
	assert.Equal(t, 2, cfg.Bridge.MaxConcurrentRuns)
	assert.NoError(t, cfg.Validate())
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "comfylink.yaml", `
comfyui:
  url: http://gpu-box:8188
  reconnect_delay: 250ms
  max_reconnects: 5
  resolver:
    prefixes: ["api", ""]
log:
  level: DEBUG
  format: json
archive:
  kind: s3
  s3:
    bucket: renders
    endpoint: http://minio:9000
    force_path_style: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://gpu-box:8188", cfg.ComfyUI.URL)
	assert.Equal(t, 250*time.Millisecond, cfg.ComfyUI.ReconnectDelay)
	assert.Equal(t, 5, cfg.ComfyUI.MaxReconnects)
	assert.Equal(t, []string{"/api", ""}, cfg.ComfyUI.Resolver.Prefixes)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "s3", cfg.Archive.Kind)
	assert.Equal(t, "renders", cfg.Archive.S3.Bucket)
	assert.True(t, cfg.Archive.S3.ForcePathStyle)
	// untouched keys keep their defaults
	assert.Equal(t, ":8080", cfg.Bridge.Addr)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "comfylink.json", `{"bridge": {"addr": "127.0.0.1:9090", "max_concurrent_runs": 8}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.Bridge.Addr)
	assert.Equal(t, 8, cfg.Bridge.MaxConcurrentRuns)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "comfylink.yaml", "comfyui:\n  url: http://from-file:8188\n")
	t.Setenv("COMFYLINK_COMFYUI_URL", "http://from-env:8188")
	t.Setenv("COMFYLINK_COMFYUI_UPLOADS_MAX_CONCURRENT", "9")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://from-env:8188", cfg.ComfyUI.URL)
	assert.Equal(t, int64(9), cfg.ComfyUI.Uploads.MaxConcurrent)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty url", func(c *Config) { c.ComfyUI.URL = "" }, "comfyui.url"},
		{"zero reconnect delay", func(c *Config) { c.ComfyUI.ReconnectDelay = 0 }, "reconnect_delay"},
		{"negative max reconnects", func(c *Config) { c.ComfyUI.MaxReconnects = -1 }, "max_reconnects"},
		{"no prefixes", func(c *Config) { c.ComfyUI.Resolver.Prefixes = nil }, "prefixes"},
		{"relative probe path", func(c *Config) { c.ComfyUI.Resolver.ProbePath = "object_info" }, "probe_path"},
		{"no upload slots", func(c *Config) { c.ComfyUI.Uploads.MaxConcurrent = 0 }, "max_concurrent"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"unknown archive", func(c *Config) { c.Archive.Kind = "ftp" }, "archive.kind"},
		{"local without dir", func(c *Config) { c.Archive.Kind = "local"; c.Archive.Local.Dir = " " }, "archive.local.dir"},
		{"s3 without bucket", func(c *Config) { c.Archive.Kind = "s3" }, "archive.s3.bucket"},
		{"no run slots", func(c *Config) { c.Bridge.MaxConcurrentRuns = 0 }, "max_concurrent_runs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
