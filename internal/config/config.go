// Package config loads comfylink settings from defaults, an optional config
// file and COMFYLINK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides: comfyui.url is read from
// COMFYLINK_COMFYUI_URL.
const EnvPrefix = "COMFYLINK"

type Config struct {
	ComfyUI ComfyUIConfig `mapstructure:"comfyui"`
	Log     LogConfig     `mapstructure:"log"`
	Journal JournalConfig `mapstructure:"journal"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Bridge  BridgeConfig  `mapstructure:"bridge"`
}

type ComfyUIConfig struct {
	URL            string         `mapstructure:"url"`
	ReconnectDelay time.Duration  `mapstructure:"reconnect_delay"`
	MaxReconnects  int            `mapstructure:"max_reconnects"`
	RequestTimeout time.Duration  `mapstructure:"request_timeout"`
	Resolver       ResolverConfig `mapstructure:"resolver"`
	Uploads        UploadsConfig  `mapstructure:"uploads"`
}

type ResolverConfig struct {
	ProbePath string        `mapstructure:"probe_path"`
	Prefixes  []string      `mapstructure:"prefixes"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type UploadsConfig struct {
	MaxConcurrent int64  `mapstructure:"max_concurrent"`
	Prefix        string `mapstructure:"prefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// JournalConfig locates the DuckDB run journal. An empty path keeps the
// journal in memory.
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

type ArchiveConfig struct {
	Kind  string             `mapstructure:"kind"`
	Local LocalArchiveConfig `mapstructure:"local"`
	S3    S3ArchiveConfig    `mapstructure:"s3"`
}

type LocalArchiveConfig struct {
	Dir string `mapstructure:"dir"`
}

type S3ArchiveConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

type BridgeConfig struct {
	Addr              string   `mapstructure:"addr"`
	MaxConcurrentRuns int      `mapstructure:"max_concurrent_runs"`
	QueueSize         int      `mapstructure:"queue_size"`
	CORSOrigins       []string `mapstructure:"cors_origins"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("comfyui.url", "http://127.0.0.1:8188")
	v.SetDefault("comfyui.reconnect_delay", time.Second)
	v.SetDefault("comfyui.max_reconnects", 0)
	v.SetDefault("comfyui.request_timeout", 120*time.Second)
	v.SetDefault("comfyui.resolver.probe_path", "/object_info")
	v.SetDefault("comfyui.resolver.prefixes", []string{"", "/api"})
	v.SetDefault("comfyui.resolver.timeout", 10*time.Second)
	v.SetDefault("comfyui.uploads.max_concurrent", 4)
	v.SetDefault("comfyui.uploads.prefix", "comfylink-")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("journal.path", "comfylink.duckdb")

	v.SetDefault("archive.kind", "local")
	v.SetDefault("archive.local.dir", "outputs")
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.prefix", "")
	v.SetDefault("archive.s3.region", "")
	v.SetDefault("archive.s3.endpoint", "")
	v.SetDefault("archive.s3.profile", "")
	v.SetDefault("archive.s3.access_key_id", "")
	v.SetDefault("archive.s3.secret_access_key", "")
	v.SetDefault("archive.s3.force_path_style", false)

	v.SetDefault("bridge.addr", ":8080")
	v.SetDefault("bridge.max_concurrent_runs", 2)
	v.SetDefault("bridge.queue_size", 100)
	v.SetDefault("bridge.cors_origins", []string{"*"})
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

// Load reads the config file at path, if any, applies environment
// overrides and validates the result. The file format follows its
// extension (json, yaml, toml).
func Load(path string) (*Config, error) {
	v := newViper()
	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

func (c *Config) normalize() {
	c.ComfyUI.URL = strings.TrimSpace(c.ComfyUI.URL)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Archive.Kind = strings.ToLower(strings.TrimSpace(c.Archive.Kind))
	for i, prefix := range c.ComfyUI.Resolver.Prefixes {
		prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
		if prefix != "" && !strings.HasPrefix(prefix, "/") {
			prefix = "/" + prefix
		}
		c.ComfyUI.Resolver.Prefixes[i] = prefix
	}
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateComfyUI(); err != nil {
		return err
	}
	if err := c.validateLog(); err != nil {
		return err
	}
	if err := c.validateArchive(); err != nil {
		return err
	}
	if err := c.validateBridge(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateComfyUI() error {
	if c.ComfyUI.URL == "" {
		return errors.New("comfyui.url must be set")
	}
	if c.ComfyUI.ReconnectDelay <= 0 {
		return errors.New("comfyui.reconnect_delay must be positive")
	}
	if c.ComfyUI.MaxReconnects < 0 {
		return errors.New("comfyui.max_reconnects must not be negative")
	}
	if len(c.ComfyUI.Resolver.Prefixes) == 0 {
		return errors.New("comfyui.resolver.prefixes must list at least one prefix")
	}
	if !strings.HasPrefix(c.ComfyUI.Resolver.ProbePath, "/") {
		return fmt.Errorf("comfyui.resolver.probe_path %q must start with /", c.ComfyUI.Resolver.ProbePath)
	}
	if c.ComfyUI.Uploads.MaxConcurrent < 1 {
		return errors.New("comfyui.uploads.max_concurrent must be at least 1")
	}
	return nil
}

func (c *Config) validateLog() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}
	return nil
}

func (c *Config) validateArchive() error {
	switch c.Archive.Kind {
	case "", "none":
	case "local":
		if strings.TrimSpace(c.Archive.Local.Dir) == "" {
			return errors.New("archive.local.dir must be set when archive.kind is local")
		}
	case "s3":
		if strings.TrimSpace(c.Archive.S3.Bucket) == "" {
			return errors.New("archive.s3.bucket must be set when archive.kind is s3")
		}
	default:
		return fmt.Errorf("archive.kind %q must be none, local or s3", c.Archive.Kind)
	}
	return nil
}

func (c *Config) validateBridge() error {
	if c.Bridge.MaxConcurrentRuns < 1 {
		return errors.New("bridge.max_concurrent_runs must be at least 1")
	}
	if c.Bridge.QueueSize < 1 {
		return errors.New("bridge.queue_size must be at least 1")
	}
	return nil
}
