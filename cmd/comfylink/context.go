package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/manthysbr/comfylink/internal/adapters/archive"
	"github.com/manthysbr/comfylink/internal/adapters/comfyui"
	"github.com/manthysbr/comfylink/internal/adapters/duckdb"
	"github.com/manthysbr/comfylink/internal/config"
	"github.com/manthysbr/comfylink/internal/core/domain"
	"github.com/manthysbr/comfylink/internal/core/ports"
	"github.com/manthysbr/comfylink/internal/core/services"
)

// commandContext lazily loads configuration shared by every command and
// builds the adapters they need from it.
type commandContext struct {
	configFlag   *string
	serverFlag   *string
	logLevelFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	logOut io.Writer
}

func newCommandContext(configFlag, serverFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		serverFlag:   serverFlag,
		logLevelFlag: logLevelFlag,
		logOut:       os.Stderr,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load(flagValue(c.configFlag))
		if err != nil {
			c.configErr = err
			return
		}
		if server := flagValue(c.serverFlag); server != "" {
			cfg.ComfyUI.URL = server
		}
		if level := flagValue(c.logLevelFlag); level != "" {
			cfg.Log.Level = strings.ToLower(level)
		}
		if err := cfg.Validate(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func flagValue(flag *string) string {
	if flag == nil {
		return ""
	}
	return strings.TrimSpace(*flag)
}

func (c *commandContext) logger() *slog.Logger {
	cfg, err := c.ensureConfig()
	if err != nil {
		return slog.New(slog.NewTextHandler(c.logOut, nil))
	}
	return newLogger(cfg.Log, c.logOut)
}

func newLogger(cfg config.LogConfig, out io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

// newClient connects to the configured ComfyUI server.
func (c *commandContext) newClient(logger *slog.Logger, onState func(domain.ConnState)) (*comfyui.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	cc := cfg.ComfyUI
	client, err := comfyui.New(cc.URL, comfyui.Options{
		Logger:               logger,
		HTTPClient:           &http.Client{Timeout: cc.RequestTimeout},
		ReconnectDelay:       cc.ReconnectDelay,
		MaxReconnects:        cc.MaxReconnects,
		ProbePath:            cc.Resolver.ProbePath,
		Prefixes:             cc.Resolver.Prefixes,
		ProbeTimeout:         cc.Resolver.Timeout,
		UploadPrefix:         cc.Uploads.Prefix,
		MaxConcurrentUploads: cc.Uploads.MaxConcurrent,
		OnStateChange:        onState,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init comfyui client: %w", err)
	}
	return client, nil
}

func (c *commandContext) openJournal() (*duckdb.Repository, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	repo, err := duckdb.NewRepository(cfg.Journal.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to init run journal: %w", err)
	}
	return repo, nil
}

func (c *commandContext) newSink(ctx context.Context) (ports.AssetSink, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	a := cfg.Archive
	sink, err := archive.New(ctx, archive.Config{
		Kind:  a.Kind,
		Local: archive.LocalConfig{Dir: a.Local.Dir},
		S3: archive.S3Config{
			Bucket:          a.S3.Bucket,
			Prefix:          a.S3.Prefix,
			Region:          a.S3.Region,
			Endpoint:        a.S3.Endpoint,
			Profile:         a.S3.Profile,
			AccessKeyID:     a.S3.AccessKeyID,
			SecretAccessKey: a.S3.SecretAccessKey,
			ForcePathStyle:  a.S3.ForcePathStyle,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init archive: %w", err)
	}
	return sink, nil
}

// app is the wired run pipeline used by run and serve.
type app struct {
	logger *slog.Logger
	client *comfyui.Client
	repo   *duckdb.Repository
	bus    *services.EventBus
	runs   *services.RunService
}

func (c *commandContext) newApp(ctx context.Context) (*app, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger := c.logger()

	repo, err := c.openJournal()
	if err != nil {
		return nil, err
	}
	sink, err := c.newSink(ctx)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	a := &app{logger: logger, repo: repo, bus: services.NewEventBus(logger)}
	// The client reports state from its own goroutine, possibly before the
	// run service exists.
	var runs atomic.Pointer[services.RunService]
	client, err := c.newClient(logger, func(state domain.ConnState) {
		if svc := runs.Load(); svc != nil {
			svc.ConnectionChanged(state)
		}
	})
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	a.client = client

	scheduler := services.NewJobScheduler(logger, services.SchedulerConfig{
		MaxConcurrentRuns: int64(cfg.Bridge.MaxConcurrentRuns),
		QueueSize:         cfg.Bridge.QueueSize,
	})
	a.runs = services.NewRunService(logger, client, repo, sink, a.bus, scheduler)
	runs.Store(a.runs)
	return a, nil
}

func (a *app) Close() error {
	clientErr := a.client.Close()
	repoErr := a.repo.Close()
	if clientErr != nil {
		return clientErr
	}
	return repoErr
}
