package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/comfylink/pkg/kernel"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Bridge.Addr
			}

			a, err := ctx.newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			api := kernel.NewServer(a.logger, a.runs, a.bus)
			c := cors.New(cors.Options{
				AllowedOrigins: cfg.Bridge.CORSOrigins,
				AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
				AllowedHeaders: []string{"*"},
			})
			httpServer := &http.Server{
				Addr:              addr,
				Handler:           c.Handler(api.Handler()),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gCtx := errgroup.WithContext(cmd.Context())

			a.runs.Start(gCtx)
			g.Go(func() error {
				<-gCtx.Done()
				a.runs.Wait()
				return nil
			})

			g.Go(func() error {
				a.logger.Info("starting api server", "addr", addr, "comfyui", a.client.BaseURL())
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("api server failed: %w", err)
				}
				return nil
			})

			g.Go(func() error {
				<-gCtx.Done()
				a.logger.Info("shutting down api server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			})

			err = g.Wait()
			if errors.Is(cmd.Context().Err(), context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides bridge.addr)")
	return cmd
}
