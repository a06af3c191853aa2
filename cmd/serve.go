package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/convsim/internal/api"
	"github.com/example/convsim/internal/bootstrap"
	"github.com/example/convsim/internal/config"
	"github.com/example/convsim/internal/logging"
	"github.com/example/convsim/internal/observability"
	"github.com/example/convsim/internal/policy"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane: HTTP API, queue pump and responder loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (CONVSIM_* environment variables override it)")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	shutdownTracing, err := observability.InitTracing(ctx, "convsim", observability.TracingConfig(cfg.Tracing))
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	app, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("close backends", "error", err)
		}
	}()

	hydrated, err := app.Engine.Hydrate(ctx)
	if err != nil {
		return err
	}
	logger.Info("state hydrated", "tasks", hydrated.Tasks, "conversations", hydrated.Conversations, "slots", hydrated.Slots)

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewServer(app.Engine, api.Options{
			Queue:                 app.Queue,
			Metrics:               app.Metrics,
			Logger:                logger,
			AdmitPerAccountPerMin: cfg.HTTP.AdmitRateLimitPerMin,
			AdmitGlobalPerMin:     cfg.HTTP.AdmitGlobalRateLimitPerMin,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.Engine.Run(gctx) })
	g.Go(func() error { return app.Responder.Run(gctx) })
	if cfg.Policy.Watch && cfg.Policy.File != "" {
		g.Go(func() error {
			if err := policy.Watch(gctx, cfg.Policy.File, app.Policy, logger, 0); err != nil {
				logger.Warn("policy hot reload disabled", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("convsim listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(srv, app, cfg.HTTP.ShutdownTimeout, logger)
	})
	return g.Wait()
}

func shutdown(srv *http.Server, app *bootstrap.App, timeout time.Duration, logger *slog.Logger) error {
	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	app.Responder.Stop()
	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := app.Engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
	}
	return errors.Join(errs...)
}
