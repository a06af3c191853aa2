// Package bootstrap assembles the engine, responder and their backends from
// configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/convsim/internal/archive"
	"github.com/example/convsim/internal/cache"
	"github.com/example/convsim/internal/config"
	"github.com/example/convsim/internal/flows"
	"github.com/example/convsim/internal/lock"
	"github.com/example/convsim/internal/observability"
	"github.com/example/convsim/internal/platform"
	"github.com/example/convsim/internal/policy"
	"github.com/example/convsim/internal/queue"
	"github.com/example/convsim/internal/responder"
	"github.com/example/convsim/internal/scheduler"
	"github.com/example/convsim/internal/state"
)

// App is a fully wired control plane.
type App struct {
	Engine    *scheduler.Engine
	Responder *responder.Pool
	Queue     *queue.Manager
	Metrics   *observability.Metrics
	Cache     cache.KeyValueCache
	Store     state.Store
	Policy    *policy.Engine

	closers []func() error
}

// Close releases the store and cache connections in reverse build order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (app *App, err error) {
	app = &App{Metrics: observability.NewMetrics()}
	defer func() {
		if err != nil {
			_ = app.Close()
			app = nil
		}
	}()

	kv, err := NewCache(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.Cache = kv
	app.closers = append(app.closers, kv.Close)

	store, err := NewStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	app.Store = store
	app.closers = append(app.closers, store.Close)

	pol, err := policy.LoadFromFile(cfg.Policy.File, policy.Limits{
		MaxAccountTasks:       cfg.Scheduler.MaxAccountTasks,
		MaxConversationsLimit: cfg.Scheduler.MaxConversationsLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: policy: %w", err)
	}
	app.Policy = pol
	invoker, err := NewFlows(cfg)
	if err != nil {
		return nil, err
	}
	arch, err := NewArchiver(cfg)
	if err != nil {
		return nil, err
	}
	pc := platform.NewHTTPClient(platform.Config{
		BaseURL:  cfg.Platform.BaseURL,
		Timeout:  cfg.Platform.Timeout,
		Attempts: cfg.Platform.Attempts,
	})

	locker := lock.NewLocker(kv, lock.Config{
		Attempts:   cfg.Lock.Attempts,
		RetryDelay: cfg.Lock.RetryDelay,
		TTL:        cfg.Lock.TTL,
	})
	app.Queue = queue.NewManager(kv, locker, queue.DefaultKey)
	app.Engine = scheduler.NewEngine(scheduler.Deps{
		Store:    store,
		Cache:    kv,
		Locker:   locker,
		Counter:  lock.NewCounter(kv, locker, cfg.Lock.CounterTTL),
		Queue:    app.Queue,
		Platform: pc,
		Flows:    invoker,
	}, scheduler.Options{
		MaxQueuing:     cfg.Scheduler.MaxQueuing,
		MaxTurns:       cfg.Scheduler.MaxTurns,
		MinWarmUpDelay: cfg.Scheduler.MinWarmUpDelay,
		MaxWarmUpDelay: cfg.Scheduler.MaxWarmUpDelay,
		CreationDelay:  cfg.Scheduler.CreationDelay,
		EntityTTL:      cfg.Cache.EntityTTL,
		PumpInterval:   cfg.Scheduler.PumpInterval,
		Policy:         pol,
		Archiver:       arch,
		Metrics:        app.Metrics,
		Logger:         logger,
	})
	app.Responder = responder.New(app.Engine, pc, invoker, responder.Config{
		Interval:          cfg.Responder.Interval,
		Jitter:            cfg.Responder.Jitter,
		MaxConcurrency:    cfg.Responder.MaxConcurrency,
		PostSurveyTimeout: cfg.Responder.PostSurveyTimeout,
		MaxStrikes:        cfg.Responder.MaxStrikes,
		BackoffBase:       cfg.Responder.BackoffBase,
		BackoffMax:        cfg.Responder.BackoffMax,
	}, responder.WithLogger(logger), responder.WithMetrics(app.Metrics))
	return app, nil
}

func NewCache(ctx context.Context, cfg config.Config) (cache.KeyValueCache, error) {
	switch cfg.Cache.Backend {
	case "", "memory":
		return cache.NewMemory(cache.WithMemoryScanBudget(cfg.Cache.ScanBudget)), nil
	case "redis":
		rc := cache.NewRedis(cache.RedisConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			KeyPrefix:  cfg.Redis.KeyPrefix,
			Timeout:    cfg.Redis.Timeout,
			ScanBudget: cfg.Cache.ScanBudget,
		})
		if err := rc.Ping(ctx); err != nil {
			return nil, fmt.Errorf("bootstrap: redis %s: %w", cfg.Redis.Addr, err)
		}
		return rc, nil
	case "nats":
		nc, err := cache.DialNATS(ctx, cache.NATSConfig{
			URL:        cfg.NATS.URL,
			Bucket:     cfg.NATS.Bucket,
			ScanBudget: cfg.Cache.ScanBudget,
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: nats: %w", err)
		}
		return nc, nil
	default:
		return nil, fmt.Errorf("bootstrap: unsupported cache backend %q", cfg.Cache.Backend)
	}
}

func NewStore(ctx context.Context, cfg config.StoreConfig) (state.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return state.NewMemoryStore(), nil
	case "sqlite":
		return state.NewSQLStore(ctx, state.DriverSQLite, cfg.DSN)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("bootstrap: store.dsn is required when store.backend=postgres")
		}
		return state.NewSQLStore(ctx, state.DriverPostgres, cfg.DSN)
	default:
		return nil, fmt.Errorf("bootstrap: unsupported store backend %q", cfg.Backend)
	}
}

func NewFlows(cfg config.Config) (flows.Invoker, error) {
	switch cfg.Flows.Backend {
	case "", "http":
		return flows.NewHTTPInvoker(flows.HTTPConfig{
			BaseURL:  cfg.Flows.BaseURL,
			Timeout:  cfg.Flows.Timeout,
			Attempts: cfg.Flows.Attempts,
		}), nil
	case "openai":
		router, err := flows.LoadModelRouter(cfg.Flows.RoutingFile, cfg.OpenAI.Model)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		return flows.NewOpenAIInvoker(flows.OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
			Router:  router,
		}), nil
	case "anthropic":
		router, err := flows.LoadModelRouter(cfg.Flows.RoutingFile, cfg.Anthropic.Model)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		return flows.NewAnthropicInvoker(flows.AnthropicConfig{
			APIKey:    cfg.Anthropic.APIKey,
			BaseURL:   cfg.Anthropic.BaseURL,
			Model:     cfg.Anthropic.Model,
			MaxTokens: cfg.Anthropic.MaxTokens,
			Router:    router,
		}), nil
	default:
		return nil, fmt.Errorf("bootstrap: unsupported flows backend %q", cfg.Flows.Backend)
	}
}

func NewArchiver(cfg config.Config) (archive.Archiver, error) {
	switch cfg.Archive.Backend {
	case "", "none":
		return archive.Noop{}, nil
	case "local":
		return archive.Local{Root: cfg.Archive.Root}, nil
	case "minio":
		m, err := archive.NewMinIO(archive.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: minio: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("bootstrap: unsupported archive backend %q", cfg.Archive.Backend)
	}
}
