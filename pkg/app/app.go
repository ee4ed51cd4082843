// Package app assembles the keyrotate process: store, fetcher, rotation
// scheduler, health and metrics registries, and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/keyrotate/pkg/api"
	"github.com/nimburion/keyrotate/pkg/config"
	"github.com/nimburion/keyrotate/pkg/fetcher"
	"github.com/nimburion/keyrotate/pkg/health"
	"github.com/nimburion/keyrotate/pkg/keystore"
	"github.com/nimburion/keyrotate/pkg/observability/logger"
	"github.com/nimburion/keyrotate/pkg/observability/metrics"
	"github.com/nimburion/keyrotate/pkg/observability/tracing"
	"github.com/nimburion/keyrotate/pkg/rotation"
	"github.com/nimburion/keyrotate/pkg/server"
	"github.com/nimburion/keyrotate/pkg/version"
)

const closeTimeout = 30 * time.Second

// Option customises App construction.
type Option func(*options)

type options struct {
	store   keystore.Store
	fetcher fetcher.Fetcher
	clock   func() time.Time
}

// WithStore replaces the store built from cfg.Database. The App still closes it.
func WithStore(store keystore.Store) Option {
	return func(o *options) { o.store = store }
}

// WithFetcher replaces the HTTP fetcher built from cfg.Fetcher.
func WithFetcher(f fetcher.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithClock overrides the wall clock used by the scheduler and API.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// App owns every long-lived component of a running process.
type App struct {
	config    *config.Config
	log       logger.Logger
	store     keystore.Store
	scheduler *rotation.Scheduler
	health    *health.Registry
	metrics   *metrics.Registry
	server    *server.Server
	tracer    *tracing.TracerProvider
}

// New builds an App. Components created before a failure are closed again.
func New(ctx context.Context, cfg *config.Config, log logger.Logger, opts ...Option) (a *App, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	o := options{clock: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}

	a = &App{config: cfg, log: log}
	defer func() {
		if err != nil {
			a.closeResources(context.WithoutCancel(ctx))
		}
	}()

	info := version.Current(cfg.Service.Name)
	a.tracer, err = tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: info.Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       cfg.Observability.TracingEndpoint,
		SampleRate:     cfg.Observability.TracingSampleRate,
		Enabled:        cfg.Observability.TracingEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("create tracer: %w", err)
	}

	a.store = o.store
	if a.store == nil {
		a.store, err = keystore.New(cfg.Database, log)
		if err != nil {
			return nil, fmt.Errorf("open key store: %w", err)
		}
	}
	if err = a.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate key store: %w", err)
	}

	f := o.fetcher
	if f == nil {
		f, err = fetcher.NewHTTPFetcher(fetcher.Config{
			BaseURL:   cfg.Fetcher.BaseURL,
			KeyParam:  cfg.Fetcher.KeyParam,
			Timeout:   cfg.Fetcher.Timeout,
			RateLimit: cfg.Fetcher.RateLimit,
			Burst:     cfg.Fetcher.Burst,
			UserAgent: cfg.Fetcher.UserAgent,

			BreakerFailures: cfg.Fetcher.BreakerFailures,
			BreakerCooldown: cfg.Fetcher.BreakerCooldown,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("create fetcher: %w", err)
		}
	}

	a.scheduler, err = rotation.NewScheduler(a.store, f, log, rotation.Config{
		InstanceID:    cfg.Ownership.InstanceID,
		LeaseTTL:      cfg.Ownership.LeaseTTL,
		RenewInterval: cfg.Ownership.EffectiveRenewInterval(),
		StoreTimeout:  cfg.Database.QueryTimeout,
	}, rotation.WithClock(o.clock))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	a.health = NewReadiness(a.store, a.scheduler, o.clock)
	a.metrics = metrics.NewRegistry(rotation.Collectors()...)

	router := api.NewRouter(api.Deps{
		Store:                  a.store,
		Scheduler:              a.scheduler,
		Logger:                 log,
		Readiness:              a.health,
		Metrics:                a.metrics.Handler(),
		Version:                info,
		DefaultIntervalSeconds: cfg.Rotation.DefaultIntervalSeconds,
		Now:                    o.clock,
	})
	a.server = server.NewServer(cfg.HTTP, router, log)
	return a, nil
}

// NewReadiness registers the checks served on /ready: store reachability,
// scheduler liveness and whether an enabled auto-run has a live owner.
func NewReadiness(store keystore.Store, scheduler *rotation.Scheduler, now func() time.Time) *health.Registry {
	reg := health.NewRegistry()
	reg.Register(health.NewAdapterChecker("keystore", store, 0))
	reg.Register(health.NewAdapterChecker("scheduler", scheduler, 0))
	reg.Register(health.NewCustomChecker("auto_run", func(ctx context.Context) (health.Status, string, map[string]any, error) {
		running, err := store.GetAutoRunStatus(ctx)
		if err != nil {
			return health.StatusUnhealthy, "", nil, fmt.Errorf("read auto-run flag: %w", err)
		}
		owner, err := store.CurrentOwner(ctx)
		if err != nil && !errors.Is(err, keystore.ErrNotFound) {
			return health.StatusUnhealthy, "", nil, fmt.Errorf("read owner: %w", err)
		}
		meta := map[string]any{"enabled": running, "owner": owner.InstanceID}
		if running && !owner.HeldAt(now()) {
			return health.StatusDegraded, "auto-run enabled but no live owner", meta, nil
		}
		return health.StatusHealthy, "auto-run consistent", meta, nil
	}))
	return reg
}

// Scheduler exposes the rotation scheduler.
func (a *App) Scheduler() *rotation.Scheduler { return a.scheduler }

// Store exposes the key store.
func (a *App) Store() keystore.Store { return a.store }

// Addr returns the HTTP listen address, resolved once Run has started serving.
func (a *App) Addr() string { return a.server.Addr() }

// Run restores the rotation schedule and serves HTTP until ctx is cancelled.
// Every component is closed before Run returns.
func (a *App) Run(ctx context.Context) error {
	defer a.closeResources(context.WithoutCancel(ctx))

	if err := a.scheduler.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize scheduler: %w", err)
	}
	a.log.Info("keyrotate started",
		"instance_id", a.config.Ownership.InstanceID,
		"database", a.config.Database.Type,
		"auto_run", a.scheduler.GetAutoRunStatus(),
	)
	return a.server.Start(ctx)
}

func (a *App) closeResources(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()

	if a.scheduler != nil {
		if err := a.scheduler.Close(ctx); err != nil {
			a.log.Error("failed to close scheduler", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("failed to close key store", "error", err)
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.log.Error("failed to shutdown tracer", "error", err)
		}
	}
}
