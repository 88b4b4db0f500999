// Package app assembles the engine, its stores and its background loops from
// configuration. Both the server and the importer commands run on it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/mediatext/internal/acquire"
	"github.com/phrazzld/mediatext/internal/aggregate"
	"github.com/phrazzld/mediatext/internal/artifact"
	"github.com/phrazzld/mediatext/internal/config"
	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/engine/factory"
	"github.com/phrazzld/mediatext/internal/events"
	"github.com/phrazzld/mediatext/internal/platform/minio"
	"github.com/phrazzld/mediatext/internal/platform/redis"
	"github.com/phrazzld/mediatext/internal/platform/sqldb"
	"github.com/phrazzld/mediatext/internal/ratelimit"
	"github.com/phrazzld/mediatext/internal/service"
	"github.com/phrazzld/mediatext/internal/service/auth"
	"github.com/phrazzld/mediatext/internal/store"
	"github.com/phrazzld/mediatext/internal/store/memstore"
	"github.com/phrazzld/mediatext/internal/task"
)

// healthRefreshInterval is how often engine availability is re-probed for
// the gRPC health service.
const healthRefreshInterval = 30 * time.Second

// App holds every long-lived dependency and releases them on Close.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Store      store.Store
	Engines    *factory.Engines
	Limiter    *ratelimit.Controller
	Machine    *task.StateMachine
	Aggregator *aggregate.Aggregator
	Dispatcher *task.Dispatcher
	Poller     *task.Poller
	Submission *service.Submission
	JWT        auth.JWTService
	Health     *HealthReporter

	emitter  *events.Bus
	acquirer acquire.Acquirer
	onReady  func(ctx context.Context, agg *aggregate.ParentAggregate)
	closers  []func() error
}

// Option overrides a dependency New would otherwise build from config.
type Option func(*App)

// WithStore uses s instead of opening the configured database.
func WithStore(s store.Store) Option {
	return func(a *App) { a.Store = s }
}

// WithEngines uses e instead of building adapters from config.
func WithEngines(e *factory.Engines) Option {
	return func(a *App) { a.Engines = e }
}

// WithAcquirer uses acq instead of the HTTP downloader.
func WithAcquirer(acq acquire.Acquirer) Option {
	return func(a *App) { a.acquirer = acq }
}

// WithOnParentReady runs fn whenever a parent aggregate becomes final.
func WithOnParentReady(fn func(ctx context.Context, agg *aggregate.ParentAggregate)) Option {
	return func(a *App) { a.onReady = fn }
}

// New builds the application. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, opts ...Option) (_ *App, err error) {
	a := &App{Config: cfg, Logger: log}
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.Store == nil {
		if a.Store, err = a.openStore(ctx); err != nil {
			return nil, err
		}
	}

	if a.Engines == nil {
		if a.Engines, err = factory.Build(ctx, cfg.Engines, cfg.Retry, log); err != nil {
			return nil, fmt.Errorf("failed to build engines: %w", err)
		}
	}
	log.Info("engines registered", "engines", a.Engines.Registry.Engines())

	if a.Limiter, err = ratelimit.New(a.Engines.Limits); err != nil {
		return nil, fmt.Errorf("failed to build rate controller: %w", err)
	}

	a.emitter = events.NewBus(log)
	a.Machine = task.NewStateMachine(a.Store, a.Limiter, task.WithEmitter(a.emitter))

	var aggOpts []aggregate.Option
	if a.onReady != nil {
		aggOpts = append(aggOpts, aggregate.WithOnReady(a.onReady))
	}
	a.Aggregator = aggregate.New(a.Store, aggregate.Config{
		Delimiter:   cfg.Aggregate.Delimiter,
		ImageHeader: cfg.Aggregate.ImageHeader,
		VideoHeader: cfg.Aggregate.VideoHeader,
	}, log, aggOpts...)
	a.emitter.Subscribe(a.Aggregator, events.TypeTaskSettled)

	artifacts, err := a.openArtifacts(ctx)
	if err != nil {
		return nil, err
	}
	lease, err := a.openLease(ctx)
	if err != nil {
		return nil, err
	}

	a.Poller = task.NewPoller(a.Machine, a.Store, a.Engines.Registry, a.Limiter, lease, artifacts,
		task.PollerConfig{
			Interval:      cfg.Poll.Interval,
			Timeout:       cfg.Poll.Timeout,
			MaxConcurrent: cfg.Poll.MaxConcurrent,
			LeaseTTL:      cfg.Poll.LeaseTTL,
		}, log)

	a.Dispatcher = task.NewDispatcher(a.Machine, a.Store, a.Engines.Registry, a.Limiter, a.Poller, artifacts,
		task.DispatcherConfig{
			Workers:            cfg.Dispatch.Workers,
			IdleInterval:       cfg.Dispatch.IdleInterval,
			StuckTaskAge:       cfg.Dispatch.StuckTaskAge,
			StuckCheckInterval: cfg.Dispatch.StuckCheckInterval,
		}, log)

	if a.acquirer == nil {
		if a.acquirer, err = acquire.New(acquire.Config{
			Dir:       cfg.Acquire.DownloadDir,
			MaxBytes:  cfg.Acquire.MaxBytes,
			Timeout:   cfg.Acquire.Timeout,
			UserAgent: cfg.Acquire.UserAgent,
		}, &http.Client{}, log); err != nil {
			return nil, fmt.Errorf("failed to initialize downloader: %w", err)
		}
	}

	a.Submission, err = service.NewSubmission(service.Dependencies{
		Store:      a.Store,
		Acquirer:   a.acquirer,
		Resetter:   a.Machine,
		Aggregator: a.Aggregator,
		Engines:    a.Engines.Registry,
		Notifier:   a.Dispatcher,
		Logger:     log,
	}, service.Config{
		ImageEngine: domain.Engine(cfg.Tabular.ImageEngine),
		VideoEngine: domain.Engine(cfg.Tabular.VideoEngine),
	})
	if err != nil {
		return nil, err
	}

	if a.JWT, err = auth.NewJWTService(cfg.Auth); err != nil {
		return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
	}

	a.Health = NewHealthReporter(a.Engines.Registry, healthRefreshInterval, log)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (store.Store, error) {
	dbCfg := a.Config.Database
	if dbCfg.Driver == "memory" {
		a.Logger.Warn("using in-memory store, tasks are lost on exit")
		return memstore.New(), nil
	}

	db, d, err := sqldb.Open(ctx, dbCfg.Driver, dbCfg.URL, dbCfg.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)

	if err := sqldb.Migrate(ctx, db, d, a.Logger); err != nil {
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	a.Logger.Info("database ready", "driver", dbCfg.Driver)
	return sqldb.New(db, d), nil
}

func (a *App) openArtifacts(ctx context.Context) (task.ArtifactWriter, error) {
	c := a.Config.Artifacts
	switch c.Backend {
	case "fs":
		s, err := artifact.NewFSStore(c.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open artifact directory: %w", err)
		}
		return s, nil
	case "minio":
		s, err := minio.New(ctx, minio.Config{
			Endpoint:  c.MinIO.Endpoint,
			AccessKey: c.MinIO.AccessKey,
			SecretKey: c.MinIO.SecretKey,
			Bucket:    c.MinIO.Bucket,
			UseSSL:    c.MinIO.UseSSL,
		}, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open artifact bucket: %w", err)
		}
		return s, nil
	default:
		return nil, nil
	}
}

func (a *App) openLease(ctx context.Context) (task.Lease, error) {
	if a.Config.Poll.Lease != "redis" {
		return task.NewLocalLease(), nil
	}
	r := a.Config.Redis
	client, err := redis.Connect(ctx, r.Addr, r.Password, r.DB)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	return redis.NewLease(client, a.Logger), nil
}

// Start launches the poll manager, then the dispatch loop. Tasks left
// waiting on remote jobs by a previous run are tracked again first.
func (a *App) Start(ctx context.Context) error {
	if err := a.Poller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start poller: %w", err)
	}
	if err := a.Dispatcher.Start(ctx); err != nil {
		a.Poller.Stop()
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	a.Health.Start(ctx)
	return nil
}

// Stop halts the dispatch loop before the poll manager, so no new job is
// submitted while polls drain.
func (a *App) Stop() {
	a.Dispatcher.Stop()
	a.Poller.Stop()
	a.Health.Shutdown()
}

// Close releases database and cache connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && !errors.Is(err, sql.ErrConnDone) {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// WaitSettled blocks until every parent in keys has a final aggregate, or
// ctx ends. Unknown keys count as settled.
func (a *App) WaitSettled(ctx context.Context, keys []string, interval time.Duration) error {
	pending := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		pending[k] = struct{}{}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for k := range pending {
			agg, err := a.Submission.GetParent(ctx, k)
			if errors.Is(err, service.ErrParentNotFound) {
				delete(pending, k)
				continue
			}
			if err != nil {
				return err
			}
			if agg.Status == domain.RelationStatusCompleted || agg.Status == domain.RelationStatusFailed {
				delete(pending, k)
			}
		}
		if len(pending) == 0 {
			return nil
		}

		a.Logger.Debug("waiting for parents to settle", "remaining", len(pending))
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d parents still running: %w", len(pending), ctx.Err())
		case <-ticker.C:
		}
	}
}
