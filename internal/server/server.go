// Package server wires configuration into a running scheduler, sweeper and
// HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-refresher/internal/admission"
	"github.com/JakeFAU/catalog-refresher/internal/api"
	"github.com/JakeFAU/catalog-refresher/internal/cache/redis"
	"github.com/JakeFAU/catalog-refresher/internal/catalog"
	"github.com/JakeFAU/catalog-refresher/internal/clock/system"
	"github.com/JakeFAU/catalog-refresher/internal/config"
	"github.com/JakeFAU/catalog-refresher/internal/extract"
	"github.com/JakeFAU/catalog-refresher/internal/fetcher"
	collyfetcher "github.com/JakeFAU/catalog-refresher/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/catalog-refresher/internal/fetcher/headless"
	"github.com/JakeFAU/catalog-refresher/internal/id/uuid"
	"github.com/JakeFAU/catalog-refresher/internal/metrics"
	gcppublisher "github.com/JakeFAU/catalog-refresher/internal/publisher/pubsub"
	"github.com/JakeFAU/catalog-refresher/internal/queue/memory"
	"github.com/JakeFAU/catalog-refresher/internal/refresh"
	"github.com/JakeFAU/catalog-refresher/internal/scheduler"
	"github.com/JakeFAU/catalog-refresher/internal/staleness"
	gcsstorage "github.com/JakeFAU/catalog-refresher/internal/storage/gcs"
	localstorage "github.com/JakeFAU/catalog-refresher/internal/storage/local"
	memorystorage "github.com/JakeFAU/catalog-refresher/internal/storage/memory"
	pgstore "github.com/JakeFAU/catalog-refresher/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/catalog-refresher/internal/storage/sqlite"
	"github.com/JakeFAU/catalog-refresher/internal/worker"
)

// Options swaps collaborators Build would otherwise derive from config.
type Options struct {
	// Sessions replaces the configured browser factory.
	Sessions catalog.SessionFactory
	// Clock defaults to the system clock.
	Clock catalog.Clock
}

type closer struct {
	name  string
	close func() error
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     catalog.Clock
	jobs      catalog.JobStore
	entities  catalog.EntityStore
	throttle  catalog.CheckThrottle
	scheduler *scheduler.Scheduler
	sweeper   *refresh.Sweeper
	apiServer *api.Server

	closers   []closer
	startOnce sync.Once
	loopDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Build creates the application's dependencies. On error everything opened
// so far is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{
		cfg:      cfg,
		logger:   logger,
		clock:    opts.Clock,
		loopDone: make(chan struct{}),
	}
	if app.clock == nil {
		app.clock = system.New()
	}
	defer func() {
		if err != nil {
			app.closeInfrastructure()
		}
	}()

	app.logger.Info("building application dependencies",
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("blob_backend", cfg.Storage.Blob),
		zap.String("fetcher", cfg.Scrape.Fetcher),
		zap.Int("max_concurrency", cfg.Scrape.MaxConcurrency),
	)

	if err = app.setupStores(ctx); err != nil {
		return nil, err
	}
	blobs, err := app.setupBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if err = app.setupThrottle(ctx); err != nil {
		return nil, err
	}
	runner, err := app.setupWorker(blobs, opts.Sessions)
	if err != nil {
		return nil, err
	}

	gate, err := admission.New(admission.Config{
		MaxConcurrency:    cfg.Scrape.MaxConcurrency,
		MaxRequestsPerMin: cfg.RateLimit.MaxRequestsPerMinute,
		BurstLimit:        cfg.RateLimit.BurstLimit,
		BurstWindow:       config.Millis(cfg.RateLimit.BurstWindowMs),
	}, app.clock)
	if err != nil {
		return nil, fmt.Errorf("admission gate init failed: %w", err)
	}

	oracle := staleness.NewOracle(cfg.TTLs())
	app.scheduler, err = scheduler.New(scheduler.Config{
		MaxRetries:          cfg.Scrape.RetryAttempts,
		BackoffBase:         config.Millis(cfg.Scrape.RetryDelayBaseMs),
		BackoffMax:          config.Millis(cfg.Scrape.RetryDelayMaxMs),
		RateLimitMultiplier: cfg.Scrape.RateLimitedMultiplier,
		JobTimeout:          config.Millis(cfg.Scrape.JobTimeoutMs),
		RequestTimeout:      config.Millis(cfg.Scrape.RequestTimeoutMs),
		Delay:               config.Millis(cfg.Scrape.DelayBetweenRequestMs),
		PollInterval:        config.Millis(cfg.Scrape.PollIntervalMs),
	}, scheduler.Deps{
		Jobs:      app.jobs,
		Entities:  app.entities,
		Queue:     memory.NewQueue(catalog.Kinds),
		Gate:      gate,
		Runner:    runner,
		Oracle:    oracle,
		Publisher: publisher,
		Clock:     app.clock,
		IDs:       uuid.New(),
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}

	if cfg.Refresh.Enabled {
		app.sweeper, err = refresh.New(refresh.Config{
			Interval:  time.Duration(cfg.Refresh.IntervalMinutes) * time.Minute,
			SeedURL:   cfg.Refresh.SeedURL,
			BatchSize: cfg.Refresh.BatchSize,
		}, app.entities, app.scheduler, oracle, app.throttle, app.clock, logger)
		if err != nil {
			return nil, fmt.Errorf("sweeper init failed: %w", err)
		}
	}

	app.apiServer = api.NewServer(app.scheduler, api.Options{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
	}, logger.Named("api"))

	return app, nil
}

// Scheduler exposes the job service for in-process callers.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Start recovers jobs left by a previous process and launches the dispatch
// loop. Calling it again is a no-op.
func (a *App) Start(ctx context.Context) error {
	var err error
	a.startOnce.Do(func() {
		var recovered int
		recovered, err = a.scheduler.Recover(ctx)
		if err != nil {
			err = fmt.Errorf("recover jobs: %w", err)
			close(a.loopDone)
			return
		}
		a.logger.Info("scheduler started", zap.Int("recovered", recovered))
		go func() {
			defer close(a.loopDone)
			a.scheduler.Run(context.WithoutCancel(ctx))
		}()
	})
	return err
}

// Run starts the scheduler, the sweeper and the HTTP server, and blocks
// until ctx is canceled or the process is signalled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}
	if a.sweeper != nil {
		go a.sweeper.Run(ctx)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close stops the scheduler, waiting up to ctx for running jobs, then
// releases every backend. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeErr = a.scheduler.Shutdown(ctx)
		a.startOnce.Do(func() { close(a.loopDone) })
		<-a.loopDone
		a.closeInfrastructure()
		if err := a.logger.Sync(); err != nil {
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
		a.logger.Info("shutdown complete")
	})
	return a.closeErr
}

func (a *App) closeInfrastructure() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn(c.name+" close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, close: fn})
}

func (a *App) setupStores(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "postgres":
		pgCfg := pgstore.Config{
			DSN:           a.cfg.DB.DSN,
			JobsTable:     a.cfg.DB.JobsTable,
			EntitiesTable: a.cfg.DB.EntitiesTable,
			MaxConns:      int32(a.cfg.DB.MaxConns), //nolint:gosec // validated small pool sizes
			MinConns:      int32(a.cfg.DB.MinConns), //nolint:gosec // validated small pool sizes
		}
		pool, err := pgstore.Connect(ctx, pgCfg)
		if err != nil {
			return fmt.Errorf("postgres init failed: %w", err)
		}
		a.onClose("postgres pool", func() error { pool.Close(); return nil })
		if err := pgstore.EnsureSchema(ctx, pool, pgCfg); err != nil {
			return fmt.Errorf("postgres schema failed: %w", err)
		}
		jobs, err := pgstore.NewJobStoreWithPool(pool, pgCfg.JobsTable)
		if err != nil {
			return fmt.Errorf("postgres job store init failed: %w", err)
		}
		entities, err := pgstore.NewEntityStoreWithPool(pool, pgCfg.EntitiesTable)
		if err != nil {
			return fmt.Errorf("postgres entity store init failed: %w", err)
		}
		a.jobs, a.entities = jobs, entities
		a.logger.Info("using postgres storage backend",
			zap.String("jobs_table", pgCfg.JobsTable),
			zap.String("entities_table", pgCfg.EntitiesTable),
		)
	case "sqlite":
		store, err := sqlitestore.Open(ctx, a.cfg.SQLite.Path)
		if err != nil {
			return fmt.Errorf("sqlite init failed: %w", err)
		}
		a.onClose("sqlite store", store.Close)
		a.jobs, a.entities = store, store.EntityStore()
		a.logger.Info("using sqlite storage backend", zap.String("path", a.cfg.SQLite.Path))
	default:
		a.jobs, a.entities = memorystorage.NewJobStore(), memorystorage.NewEntityStore()
		a.logger.Info("using in-memory storage backend")
	}
	return nil
}

func (a *App) setupBlobStore(ctx context.Context) (catalog.BlobStore, error) {
	switch a.cfg.Storage.Blob {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.onClose("gcs client", store.Close)
		a.logger.Info("using GCS snapshot store", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local snapshot store", zap.String("path", a.cfg.Storage.LocalDir))
		return store, nil
	case "memory":
		a.logger.Info("using in-memory snapshot store")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("page snapshots disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (catalog.Publisher, error) {
	if !a.cfg.PubSub.Enabled {
		a.logger.Info("job outcome publishing disabled")
		return nil, nil
	}
	publisher, err := gcppublisher.Open(ctx, gcppublisher.Config{
		ProjectID: a.cfg.PubSub.ProjectID,
		TopicID:   a.cfg.PubSub.TopicID,
	})
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.onClose("pubsub publisher", publisher.Close)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicID),
	)
	return publisher, nil
}

func (a *App) setupThrottle(ctx context.Context) error {
	if a.cfg.Redis.Addr == "" {
		a.throttle = staleness.NewMemoryThrottle(a.cfg.CheckHorizon(), a.clock)
		return nil
	}
	throttle, err := redis.New(ctx, redis.Config{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		Horizon:  a.cfg.CheckHorizon(),
	})
	if err != nil {
		return fmt.Errorf("redis throttle init failed: %w", err)
	}
	a.onClose("redis client", throttle.Close)
	a.throttle = throttle
	a.logger.Info("using redis check throttle", zap.String("addr", a.cfg.Redis.Addr))
	return nil
}

func (a *App) setupWorker(blobs catalog.BlobStore, sessions catalog.SessionFactory) (*worker.Worker, error) {
	if sessions == nil {
		sessions = a.sessionFactory()
	}
	pool, err := fetcher.NewPool(sessions, a.cfg.Scrape.MaxConcurrency)
	if err != nil {
		_ = sessions.Close()
		return nil, fmt.Errorf("session pool init failed: %w", err)
	}
	a.onClose("session pool", pool.Close)

	workerCfg := worker.Config{
		Delay:          config.Millis(a.cfg.Scrape.DelayBetweenRequestMs),
		RequestTimeout: config.Millis(a.cfg.Scrape.RequestTimeoutMs),
		SnapshotPrefix: a.cfg.Scrape.SnapshotPrefix,
		BlockMarkers:   a.cfg.Scrape.BlockMarkers,
	}
	a.logger.Info("worker config",
		zap.Duration("delay", workerCfg.Delay),
		zap.Duration("request_timeout", workerCfg.RequestTimeout),
		zap.String("snapshot_prefix", workerCfg.SnapshotPrefix),
	)
	registry := extract.NewDefaultRegistry(a.cfg.Extract)
	return worker.New(pool, registry, blobs, a.clock, workerCfg, a.logger), nil
}

func (a *App) sessionFactory() catalog.SessionFactory {
	if a.cfg.Scrape.Fetcher == "colly" {
		a.logger.Info("using colly fetcher", zap.String("user_agent", a.cfg.Scrape.UserAgent))
		return collyfetcher.NewFactory(collyfetcher.Config{
			UserAgent: a.cfg.Scrape.UserAgent,
			Timeout:   config.Millis(a.cfg.Scrape.RequestTimeoutMs),
		})
	}
	a.logger.Info("using headless fetcher", zap.String("user_agent", a.cfg.Scrape.UserAgent))
	return headlessfetcher.NewFactory(headlessfetcher.Config{
		UserAgent:         a.cfg.Scrape.UserAgent,
		NavigationTimeout: config.Millis(a.cfg.Scrape.RequestTimeoutMs),
		SettleDelay:       config.Millis(a.cfg.Browser.SettleDelayMs),
		WaitSelector:      a.cfg.Browser.WaitSelector,
	})
}
