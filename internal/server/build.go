package server

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapecache/internal/admission"
	"github.com/JakeFAU/scrapecache/internal/api"
	"github.com/JakeFAU/scrapecache/internal/cache"
	gcscache "github.com/JakeFAU/scrapecache/internal/cache/gcs"
	"github.com/JakeFAU/scrapecache/internal/cache/lru"
	memorycache "github.com/JakeFAU/scrapecache/internal/cache/memory"
	pgcache "github.com/JakeFAU/scrapecache/internal/cache/postgres"
	sqlitecache "github.com/JakeFAU/scrapecache/internal/cache/sqlite"
	"github.com/JakeFAU/scrapecache/internal/clock/system"
	"github.com/JakeFAU/scrapecache/internal/config"
	"github.com/JakeFAU/scrapecache/internal/coordinator"
	"github.com/JakeFAU/scrapecache/internal/dispatcher"
	"github.com/JakeFAU/scrapecache/internal/events"
	"github.com/JakeFAU/scrapecache/internal/events/sinks"
	"github.com/JakeFAU/scrapecache/internal/fetcher"
	collyfetcher "github.com/JakeFAU/scrapecache/internal/fetcher/colly"
	"github.com/JakeFAU/scrapecache/internal/fetcher/headless"
	"github.com/JakeFAU/scrapecache/internal/id/uuid"
	"github.com/JakeFAU/scrapecache/internal/lock"
	"github.com/JakeFAU/scrapecache/internal/policy/ratelimit"
	memoryqueue "github.com/JakeFAU/scrapecache/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/scrapecache/internal/queue/pubsub"
	"github.com/JakeFAU/scrapecache/internal/retry"
	"github.com/JakeFAU/scrapecache/internal/search"
	memorystore "github.com/JakeFAU/scrapecache/internal/storage/memory"
	pgstore "github.com/JakeFAU/scrapecache/internal/storage/postgres"
	"github.com/JakeFAU/scrapecache/internal/telemetry"
	"github.com/JakeFAU/scrapecache/internal/worker"
)

// Build wires the application from cfg. reg receives the event sink
// collectors; nil selects the default registry. On error every component
// created so far is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	built := false
	defer func() {
		if !built {
			_ = app.Close(context.WithoutCancel(ctx))
		}
	}()

	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("slow_backend", cfg.Cache.SlowBackend),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("queue_backend", cfg.Queue.Backend),
	)

	var err error
	app.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	if needsPostgres(cfg) {
		app.pool, err = pgstore.Connect(ctx, pgstore.PoolConfig{DSN: cfg.DB.DSN, MaxConns: cfg.DB.MaxConns})
		if err != nil {
			return nil, err
		}
		logger.Info("postgres pool ready", zap.Int32("max_conns", cfg.DB.MaxConns))
	}

	jobs, records, err := setupStores(ctx, app)
	if err != nil {
		return nil, err
	}
	slow, err := setupSlowTier(ctx, app)
	if err != nil {
		return nil, err
	}
	app.tiers = cache.New(lru.New(cfg.Cache.FastSize, cfg.Cache.FastTTL), slow, cache.Config{
		FastTTL: cfg.Cache.FastTTL,
		SlowTTL: cfg.Cache.SlowTTL,
	}, app.clock, logger.Named("cache"))
	app.locks = lock.New(lock.Config{TTL: cfg.Lock.TTL, SweepInterval: cfg.Lock.SweepInterval}, app.clock, logger.Named("lock"))

	chain, err := setupFetcher(app)
	if err != nil {
		return nil, err
	}

	if err = setupEvents(app, reg); err != nil {
		return nil, err
	}

	queue, err := setupQueue(ctx, app)
	if err != nil {
		return nil, err
	}

	app.gate = admission.New(admissionConfig(cfg.Admission), app.clock, logger.Named("admission"))

	app.dispatch = dispatcher.New(queue, jobs, uuid.NewGenerator(), app.clock, app.hub, dispatcher.Config{
		Concurrency: cfg.Worker.Concurrency,
		Worker: worker.Config{
			MaxAttempts:    cfg.Queue.MaxAttempts,
			BackoffInitial: cfg.Queue.BackoffInitial,
			BackoffMax:     cfg.Queue.BackoffMax,
		},
	}, logger.Named("dispatcher"))

	app.coord = coordinator.New(app.tiers, app.locks, chain, records, app.dispatch, app.hub, coordinator.Config{
		LockWaitMax:       cfg.Lock.WaitMax,
		LockPoll:          cfg.Lock.PollInterval,
		BusyRetryAfter:    cfg.Coordinator.BusyRetryAfter,
		BlockedRetryAfter: cfg.Coordinator.BlockedRetryAfter,
		DisablePrefetch:   !cfg.Coordinator.Prefetch,
		PrefetchMaxPage:   cfg.Coordinator.PrefetchMaxPage,
		Retry: retry.Options{
			MaxAttempts:   cfg.Retry.MaxAttempts,
			InitialDelay:  cfg.Retry.InitialDelay,
			MaxDelay:      cfg.Retry.MaxDelay,
			Multiplier:    cfg.Retry.Multiplier,
			BlockedFactor: cfg.Retry.BlockedFactor,
		},
	}, logger.Named("coordinator"))
	app.dispatch.AddWorkers(app.coord, app.gate)

	app.api = api.NewServer(app.coord, app.dispatch, app.gate, app.hub, api.Config{
		APIKeys:    cfg.Auth.APIKeys,
		TrustProxy: cfg.Server.TrustProxy,
		Heartbeat:  cfg.Events.Heartbeat,
	}, logger.Named("api"), readinessChecks(app)...)

	built = true
	logger.Info("application built", zap.Int("workers", app.dispatch.Workers()))
	return app, nil
}

func needsPostgres(cfg config.Config) bool {
	return cfg.Store.Backend == "postgres" || cfg.Cache.SlowBackend == "postgres"
}

func setupStores(ctx context.Context, app *App) (search.JobStore, search.RecordStore, error) {
	if app.cfg.Store.Backend != "postgres" {
		app.logger.Info("using in-memory job and record stores")
		return memorystore.NewJobStore(app.clock), memorystore.NewRecordStore(), nil
	}
	if err := pgstore.EnsureSchema(ctx, app.pool); err != nil {
		return nil, nil, err
	}
	jobs, err := pgstore.NewJobStore(app.pool)
	if err != nil {
		return nil, nil, fmt.Errorf("job store init failed: %w", err)
	}
	records, err := pgstore.NewRecordStore(app.pool)
	if err != nil {
		return nil, nil, fmt.Errorf("record store init failed: %w", err)
	}
	app.logger.Info("using postgres job and record stores")
	return jobs, records, nil
}

func setupSlowTier(ctx context.Context, app *App) (cache.SlowTier, error) {
	switch app.cfg.Cache.SlowBackend {
	case "postgres":
		store, err := pgcache.New(app.pool, app.cfg.DB.CacheTable)
		if err != nil {
			return nil, fmt.Errorf("postgres cache init failed: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		app.purger = store
		app.logger.Info("using postgres slow tier", zap.String("table", app.cfg.DB.CacheTable))
		return store, nil
	case "sqlite":
		store, err := sqlitecache.Open(app.cfg.SQLite.DSN)
		if err != nil {
			return nil, fmt.Errorf("sqlite cache init failed: %w", err)
		}
		app.closeFns = append(app.closeFns, store.Close)
		app.purger = store
		app.logger.Info("using sqlite slow tier")
		return store, nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcs = client
		store, err := gcscache.New(client, gcscache.Config{Bucket: app.cfg.GCS.Bucket, Prefix: app.cfg.GCS.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs cache init failed: %w", err)
		}
		app.logger.Info("using gcs slow tier", zap.String("bucket", app.cfg.GCS.Bucket))
		return store, nil
	default:
		app.logger.Warn("using in-memory slow tier; cached results will not survive a restart")
		return memorycache.NewStore(), nil
	}
}

func setupFetcher(app *App) (*fetcher.Chain, error) {
	fc := app.cfg.Fetch
	probe := collyfetcher.New(collyfetcher.Config{UserAgent: fc.UserAgent, Timeout: fc.Timeout})

	var browser fetcher.PageFetcher
	if fc.Headless.Enabled {
		hf, err := headless.New(headless.Config{
			MaxParallel:       fc.Headless.MaxParallel,
			UserAgent:         fc.UserAgent,
			NavigationTimeout: fc.Headless.NavTimeout,
			Settle:            fc.Headless.Settle,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		app.headless = hf
		browser = hf
		app.logger.Info("headless fallback enabled", zap.Int("max_parallel", fc.Headless.MaxParallel))
	}

	throttle := ratelimit.New(ratelimit.Config{DefaultRPS: fc.RPS, DefaultBurst: fc.Burst})
	app.logger.Info("upstream pacing",
		zap.Float64("rps", fc.RPS),
		zap.Int("burst", fc.Burst),
	)

	chain, err := fetcher.NewChain(fetcher.Config{
		SearchURL:      fc.SearchURL,
		Selectors:      fc.Selectors,
		ShellThreshold: fc.ShellThreshold,
	}, probe, browser, throttle, app.logger.Named("fetcher"))
	if err != nil {
		return nil, fmt.Errorf("fetch chain init failed: %w", err)
	}
	return chain, nil
}

func setupEvents(app *App, reg prometheus.Registerer) error {
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return err
	}
	app.hub = events.NewHub(events.Config{
		BufferSize: app.cfg.Events.BufferSize,
		Logger:     app.logger.Named("events"),
	}, sinks.NewLogSink(app.logger.Named("events")), promSink)
	return nil
}

func setupQueue(ctx context.Context, app *App) (search.Queue, error) {
	if app.cfg.Queue.Backend != "pubsub" {
		app.memQueue = memoryqueue.NewQueue(app.cfg.Queue.Depth)
		app.logger.Info("using in-memory job queue", zap.Int("depth", app.cfg.Queue.Depth))
		return app.memQueue, nil
	}
	pc := app.cfg.PubSub
	q, err := pubsubqueue.Dial(ctx, pubsubqueue.Config{
		ProjectID:       pc.ProjectID,
		Topic:           pc.Topic,
		Subscription:    pc.Subscription,
		MinBackoff:      app.cfg.Queue.BackoffInitial,
		MaxBackoff:      app.cfg.Queue.BackoffMax,
		CreateIfMissing: pc.CreateIfMissing,
	}, app.logger.Named("pubsub"))
	if err != nil {
		return nil, err
	}
	app.pubsubQueue = q
	app.logger.Info("using pubsub job queue",
		zap.String("project", pc.ProjectID),
		zap.String("topic", pc.Topic),
	)
	return q, nil
}

// admissionConfig maps configured API keys to the identities the gate sees.
func admissionConfig(ac config.AdmissionConfig) admission.Config {
	privileged := make([]string, 0, len(ac.Privileged))
	for _, key := range ac.Privileged {
		privileged = append(privileged, api.KeyIdentity(key))
	}
	return admission.Config{
		Window:                ac.Window,
		RequestsPerWindowIP:   ac.RequestsPerWindowIP,
		RequestsPerWindowKey:  ac.RequestsPerWindowKey,
		MaxConcurrentPerIP:    ac.MaxConcurrentPerIP,
		MaxConcurrentPerKey:   ac.MaxConcurrentPerKey,
		ConcurrencyRetryAfter: ac.ConcurrencyRetryAfter,
		MaxQueryLength:        ac.MaxQueryLength,
		MaxPageSync:           ac.MaxPageSync,
		MaxPageAsync:          ac.MaxPageAsync,
		MaxLimit:              ac.MaxLimit,
		Privileged:            privileged,
		NormalLimitThreshold:  ac.NormalLimitThreshold,
	}
}

func readinessChecks(app *App) []api.ReadinessCheck {
	var checks []api.ReadinessCheck
	if app.pool != nil {
		checks = append(checks, func(ctx context.Context) error {
			if err := app.pool.Ping(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			return nil
		})
	}
	return checks
}
