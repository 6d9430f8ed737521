package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"thumbgen/cache"
	"thumbgen/core"
	"thumbgen/db"
	"thumbgen/dispatch"
	"thumbgen/events"
	"thumbgen/imagegen"
	"thumbgen/logging"
	"thumbgen/metrics"
	"thumbgen/quota"
	"thumbgen/shutdown"
	"thumbgen/studio"
	"thumbgen/telemetry"
	"thumbgen/webui"
)

// application holds the wired service. Every component that needs cleanup
// registers a stage on the shutdown manager as it is built, so a failure
// halfway through wiring still releases what was opened.
type application struct {
	cfg     *core.Config
	logger  *logging.Logger
	manager *shutdown.Manager
	server  *webui.Server
	studio  *studio.Studio
	db      *db.Database
}

func newApplication(cfg *core.Config, logger *logging.Logger, manager *shutdown.Manager) (*application, error) {
	ctx := manager.Context()
	app := &application{cfg: cfg, logger: logger, manager: manager}

	database, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	app.db = database
	manager.Register("database", shutdown.PriorityDatabase, shutdown.Closer(database))

	repo := db.NewRepository(database, nil)
	runWriter := db.NewAsyncWriter(repo.CreateAsyncWriteHandler(), db.DefaultAsyncWriterConfig())
	repo.SetAsyncWriter(runWriter)
	runWriter.Start()
	manager.Register("runs", shutdown.PriorityQuota,
		shutdown.Drainer("runs", runWriter.StopWithTimeout, runWriter.Pending))

	store, err := app.cacheStore(ctx, repo)
	if err != nil {
		return nil, err
	}
	results := cache.New(store,
		cache.WithMaxEntries(cfg.CacheMaxEntries),
		cache.WithLogger(logger))

	catalog, err := quota.LoadCatalog(cfg.PlansFile)
	if err != nil {
		return nil, err
	}
	ledger, err := quota.NewLedger(quota.NewSQLBackend(repo), catalog, logger)
	if err != nil {
		return nil, err
	}
	ledger.Start()
	manager.Register("quota", shutdown.PriorityQuota,
		shutdown.Drainer("quota", ledger.StopWithTimeout, ledger.PendingWrites))

	generator, err := imagegen.NewGeneratorFromConfig(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("image generator: %w", err)
	}

	tracing, err := telemetry.Setup(telemetry.Config{
		Enabled: cfg.TracingEnabled,
		Service: "thumbgen",
		Version: core.GetVersion(),
		Pretty:  cfg.DevMode,
	})
	if err != nil {
		return nil, err
	}
	manager.Register("tracing", shutdown.PriorityTracing, tracing.Shutdown)

	publisher, err := events.Connect(cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
	if err != nil {
		return nil, err
	}
	manager.Register("events", shutdown.PriorityEvents, shutdown.Closer(publisher))

	statsConfig := metrics.DefaultStoreConfig()
	statsConfig.Version = core.GetVersion()
	stats := metrics.NewStore(statsConfig, time.Now())
	prom := metrics.NewPrometheus()

	dispatcher, err := dispatch.New(generator, results, ledger, logger,
		dispatch.WithTracker(manager.Tracker()),
		dispatch.WithTracer(tracing.Tracer("thumbgen/dispatch")),
		dispatch.WithSinks(
			dispatch.RunRecorder(repo, logger),
			stats.Sink(),
			prom.Sink(),
			events.Sink(publisher, logger),
		))
	if err != nil {
		return nil, err
	}

	hubConfig := webui.DefaultHubConfig()
	hubConfig.OnDrop = prom.EventsDropped.Inc
	hub := webui.NewHub(hubConfig, logger)

	sessions, err := studio.New(studio.Config{
		Dispatcher: dispatcher,
		Ledger:     ledger,
		Notifier:   hub,
		Logger:     logger,
		Debounce:   cfg.HistoryDebounce,
	})
	if err != nil {
		return nil, err
	}
	app.studio = sessions

	auth, err := webui.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, logger)
	if err != nil {
		return nil, err
	}

	serverConfig := webui.DefaultServerConfig()
	serverConfig.Host = cfg.Host
	serverConfig.Port = cfg.Port
	server, err := webui.NewServer(serverConfig, webui.Deps{
		Studio:     sessions,
		Ledger:     ledger,
		Dispatcher: dispatcher,
		Stats:      stats,
		Prometheus: prom,
		Hub:        hub,
		Auth:       auth,
		Limiter:    webui.NewRateLimiter(cfg.GenerateRatePerMinute),
		Draining:   manager.IsShuttingDown,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	app.server = server

	manager.Register("http", shutdown.PriorityHTTP, shutdown.HTTPServer(server.HTTPServer()))
	manager.Register("websockets", shutdown.PriorityHTTP, shutdown.Closer(hub))
	manager.Register("sessions", shutdown.PriorityHTTP, func(context.Context) error {
		sessions.Close()
		return nil
	})
	return app, nil
}

// cacheStore builds the configured cache backend.
func (a *application) cacheStore(ctx context.Context, repo *db.Repository) (cache.Store, error) {
	switch a.cfg.CacheBackend {
	case core.CacheBackendMemory:
		return cache.NewMemoryStore(), nil
	case core.CacheBackendRedis:
		client, err := cache.NewRedisClient(ctx, a.cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.manager.Register("redis", shutdown.PriorityDatabase, shutdown.Closer(client))
		return cache.NewRedisStore(client, a.cfg.RedisPrefix), nil
	case core.CacheBackendS3:
		client, err := cache.NewS3Client(ctx, cache.S3Config{
			Endpoint:  a.cfg.S3Endpoint,
			Region:    a.cfg.S3Region,
			Bucket:    a.cfg.S3Bucket,
			Prefix:    a.cfg.S3Prefix,
			AccessKey: a.cfg.S3AccessKey,
			SecretKey: a.cfg.S3SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return cache.NewS3Store(client, a.cfg.S3Bucket, a.cfg.S3Prefix), nil
	default:
		return cache.NewSQLiteStore(repo), nil
	}
}

// serve runs the HTTP server and the run-retention scheduler until the
// manager's context is cancelled, then shuts down.
func (a *application) serve() error {
	ctx := a.manager.Context()

	retention := db.DefaultCleanupSchedulerConfig()
	retention.RetentionDays = a.cfg.RunRetentionDays
	retention.OnCleanup = func(result db.CleanupResult, err error) {
		if err != nil {
			a.logger.Warn("run retention pass failed", zap.Error(err))
			return
		}
		a.logger.Debug("run retention pass complete", zap.Int64("deleted", result.RunsDeleted))
	}
	a.db.StartCleanupScheduler(ctx, retention)
	a.studio.StartCleanupTicker(ctx, time.Minute)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.server.Start(ctx)
	}()
	a.logger.Info("thumbgen ready",
		zap.String("addr", a.server.Addr()),
		zap.String("cache_backend", a.cfg.CacheBackend),
		zap.Bool("events", a.cfg.NATSURL != ""),
		zap.Bool("tracing", a.cfg.TracingEnabled))

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err != nil {
			a.logger.Error("http server stopped", zap.Error(err))
		}
	}

	if shutdownErr := a.manager.Shutdown(); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	return err
}
