package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/erp/exchange/internal/application/erpbridge"
	appexchange "github.com/erp/exchange/internal/application/exchange"
	"github.com/erp/exchange/internal/application/monitor"
	"github.com/erp/exchange/internal/domain/shared"
	"github.com/erp/exchange/internal/infrastructure/cache"
	"github.com/erp/exchange/internal/infrastructure/config"
	"github.com/erp/exchange/internal/infrastructure/erp"
	"github.com/erp/exchange/internal/infrastructure/event"
	"github.com/erp/exchange/internal/infrastructure/logger"
	"github.com/erp/exchange/internal/infrastructure/messaging"
	"github.com/erp/exchange/internal/infrastructure/persistence"
	"github.com/erp/exchange/internal/infrastructure/scheduler"
	"github.com/erp/exchange/internal/infrastructure/storage"
	"github.com/erp/exchange/internal/infrastructure/telemetry"
	"github.com/erp/exchange/internal/infrastructure/ziparchive"
	"github.com/erp/exchange/internal/interfaces/http/handler"
	"github.com/erp/exchange/internal/interfaces/http/router"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const (
	shutdownTimeout = 30 * time.Second
	taskOutbox      = "outbox.publish"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		Service:    cfg.App.Name,
		Version:    version,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry
	tcfg := telemetry.ConfigFrom(&cfg.Telemetry, version)
	tracerProvider, err := telemetry.NewTracerProvider(ctx, tcfg, log)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, tcfg, telemetry.DefaultExportInterval, log)
	if err != nil {
		log.Fatal("Failed to initialize metrics", zap.Error(err))
	}
	logProvider, err := telemetry.NewLoggerProvider(ctx, tcfg, log)
	if err != nil {
		log.Fatal("Failed to initialize log export", zap.Error(err))
	}
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	log = logProvider.Bridge(log, level)

	profiler, err := telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:         cfg.Telemetry.ProfilingEnabled,
		ServerAddress:   cfg.Telemetry.PyroscopeServer,
		ApplicationName: tcfg.ServiceName,
	}, log)
	if err != nil {
		log.Fatal("Failed to start profiler", zap.Error(err))
	}
	if profiler.IsEnabled() {
		tracerProvider.EnableSpanProfiles()
	}
	defer shutdownTelemetry(log, tracerProvider, meterProvider, logProvider, profiler)

	log.Info("Starting exchange service",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("version", version),
		zap.String("port", cfg.App.Port),
	)

	// Database
	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level),
		logger.WithExpectedError(persistence.IsUniqueViolation),
	)
	db, err := persistence.NewDatabase(&cfg.Database, persistence.WithGormLogger(gormLog))
	if err != nil {
		log.Fatal("Failed to connect to database",
			zap.String("host", cfg.Database.Host),
			zap.String("dbname", cfg.Database.DBName),
			zap.Error(err),
		)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	if err := telemetry.RegisterDBTracing(db.DB, telemetry.DBTracingConfigFrom(&cfg.Telemetry, cfg.Database.DBName), log); err != nil {
		log.Fatal("Failed to register database tracing", zap.Error(err))
	}
	log.Info("Database connected")

	metrics, err := telemetry.NewExchangeMetrics(meterProvider.Meter(telemetry.MeterName))
	if err != nil {
		log.Fatal("Failed to create exchange metrics", zap.Error(err))
	}
	poolMetrics, err := telemetry.RegisterDBPoolMetrics(meterProvider.Meter(telemetry.MeterName), db.Stats)
	if err != nil {
		log.Fatal("Failed to register database pool metrics", zap.Error(err))
	}
	defer func() {
		_ = poolMetrics.Unregister()
	}()

	// Bus and storage
	broker, err := messaging.NewBroker(&cfg.Bus, log, metrics)
	if err != nil {
		log.Fatal("Failed to connect to message bus",
			zap.String("driver", cfg.Bus.Driver),
			zap.String("url", config.RedactURL(cfg.Bus.URL)),
			zap.Error(err),
		)
	}
	defer func() {
		if err := broker.Close(); err != nil {
			log.Error("Error closing message bus", zap.Error(err))
		}
	}()
	log.Info("Message bus connected",
		zap.String("driver", cfg.Bus.Driver),
		zap.String("url", config.RedactURL(cfg.Bus.URL)),
	)

	objects, err := storage.New(ctx, &cfg.Storage, cfg.HTTP.MaxUploadSize, log)
	if err != nil {
		log.Fatal("Failed to initialize object storage", zap.Error(err))
	}

	guard, closeGuard, err := newIdempotencyGuard(ctx, cfg, db, log)
	if err != nil {
		log.Fatal("Failed to initialize idempotency guard", zap.Error(err))
	}
	defer func() {
		if err := closeGuard(); err != nil {
			log.Error("Error closing idempotency guard", zap.Error(err))
		}
	}()

	// Stores
	catalogStore := persistence.NewCatalogStore(db.DB)
	orderStore := persistence.NewOrderStore(db.DB, event.NewOutboxWriter())
	syncRepo := persistence.NewERPSyncRepository(db.DB)
	outboxRepo := event.NewGormOutboxRepository(db.DB)

	// Exchange pipeline
	submitter := appexchange.NewJobSubmitter(broker, objects, cfg.Exchange.UploadPrefix, log)
	pipeline, err := appexchange.NewPipeline(appexchange.PipelineConfigFrom(&cfg.Exchange), appexchange.PipelineDeps{
		Guard:   guard,
		Storage: objects,
		Archive: ziparchive.NewGuard(cfg.Exchange.MaxUncompressedBytes),
		Catalog: catalogStore,
		Offers:  catalogStore,
		Orders:  orderStore,
		Exports: orderStore,
		Jobs:    submitter,
	}, log, appexchange.WithJobMetrics(metrics))
	if err != nil {
		log.Fatal("Failed to create exchange pipeline", zap.Error(err))
	}
	consumers := appexchange.NewConsumerGroup(broker, pipeline, cfg.Bus.Concurrency, log)
	if err := consumers.Start(ctx); err != nil {
		log.Fatal("Failed to start exchange consumers", zap.Error(err))
	}
	defer consumers.Stop()

	runner := scheduler.NewPeriodicRunner(log, scheduler.WithDefaultTimeout(cfg.Monitor.TaskTimeout))

	if cfg.Outbox.Enabled {
		publisher := event.NewOutboxPublisher(outboxRepo, broker, event.OutboxPublisherConfig{
			BatchSize:   cfg.Outbox.BatchSize,
			MaxAttempts: cfg.Outbox.MaxAttempts,
		}, log).WithMetrics(metrics)
		if err := runner.Register(scheduler.Task{
			Name:       taskOutbox,
			Interval:   cfg.Outbox.PollInterval,
			RunOnStart: true,
			Run:        publisher.Run,
		}); err != nil {
			log.Fatal("Failed to register outbox publisher", zap.Error(err))
		}
	}

	// ERP link. The interfaces stay nil when it is disabled so handlers and
	// the monitor can tell.
	var erpOps handler.ERPOperations
	var erpMonitor monitor.ERPService
	if cfg.ERP.Enabled {
		client, err := erp.NewClient(&cfg.ERP, log)
		if err != nil {
			log.Fatal("Failed to create ERP client",
				zap.String("base_url", config.RedactURL(cfg.ERP.BaseURL)),
				zap.Error(err),
			)
		}
		bridge := erpbridge.NewBridge(client, syncRepo, log, erpbridge.WithBridgeMetrics(metrics))
		if err := bridge.Start(ctx, broker, cfg.Bus.Concurrency); err != nil {
			log.Fatal("Failed to start ERP bridge", zap.Error(err))
		}
		defer bridge.Stop()

		service := erpbridge.NewService(erpbridge.ServiceConfigFrom(&cfg.ERP), client, catalogStore, syncRepo, bridge, log)
		erpOps = service
		erpMonitor = service
		log.Info("ERP link enabled",
			zap.String("base_url", config.RedactURL(cfg.ERP.BaseURL)),
			zap.String("username", cfg.ERP.Username),
		)
	} else {
		log.Info("ERP link disabled")
	}

	mon := monitor.New(monitor.ConfigFrom(&cfg.Monitor, messaging.DefaultTopology().Queues()), broker, erpMonitor, metrics, log)
	if cfg.Monitor.Enabled {
		if err := mon.Register(runner); err != nil {
			log.Fatal("Failed to register monitor tasks", zap.Error(err))
		}
	}

	if err := runner.Start(ctx); err != nil {
		log.Fatal("Failed to start periodic tasks", zap.Error(err))
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := runner.Stop(stopCtx); err != nil {
			log.Error("Error stopping periodic tasks", zap.Error(err))
		}
	}()

	// HTTP
	mode := gin.DebugMode
	if cfg.App.Env == "production" {
		mode = gin.ReleaseMode
	}
	opts := router.Options{
		ServiceName:    tcfg.ServiceName,
		Mode:           mode,
		MaxUploadBytes: cfg.HTTP.MaxUploadSize,
		TrustedProxies: cfg.HTTP.TrustedProxies,
		Tracing:        tracerProvider.IsEnabled(),
	}
	if meterProvider.IsEnabled() {
		opts.Meter = meterProvider.Meter(telemetry.MeterName)
	}
	engine, err := router.New(opts, router.Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Check{
			"database": db.Ping,
			"bus":      broker.Ping,
		}, 0),
		Exchange: handler.NewExchangeHandler(submitter, mon, pipeline, cfg.HTTP.MaxUploadSize),
		ERP:      handler.NewERPHandler(erpOps),
		Outbox:   handler.NewOutboxHandler(outboxRepo),
		Tasks:    handler.NewTaskHandler(runner),
	}, log)
	if err != nil {
		log.Fatal("Failed to build HTTP router", zap.Error(err))
	}

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Error("HTTP server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	log.Info("HTTP server stopped")
}

// newIdempotencyGuard builds the guard selected by idempotency.backend.
// The returned func releases whatever connection the guard owns.
func newIdempotencyGuard(ctx context.Context, cfg *config.Config, db *persistence.Database, log *zap.Logger) (shared.IdempotencyGuard, func() error, error) {
	noop := func() error { return nil }
	factory := cache.NewIdempotencyGuardFactory(cfg.Redis,
		cache.WithLogger(log),
		cache.WithInMemoryFallback(cfg.Idempotency.AllowMemoryFallback),
	)
	switch cfg.Idempotency.Backend {
	case "", "database":
		return persistence.NewIdempotencyGuard(db.DB), noop, nil
	case "redis":
		return factory.CreateGuard(ctx, cfg.Idempotency.KeyPrefix)
	case "memory":
		log.Warn("using in-memory idempotency guard, duplicates are not detected across restarts")
		return factory.CreateInMemoryGuard(), noop, nil
	default:
		return nil, nil, errors.New("unsupported idempotency backend " + cfg.Idempotency.Backend)
	}
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

func shutdownTelemetry(log *zap.Logger, tp *telemetry.TracerProvider, mp *telemetry.MeterProvider, lp *telemetry.LoggerProvider, prof *telemetry.Profiler) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := prof.Stop(); err != nil {
		log.Warn("Error stopping profiler", zap.Error(err))
	}
	for name, s := range map[string]shutdowner{"tracer": tp, "meter": mp, "logger": lp} {
		if err := s.Shutdown(ctx); err != nil {
			log.Warn("Error shutting down telemetry provider", zap.String("provider", name), zap.Error(err))
		}
	}
}
