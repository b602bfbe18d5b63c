package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/candle-sync/internal/api"
	"github.com/irfndi/candle-sync/internal/api/handlers"
	"github.com/irfndi/candle-sync/internal/cache"
	"github.com/irfndi/candle-sync/internal/config"
	"github.com/irfndi/candle-sync/internal/database"
	"github.com/irfndi/candle-sync/internal/exchange"
	"github.com/irfndi/candle-sync/internal/logging"
	"github.com/irfndi/candle-sync/internal/middleware"
	"github.com/irfndi/candle-sync/internal/publisher"
	"github.com/irfndi/candle-sync/internal/services"
	"github.com/irfndi/candle-sync/internal/telemetry"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; the environment and config file still apply.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.Environment)

	if err := telemetry.InitTelemetry(telemetryConfig(cfg)); err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("Failed to shutdown telemetry")
		}
	}()

	logProvider, err := logging.NewOTLPProvider(context.Background(), logging.OTLPConfig{
		Enabled:        cfg.Telemetry.Enabled && cfg.Telemetry.LogsEnabled,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		Environment:    cfg.Environment,
	})
	if err != nil {
		logger.WithError(err).Warn("OTLP log export disabled")
	} else if logProvider != nil {
		logger.AddHook(logProvider.Hook(cfg.Telemetry.ServiceName))
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = logProvider.Shutdown(ctx)
		}()
	}

	db, err := database.NewPostgresConnection(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	// Initialize error recovery manager for Redis connection
	errorRecoveryManager := services.NewErrorRecoveryManager(logger)
	for name, policy := range services.DefaultRetryPolicies() {
		errorRecoveryManager.RegisterRetryPolicy(name, policy)
	}

	redisClient, err := database.NewRedisConnectionWithRetry(cfg.Redis, errorRecoveryManager)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer redisClient.Close()

	pool := database.NewTracedDB(db.Pool)
	candleRepo := database.NewCandleRepository(pool)
	statusRepo := database.NewSyncStatusRepository(pool)
	taskRepo := database.NewSyncTaskRepository(pool)
	gapRepo := database.NewGapRepository(pool)
	catalogRepo := database.NewCatalogRepository(pool)
	configRepo := database.NewSystemConfigRepository(pool)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configCache := cache.NewRedisConfigCache(redisClient.Client, cfg.Scheduler.ConfigCacheTTL, logger)
	configService := services.NewSystemConfigService(configRepo, configCache, logger)
	if _, err := configService.Refresh(ctx, true); err != nil {
		return fmt.Errorf("failed to load system config: %w", err)
	}
	go func() {
		if err := configService.ListenInvalidations(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Warn("Config invalidation listener stopped")
		}
	}()

	candlePublisher, err := buildPublisher(cfg.Publisher, redisClient.Client, logger)
	if err != nil {
		return fmt.Errorf("failed to create candle publisher: %w", err)
	}
	defer func() {
		if err := candlePublisher.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close candle publisher")
		}
	}()

	clientFactory := exchange.NewClientFactory(cfg.Exchange, logger)
	clients := services.FactoryProvider{Factory: clientFactory}
	klineService := services.NewKlineService(candleRepo, statusRepo, logger)
	syncFilter := services.NewSyncFilter(catalogRepo, configService)
	historySync := services.NewHistorySyncService(syncFilter, clients, klineService, statusRepo, taskRepo, cfg.Exchange, logger)
	gapDetector := services.NewGapDetector(syncFilter, candleRepo, gapRepo, logger)
	gapFiller := services.NewGapFiller(syncFilter, clients, klineService, gapRepo, statusRepo, taskRepo,
		configService, cfg.Exchange.PageLimit, logger)
	symbolSync := services.NewSymbolSyncService(catalogRepo, clients, logger)

	// Nothing of this process has touched tasks or gaps yet, so whatever is
	// still in flight belongs to a previous run.
	cleanupService := services.NewCleanupService(taskRepo, gapRepo, cfg.Cleanup, logger)
	if _, err := cleanupService.RecoverInterrupted(ctx, time.Now()); err != nil {
		logger.WithError(err).Warn("Startup recovery incomplete")
	}

	realtimeSync := services.NewRealtimeSyncService(syncFilter, klineService, historySync, configService,
		taskRepo, candlePublisher, nil, cfg.Realtime, logger)
	realtimeSync.SetClientEvictor(clientFactory)
	if err := realtimeSync.Start(ctx); err != nil {
		logger.WithError(err).Warn("Realtime auto start incomplete")
	}
	defer realtimeSync.Stop()

	scheduler := services.NewScheduler(configService, cfg.Scheduler, logger)
	services.RegisterSyncJobs(scheduler, configService, symbolSync, historySync, gapDetector, gapFiller)
	defer scheduler.Stop()
	if cfg.Scheduler.Enabled {
		cancelStart := startScheduler(ctx, scheduler, cfg.Scheduler.RefreshDelay, logger)
		defer cancelStart()
	}

	// The refresher also reconciles live streams with the catalog, so it
	// runs even when cron dispatch is disabled.
	refresher := services.NewConfigRefresher(scheduler, cfg.Scheduler.RefreshInterval, logger)
	refresher.AddReconciler(realtimeSync)
	refresher.Start()
	defer refresher.Stop()

	cleanupService.Start()
	defer cleanupService.Stop()

	router := newRouter(cfg, logger, api.Handlers{
		Health: handlers.NewHealthHandler(db, redisClient, realtimeSync).
			WithExchangeStats(clientFactory.Stats, historySync.BreakerStats),
		Sync:        handlers.NewSyncHandler(historySync, realtimeSync, taskRepo, klineService),
		Gaps:        handlers.NewGapHandler(gapDetector, gapFiller),
		Config:      handlers.NewConfigHandler(configService, scheduler),
		Klines:      handlers.NewKlineHandler(klineService),
		Cleanup:     handlers.NewCleanupHandler(cleanupService),
		DataSources: handlers.NewDataSourceHandler(symbolSync),
	})

	// Create HTTP server with security timeouts. Range syncs run inside the
	// request, so the write timeout is generous.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"service": cfg.Telemetry.ServiceName,
			"port":    cfg.Server.Port,
			"event":   "startup",
		}).Info("Application startup")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("Application shutdown")
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server exited gracefully")
	return nil
}

func telemetryConfig(cfg *config.Config) telemetry.TelemetryConfig {
	tc := *telemetry.DefaultConfig()
	tc.Enabled = cfg.Telemetry.Enabled
	tc.Environment = cfg.Environment
	// Development without an endpoint traces to stdout.
	if cfg.Telemetry.OTLPEndpoint != "" || cfg.Environment == "development" {
		tc.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		tc.ServiceName = cfg.Telemetry.ServiceName
	}
	if cfg.Telemetry.ServiceVersion != "" {
		tc.ServiceVersion = cfg.Telemetry.ServiceVersion
	}
	if cfg.Telemetry.SampleRatio > 0 {
		tc.SampleRate = cfg.Telemetry.SampleRatio
	}
	return tc
}

// buildPublisher combines every enabled live-candle publisher.
func buildPublisher(cfg config.PublisherConfig, redisClient *redis.Client, logger *logrus.Logger) (publisher.CandlePublisher, error) {
	var pubs []publisher.CandlePublisher
	if cfg.Redis.Enabled {
		pubs = append(pubs, publisher.NewRedisPublisher(redisClient, cfg.Redis.LatestTTL))
	}
	if cfg.Kafka.Enabled {
		kafka, err := publisher.NewKafkaPublisher(cfg.Kafka, logger)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, kafka)
	}
	if len(pubs) == 0 {
		return publisher.Nop{}, nil
	}
	return publisher.NewMulti(logger, pubs...), nil
}

// startScheduler starts cron dispatch after the configured delay so the
// first firings see a warm config snapshot. The returned func cancels a
// start that is still pending.
func startScheduler(ctx context.Context, scheduler *services.Scheduler, delay time.Duration, logger *logrus.Logger) func() bool {
	if delay <= 0 {
		scheduler.Start()
		return func() bool { return false }
	}
	logger.WithField("delay", delay).Info("Scheduler start deferred")
	timer := time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		scheduler.Start()
	})
	return timer.Stop
}

func newRouter(cfg *config.Config, logger *logrus.Logger, h api.Handlers) *gin.Engine {
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins))

	api.SetupRoutes(router, h, middleware.NewAdminMiddleware(cfg.Security))
	return router
}
