// Package main provides the API server entry point for the earthquake mirror.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quake-mirror/internal/adapter"
	"github.com/quake-mirror/internal/api"
	"github.com/quake-mirror/internal/config"
	"github.com/quake-mirror/internal/logging"
	"github.com/quake-mirror/internal/metrics"
	"github.com/quake-mirror/internal/notify"
	"github.com/quake-mirror/internal/ratelimit"
	"github.com/quake-mirror/internal/service"
	"github.com/quake-mirror/internal/storage"
	"github.com/quake-mirror/internal/tracing"
	"github.com/quake-mirror/internal/worker"
)

func main() {
	fmt.Println("Quake Mirror API Server")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(logging.Fields{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx := context.Background()
	metrics.Register()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.WithError(err).Warn("Tracer shutdown failed")
		}
	}()

	// Connect to Postgres and bring the schema up to date
	logger.Info("Connecting to databases...")
	if err := storage.RunMigrations(cfg.Database.Postgres.URL(), "migrations/postgres"); err != nil {
		logger.WithError(err).Fatal("Failed to run Postgres migrations")
	}
	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	eventRepo := storage.NewEventRepository(postgres)
	syncRepo := storage.NewSyncStatusRepository(postgres)

	// ClickHouse only backs the daily aggregates; the server runs without it
	var mirror service.EventMirror
	var daily api.DailyAggregator
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer func() { _ = clickhouse.Close() }()

		if err := storage.RunClickHouseMigrations(ctx, clickhouse, "migrations/clickhouse"); err != nil {
			logger.WithError(err).Fatal("Failed to run ClickHouse migrations")
		}
		aggregates := storage.NewAggregateRepository(clickhouse)
		mirror = aggregates
		daily = aggregates
		logger.Info("ClickHouse aggregation mirror enabled")
	}

	var publisher notify.Publisher = notify.Noop{}
	if cfg.Notify.NATSURL != "" {
		natsPublisher, err := notify.NewNATSPublisher(cfg.Notify.NATSURL, cfg.Notify.SubjectPrefix)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to NATS")
		}
		defer natsPublisher.Close()
		publisher = natsPublisher
		logger.WithField("url", cfg.Notify.NATSURL).Info("Ingest notifications enabled")
	}

	logger.Info("Database connections established")

	// Initialize services
	usgs := adapter.NewUSGSClient(cfg.Upstream)
	if cfg.Database.Redis.Host != "" {
		rdb, err := storage.NewRedisClient(&cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer func() { _ = rdb.Close() }()

		budget, err := ratelimit.NewUpstreamBudget(rdb, cfg.Upstream)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create upstream budget")
		}
		usgs.WithBudget(budget)
		logger.WithFields(logging.Fields{
			"perSecond": cfg.Upstream.BudgetPerSecond,
			"reserved":  cfg.Upstream.ReservedPerSecond,
		}).Info("Shared upstream budget enabled")
	}
	ingestor := service.NewIngestor(usgs, eventRepo, syncRepo, mirror, publisher)
	engine := service.NewBackfillEngine(ingestor, cfg.Backfill, cfg.Upstream.Timeout*2)
	verifier := service.NewCoverageVerifier(eventRepo, usgs)
	gapFinder := service.NewGapFinder(verifier, cfg.Backfill.GapCheckDelay)
	coverage := service.NewCoverageService(eventRepo, syncRepo)

	var syncWorker *worker.SyncWorker
	if cfg.Sync.Enabled {
		syncWorker, err = worker.NewSyncWorker(&worker.SyncWorkerConfig{
			Ingestor:     ingestor,
			Interval:     cfg.Sync.Interval,
			Lookback:     cfg.Sync.Lookback,
			MinMagnitude: cfg.Sync.MinMagnitude,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to create sync worker")
		}
		if err := syncWorker.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start sync worker")
		}
	}

	logger.Info("Services initialized")

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    5 * time.Minute, // gap scans walk many windows
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AdminEnabled:    cfg.Server.AdminEnabled,
		RateLimitRPS:    cfg.RateLimit.RequestsPerSecond,
		RateLimitBurst:  cfg.RateLimit.Burst,
		StatsTTL:        cfg.Cache.StatsTTL,
		GapChunkDays:    cfg.Backfill.GapChunkDays,
	}

	server := api.NewServer(serverConfig, api.Services{
		Backfill: engine,
		Verifier: verifier,
		Gaps:     gapFinder,
		Coverage: coverage,
		Events:   eventRepo,
		Daily:    daily,
		Health:   postgres,
	})

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(logging.Fields{
		"host":         cfg.Server.Host,
		"port":         cfg.Server.Port,
		"adminEnabled": cfg.Server.AdminEnabled,
		"syncEnabled":  cfg.Sync.Enabled,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if syncWorker != nil {
		if err := syncWorker.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Sync worker did not stop cleanly")
		}
	}
	if engine.Cancel() {
		logger.Info("Cancelled running backfill")
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
