// Package main provides the standalone sync worker entry point for the earthquake mirror.
// Run it instead of the in-process worker when the API server has SYNC_ENABLED=false.
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
	fmt.Println("Quake Mirror Sync Worker")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Sync.Interval <= 0 {
		log.Fatalf("SYNC_INTERVAL must be positive")
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.ForComponent("worker")

	ctx := context.Background()
	metrics.Register()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing.ServiceName+"-worker", cfg.Tracing.Endpoint)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	var mirror service.EventMirror
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer func() { _ = clickhouse.Close() }()
		mirror = storage.NewAggregateRepository(clickhouse)
	}

	var publisher notify.Publisher = notify.Noop{}
	if cfg.Notify.NATSURL != "" {
		natsPublisher, err := notify.NewNATSPublisher(cfg.Notify.NATSURL, cfg.Notify.SubjectPrefix)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to NATS")
		}
		defer natsPublisher.Close()
		publisher = natsPublisher
	}

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

	ingestor := service.NewIngestor(
		usgs,
		storage.NewEventRepository(postgres),
		storage.NewSyncStatusRepository(postgres),
		mirror,
		publisher,
	)

	syncWorker, err := worker.NewSyncWorker(&worker.SyncWorkerConfig{
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

	// Expose /metrics for scraping
	metricsAddr := ":" + envOr("METRICS_PORT", "9090")
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()

	logger.WithFields(logging.Fields{
		"interval":     cfg.Sync.Interval.String(),
		"lookback":     cfg.Sync.Lookback.String(),
		"minMagnitude": cfg.Sync.MinMagnitude,
		"metricsAddr":  metricsAddr,
	}).Info("Sync worker started")

	// Set up graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutdown signal received, stopping worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := syncWorker.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error stopping sync worker")
	}
	_ = metricsServer.Shutdown(shutdownCtx)

	status := syncWorker.Status()
	logger.WithFields(logging.Fields{
		"lastFetched": status.LastFetched,
		"lastError":   status.LastError,
	}).Info("Worker stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
