package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quake-mirror/internal/errors"
	"github.com/quake-mirror/internal/logging"
	"github.com/quake-mirror/internal/metrics"
	"github.com/quake-mirror/internal/ratelimit"
	"github.com/quake-mirror/internal/retry"
	"github.com/quake-mirror/internal/service"
)

// SyncWorker periodically ingests the most recent window of events
type SyncWorker struct {
	ingestor     service.WindowIngestor
	interval     time.Duration
	lookback     time.Duration
	minMagnitude float64
	retryConfig  *retry.RetryConfig
	now          func() time.Time
	logger       *logging.Logger

	mu           sync.RWMutex
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	lastPollTime time.Time
	lastResult   *service.IngestResult
	lastErr      error
}

// SyncWorkerConfig holds configuration for a sync worker
type SyncWorkerConfig struct {
	Ingestor     service.WindowIngestor
	Interval     time.Duration
	Lookback     time.Duration // width of the window ending at each tick
	MinMagnitude float64
	RetryConfig  *retry.RetryConfig // nil uses retry.DefaultRetryConfig
}

// SyncWorkerStatus is a snapshot of the worker state
type SyncWorkerStatus struct {
	Running      bool       `json:"running"`
	Interval     string     `json:"interval"`
	LastPollTime *time.Time `json:"lastPollTime,omitempty"`
	LastFetched  int        `json:"lastFetched"`
	LastError    string     `json:"lastError,omitempty"`
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(cfg *SyncWorkerConfig) (*SyncWorker, error) {
	if cfg.Ingestor == nil {
		return nil, fmt.Errorf("ingestor cannot be nil")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("sync interval must be positive, got %v", cfg.Interval)
	}
	if cfg.Lookback <= 0 {
		return nil, fmt.Errorf("sync lookback must be positive, got %v", cfg.Lookback)
	}

	retryConfig := cfg.RetryConfig
	if retryConfig == nil {
		retryConfig = retry.DefaultRetryConfig()
		retryConfig.MaxAttempts = 3
		retryConfig.ShouldRetry = errors.IsRetryable
	}

	return &SyncWorker{
		ingestor:     cfg.Ingestor,
		interval:     cfg.Interval,
		lookback:     cfg.Lookback,
		minMagnitude: cfg.MinMagnitude,
		retryConfig:  retryConfig,
		now:          time.Now,
		logger:       logging.ForComponent("sync"),
	}, nil
}

// Start begins polling in the background
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("sync worker is already running")
	}
	w.running = true
	stopCh, doneCh := make(chan struct{}), make(chan struct{})
	w.stopCh, w.doneCh = stopCh, doneCh
	w.mu.Unlock()

	w.logger.WithFields(logging.Fields{
		"interval":     w.interval.String(),
		"lookback":     w.lookback.String(),
		"minMagnitude": w.minMagnitude,
	}).Info("Starting sync worker")

	go w.pollLoop(ctx, stopCh, doneCh)
	return nil
}

// Stop signals the loop and waits for the in-flight sync to finish
func (w *SyncWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("sync worker is not running")
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		w.logger.Info("Sync worker stopped gracefully")
	case <-ctx.Done():
		w.logger.Warn("Sync worker stop timed out")
		return ctx.Err()
	}

	w.mu.Lock()
	if w.doneCh == doneCh {
		w.running = false
	}
	w.mu.Unlock()
	return nil
}

// IsRunning reports whether the poll loop is active
func (w *SyncWorker) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Status returns the worker state
func (w *SyncWorker) Status() SyncWorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	status := SyncWorkerStatus{Running: w.running, Interval: w.interval.String()}
	if !w.lastPollTime.IsZero() {
		t := w.lastPollTime
		status.LastPollTime = &t
	}
	if w.lastResult != nil {
		status.LastFetched = w.lastResult.Fetched
	}
	if w.lastErr != nil {
		status.LastError = w.lastErr.Error()
	}
	return status
}

// pollLoop runs until stopCh closes or ctx ends; either way the worker is
// left startable again
func (w *SyncWorker) pollLoop(ctx context.Context, stopCh <-chan struct{}, doneCh chan struct{}) {
	defer func() {
		w.mu.Lock()
		if w.doneCh == doneCh {
			w.running = false
		}
		w.mu.Unlock()
		close(doneCh)
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Sync worker context cancelled")
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := w.SyncOnce(ctx); err != nil {
				// keep polling; the next tick re-covers the window
				w.logger.WithError(err).Warn("Scheduled sync failed")
			}
		}
	}
}

// SyncOnce ingests [now-lookback, now], retrying retryable failures
func (w *SyncWorker) SyncOnce(ctx context.Context) (*service.IngestResult, error) {
	end := w.now().UTC()
	start := end.Add(-w.lookback)
	ctx = ratelimit.WithPriority(ctx, ratelimit.PriorityHigh)

	var result *service.IngestResult
	outcome := retry.WithExponentialBackoff(ctx, w.retryConfig, func(ctx context.Context, attempt int) error {
		res, err := w.ingestor.Ingest(ctx, service.IngestRequest{
			Start:        start,
			End:          end,
			MinMagnitude: w.minMagnitude,
			Trigger:      service.TriggerSync,
		})
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	err := outcome.Err()

	w.mu.Lock()
	w.lastPollTime = end
	w.lastErr = err
	if err == nil {
		w.lastResult = result
	}
	w.mu.Unlock()

	if err != nil {
		metrics.SyncRuns.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.SyncRuns.WithLabelValues("success").Inc()
	if result.Fetched > 0 {
		w.logger.WithFields(logging.Fields{
			"fetched":  result.Fetched,
			"upserted": result.Upserted,
			"attempts": outcome.Attempts,
		}).Info("Scheduled sync ingested events")
	}
	return result, nil
}
