// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	UpstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quake_upstream_requests_total",
			Help: "Requests made to the upstream event feed",
		},
		[]string{"endpoint", "outcome"},
	)

	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quake_upstream_request_duration_seconds",
			Help:    "Latency of upstream event feed requests",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"endpoint"},
	)

	EventsUpserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quake_events_upserted_total",
			Help: "Event records inserted or updated, by ingest trigger",
		},
		[]string{"trigger"},
	)

	BackfillChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quake_backfill_chunks_total",
			Help: "Backfill chunks attempted, by outcome",
		},
		[]string{"outcome"},
	)

	BackfillRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quake_backfill_running",
			Help: "1 while a backfill run is in progress",
		},
	)

	SyncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quake_sync_runs_total",
			Help: "Scheduled sync runs, by outcome",
		},
		[]string{"outcome"},
	)

	CoverageChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quake_coverage_checks_total",
			Help: "Coverage verifications, by resulting status",
		},
		[]string{"status"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quake_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	UpstreamBudgetWaits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quake_upstream_budget_waits_total",
			Help: "Times a caller waited for the shared upstream request budget, by priority",
		},
		[]string{"priority"},
	)

	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quake_api_requests_total",
			Help: "HTTP API requests, by method and status code",
		},
		[]string{"method", "status"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			UpstreamRequests,
			UpstreamDuration,
			EventsUpserted,
			BackfillChunks,
			BackfillRunning,
			SyncRuns,
			CoverageChecks,
			CircuitBreakerState,
			UpstreamBudgetWaits,
			APIRequests,
		)
	})
}

// Handler returns the scrape handler for the default registry
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// BreakerStateValue maps a breaker state name to the gauge value
func BreakerStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
