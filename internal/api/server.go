// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/patrickmn/go-cache"

	"github.com/quake-mirror/internal/logging"
	"github.com/quake-mirror/internal/metrics"
	"github.com/quake-mirror/internal/models"
	"github.com/quake-mirror/internal/service"
)

// Service interfaces for dependency injection and testing

// BackfillController starts, observes and cancels backfill runs
type BackfillController interface {
	Start(ctx context.Context, req service.BackfillRequest) (*service.BackfillRun, error)
	Progress() models.SeedingProgress
	Cancel() bool
}

// CoverageVerifier compares local and upstream counts for a range
type CoverageVerifier interface {
	Verify(ctx context.Context, start, end time.Time, minMagnitude float64) (*models.CoverageResult, error)
}

// GapScanner walks a range for coverage gaps
type GapScanner interface {
	FindGaps(ctx context.Context, start, end time.Time, minMagnitude float64, chunkDays int) (*models.GapReport, error)
}

// CoverageStatsProvider summarizes the record store
type CoverageStatsProvider interface {
	Stats(ctx context.Context) (*models.CoverageStats, error)
}

// EventLister lists stored events
type EventLister interface {
	List(ctx context.Context, q models.EventQuery) ([]*models.Event, error)
}

// DailyAggregator serves per-day counts from the aggregation store
type DailyAggregator interface {
	DailyCounts(ctx context.Context, start, end time.Time, minMagnitude float64) ([]models.DailyCount, error)
}

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services bundles the server's collaborators. Daily and Health may be nil.
type Services struct {
	Backfill BackfillController
	Verifier CoverageVerifier
	Gaps     GapScanner
	Coverage CoverageStatsProvider
	Events   EventLister
	Daily    DailyAggregator
	Health   Pinger
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	services   Services
	statsMemo  *cache.Cache
	config     *ServerConfig
	logger     *logging.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AdminEnabled    bool
	RateLimitRPS    int
	RateLimitBurst  int
	StatsTTL        time.Duration
	GapChunkDays    int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, services Services) *Server {
	ttl := config.StatsTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	s := &Server{
		router:    mux.NewRouter(),
		services:  services,
		statsMemo: cache.New(ttl, 2*ttl),
		config:    config,
		logger:    logging.ForComponent("api"),
	}

	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RateLimitRPS, s.config.RateLimitBurst)

	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Preflight requests must match a route for the middleware chain to run
	s.router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/events", s.handleListEvents).Methods("GET")
	api.HandleFunc("/stats/daily", s.handleDailyStats).Methods("GET")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(AdminGateMiddleware(s.config.AdminEnabled))
	admin.HandleFunc("/backfill", s.handleStartBackfill).Methods("POST")
	admin.HandleFunc("/backfill", s.handleBackfillProgress).Methods("GET")
	admin.HandleFunc("/backfill/cancel", s.handleCancelBackfill).Methods("POST")
	admin.HandleFunc("/coverage", s.handleCoverage).Methods("GET")
	admin.HandleFunc("/verify", s.handleVerify).Methods("GET")
	admin.HandleFunc("/gaps", s.handleGaps).Methods("GET")
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.services.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.services.Health.Ping(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "quake-mirror",
				"error":   err.Error(),
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "quake-mirror",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
