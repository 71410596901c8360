// Package config provides configuration management for the earthquake mirror.
// It loads configuration from environment variables and .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MinSupportedMagnitude is the lowest magnitude the upstream feed accepts
const MinSupportedMagnitude = -2.0

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Upstream  UpstreamConfig
	Backfill  BackfillConfig
	Sync      SyncConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
	Tracing   TracingConfig
	Notify    NotifyConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port         string
	Host         string
	AdminEnabled bool // gates every mutating admin route
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL used by golang-migrate
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration.
// ClickHouse only backs the aggregation mirror and is optional.
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration for the client-tier cache
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// UpstreamConfig holds configuration for the USGS event feed
type UpstreamConfig struct {
	BaseURL           string
	Timeout           time.Duration // per request
	RequestsPerSecond float64
	BreakerFailures   int
	BreakerCooldown   time.Duration

	// Shared budget across processes, enforced through Redis when REDIS_HOST is set
	BudgetPerSecond   int
	ReservedPerSecond int
}

// BackfillConfig holds backfill defaults applied when a request omits them
type BackfillConfig struct {
	MinMagnitude  float64
	ChunkDays     int
	Delay         time.Duration
	GapChunkDays  int
	GapCheckDelay time.Duration
}

// SyncConfig holds scheduled sync configuration
type SyncConfig struct {
	Enabled      bool
	Interval     time.Duration
	Lookback     time.Duration
	MinMagnitude float64
}

// CacheConfig holds client-tier cache configuration
type CacheConfig struct {
	HistoricalAfterDays int
	FreshFor            time.Duration
	MismatchTolerance   int
	StatsTTL            time.Duration // memo of coverage stats in the API
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// TracingConfig holds OpenTelemetry exporter configuration.
// An empty endpoint leaves the no-op tracer in place.
type TracingConfig struct {
	Endpoint    string
	ServiceName string
}

// NotifyConfig holds NATS configuration for ingest notifications
type NotifyConfig struct {
	NATSURL       string
	SubjectPrefix string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			AdminEnabled: getEnvAsBool("ADMIN_ENABLED", false),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "quakes"),
				User:           getEnv("POSTGRES_USER", "quakes"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "quakes"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", ""),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 10),
			},
		},
		Upstream: UpstreamConfig{
			BaseURL:           getEnv("USGS_BASE_URL", "https://earthquake.usgs.gov/fdsnws/event/1"),
			Timeout:           getEnvAsDuration("USGS_TIMEOUT", 30*time.Second),
			RequestsPerSecond: getEnvAsFloat("USGS_REQUESTS_PER_SECOND", 2),
			BreakerFailures:   getEnvAsInt("USGS_BREAKER_FAILURES", 5),
			BreakerCooldown:   getEnvAsDuration("USGS_BREAKER_COOLDOWN", 30*time.Second),
			BudgetPerSecond:   getEnvAsInt("USGS_BUDGET_PER_SECOND", 5),
			ReservedPerSecond: getEnvAsInt("USGS_RESERVED_PER_SECOND", 2),
		},
		Backfill: BackfillConfig{
			MinMagnitude:  getEnvAsFloat("BACKFILL_MIN_MAGNITUDE", 2.5),
			ChunkDays:     getEnvAsInt("BACKFILL_CHUNK_DAYS", 30),
			Delay:         getEnvAsDuration("BACKFILL_DELAY", 2*time.Second),
			GapChunkDays:  getEnvAsInt("GAP_CHUNK_DAYS", 30),
			GapCheckDelay: getEnvAsDuration("GAP_CHECK_DELAY", 500*time.Millisecond),
		},
		Sync: SyncConfig{
			Enabled:      getEnvAsBool("SYNC_ENABLED", true),
			Interval:     getEnvAsDuration("SYNC_INTERVAL", 5*time.Minute),
			Lookback:     getEnvAsDuration("SYNC_LOOKBACK", 30*time.Minute),
			MinMagnitude: getEnvAsFloat("SYNC_MIN_MAGNITUDE", -1),
		},
		Cache: CacheConfig{
			HistoricalAfterDays: getEnvAsInt("CACHE_HISTORICAL_AFTER_DAYS", 28),
			FreshFor:            getEnvAsDuration("CACHE_FRESH_FOR", 24*time.Hour),
			MismatchTolerance:   getEnvAsInt("CACHE_MISMATCH_TOLERANCE", 5),
			StatsTTL:            getEnvAsDuration("COVERAGE_STATS_TTL", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 10),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Tracing: TracingConfig{
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "quake-mirror"),
		},
		Notify: NotifyConfig{
			NATSURL:       getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "quakes.ingested"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects configuration values the services cannot run with
func (c *Config) Validate() error {
	var errs []string

	if c.Upstream.Timeout <= 0 {
		errs = append(errs, "USGS_TIMEOUT must be positive")
	}
	if c.Upstream.RequestsPerSecond <= 0 {
		errs = append(errs, "USGS_REQUESTS_PER_SECOND must be positive")
	}
	if c.Upstream.ReservedPerSecond > c.Upstream.BudgetPerSecond {
		errs = append(errs, "USGS_RESERVED_PER_SECOND cannot exceed USGS_BUDGET_PER_SECOND")
	}
	if c.Backfill.ChunkDays < 1 {
		errs = append(errs, "BACKFILL_CHUNK_DAYS must be at least 1")
	}
	if c.Backfill.GapChunkDays < 1 {
		errs = append(errs, "GAP_CHUNK_DAYS must be at least 1")
	}
	if c.Backfill.MinMagnitude < MinSupportedMagnitude {
		errs = append(errs, fmt.Sprintf("BACKFILL_MIN_MAGNITUDE must be >= %.1f", MinSupportedMagnitude))
	}
	if c.Sync.MinMagnitude < MinSupportedMagnitude {
		errs = append(errs, fmt.Sprintf("SYNC_MIN_MAGNITUDE must be >= %.1f", MinSupportedMagnitude))
	}
	if c.Sync.Enabled && c.Sync.Interval <= 0 {
		errs = append(errs, "SYNC_INTERVAL must be positive")
	}
	if c.Cache.HistoricalAfterDays < 1 {
		errs = append(errs, "CACHE_HISTORICAL_AFTER_DAYS must be at least 1")
	}

	if len(errs) > 0 {
		return errors.New("invalid configuration: " + strings.Join(errs, "; "))
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
