package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/quake-mirror/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newTestPostgres connects to the integration database and applies migrations.
// The test is skipped in short mode or when Postgres is unreachable.
func newTestPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &config.PostgresConfig{
		Host:           envOr("POSTGRES_HOST", "localhost"),
		Port:           envOr("POSTGRES_PORT", "5432"),
		Database:       envOr("POSTGRES_DB", "quakes_test"),
		User:           envOr("POSTGRES_USER", "quakes"),
		Password:       envOr("POSTGRES_PASSWORD", "quakes_dev_password"),
		MaxConnections: 5,
	}

	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(cfg.URL(), "../../migrations/postgres"); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return db
}

// newTestClickHouse connects to the integration ClickHouse and applies migrations
func newTestClickHouse(t *testing.T) *ClickHouseDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, err := NewClickHouseDB(&config.ClickHouseConfig{
		Host:     envOr("CLICKHOUSE_HOST", "localhost"),
		Port:     envOr("CLICKHOUSE_PORT", "9000"),
		Database: envOr("CLICKHOUSE_DB", "default"),
		User:     envOr("CLICKHOUSE_USER", "default"),
		Password: os.Getenv("CLICKHOUSE_PASSWORD"),
	})
	if err != nil {
		t.Skipf("Skipping test - ClickHouse not available: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := RunClickHouseMigrations(testContext(t), db, "../../migrations/clickhouse"); err != nil {
		t.Fatalf("RunClickHouseMigrations() error = %v", err)
	}
	return db
}
