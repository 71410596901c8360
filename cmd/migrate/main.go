// Package main applies the Postgres and ClickHouse schemas of the mirror.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quake-mirror/internal/config"
	"github.com/quake-mirror/internal/logging"
	"github.com/quake-mirror/internal/storage"
)

var (
	postgresDir   string
	clickhouseDir string
	target        string
)

// migrationSet is one schema step as named by its file, e.g. 000002_create_sync_status
type migrationSet struct {
	Version uint
	Name    string
}

// listMigrations returns the schema steps found in dir, oldest first.
// Postgres steps come as .up/.down pairs and are reported once.
func listMigrations(dir string) ([]migrationSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory %s: %w", dir, err)
	}

	seen := make(map[uint]migrationSet)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".sql")
		base = strings.TrimSuffix(strings.TrimSuffix(base, ".up"), ".down")

		prefix, name, ok := strings.Cut(base, "_")
		if !ok {
			return nil, fmt.Errorf("migration %q has no version prefix", e.Name())
		}
		version, err := strconv.ParseUint(prefix, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("migration %q has invalid version: %w", e.Name(), err)
		}
		seen[uint(version)] = migrationSet{Version: uint(version), Name: name}
	}

	sets := make([]migrationSet, 0, len(seen))
	for _, s := range seen {
		sets = append(sets, s)
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].Version < sets[j].Version })
	return sets, nil
}

func setNames(sets []migrationSet) []string {
	names := make([]string, len(sets))
	for i, s := range sets {
		names[i] = s.Name
	}
	return names
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	return cfg, nil
}

func wantsPostgres() bool   { return target == "all" || target == "postgres" }
func wantsClickHouse() bool { return target == "all" || target == "clickhouse" }

func validateTarget() error {
	switch target {
	case "all", "postgres", "clickhouse":
		return nil
	default:
		return fmt.Errorf("unknown --db %q (must be postgres, clickhouse or all)", target)
	}
}

var rootCmd = &cobra.Command{
	Use:          "migrate",
	Short:        "Manage the events and sync_status schema and the ClickHouse mirror",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return validateTarget()
	},
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if wantsPostgres() {
			sets, err := listMigrations(postgresDir)
			if err != nil {
				return err
			}
			logging.WithFields(logging.Fields{"db": "postgres", "sets": setNames(sets)}).Info("Applying migrations")
			if err := storage.RunMigrations(cfg.Database.Postgres.URL(), postgresDir); err != nil {
				return fmt.Errorf("postgres migration failed: %w", err)
			}
		}

		if wantsClickHouse() {
			// "all" only touches ClickHouse when the mirror is enabled
			if target == "all" && !cfg.Database.ClickHouse.Enabled {
				logging.WithFields(logging.Fields{"db": "clickhouse"}).Info("Mirror disabled, skipping")
				return nil
			}
			return upClickHouse(cmd.Context(), cfg)
		}
		return nil
	},
}

func upClickHouse(ctx context.Context, cfg *config.Config) error {
	sets, err := listMigrations(clickhouseDir)
	if err != nil {
		return err
	}

	db, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.WithError(err).Warn("Error closing ClickHouse connection")
		}
	}()

	logging.WithFields(logging.Fields{"db": "clickhouse", "sets": setNames(sets)}).Info("Applying migrations")
	if err := storage.RunClickHouseMigrations(ctx, db, clickhouseDir); err != nil {
		return fmt.Errorf("clickhouse migration failed: %w", err)
	}
	return nil
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the latest Postgres migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if target == "clickhouse" {
			return fmt.Errorf("ClickHouse migrations are forward only")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		version, _, err := storage.MigrationVersion(cfg.Database.Postgres.URL(), postgresDir)
		if err != nil {
			return err
		}
		if err := storage.RollbackMigrations(cfg.Database.Postgres.URL(), postgresDir); err != nil {
			return fmt.Errorf("postgres rollback failed: %w", err)
		}
		logging.WithFields(logging.Fields{"fromVersion": version}).Info("Rolled back Postgres migration")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which Postgres migrations are applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sets, err := listMigrations(postgresDir)
		if err != nil {
			return err
		}

		version, dirty, err := storage.MigrationVersion(cfg.Database.Postgres.URL(), postgresDir)
		if err != nil {
			return err
		}
		for _, s := range sets {
			state := "pending"
			if s.Version <= version {
				state = "applied"
			}
			if s.Version == version && dirty {
				state = "dirty"
			}
			fmt.Printf("%06d  %-28s %s\n", s.Version, s.Name, state)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&target, "db", "all", "Database: postgres, clickhouse or all")
	rootCmd.PersistentFlags().StringVar(&postgresDir, "postgres-dir", "migrations/postgres", "Postgres migrations directory")
	rootCmd.PersistentFlags().StringVar(&clickhouseDir, "clickhouse-dir", "migrations/clickhouse", "ClickHouse migrations directory")

	rootCmd.AddCommand(upCmd, downCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
