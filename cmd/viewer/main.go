// Package main provides a CLI that reads earthquakes through the client-side tiered cache.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/quake-mirror/internal/client"
	"github.com/quake-mirror/internal/config"
	"github.com/quake-mirror/internal/logging"
	"github.com/quake-mirror/internal/storage"
	"github.com/quake-mirror/internal/tieredcache"
	"github.com/quake-mirror/internal/types"
)

var (
	serverURL    string
	keyPrefix    string
	startDate    string
	endDate      string
	minMagnitude float64
	maxMagnitude float64
	region       string
	timeout      time.Duration
)

// openCache builds the tiered cache on Redis when REDIS_HOST is set, else in memory
func openCache(cfg *config.Config) (*tieredcache.Cache, func(), error) {
	opts := tieredcache.Options{
		HistoricalAfterDays: cfg.Cache.HistoricalAfterDays,
		FreshFor:            cfg.Cache.FreshFor,
		MismatchTolerance:   cfg.Cache.MismatchTolerance,
	}

	if cfg.Database.Redis.Host == "" {
		logging.GetGlobalLogger().Warn("REDIS_HOST not set, cache lives only for this process")
		return tieredcache.New(tieredcache.NewMemoryBackend(), opts), func() {}, nil
	}

	rdb, err := storage.NewRedisClient(&cfg.Database.Redis)
	if err != nil {
		return nil, nil, err
	}
	backend := tieredcache.NewRedisBackend(rdb, keyPrefix)
	return tieredcache.New(backend, opts), func() { _ = rdb.Close() }, nil
}

func withCache(fn func(ctx context.Context, cfg *config.Config, cache *tieredcache.Cache) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))

		cache, closeFn, err := openCache(cfg)
		if err != nil {
			return err
		}
		defer closeFn()
		return fn(cmd.Context(), cfg, cache)
	}
}

var rootCmd = &cobra.Command{
	Use:          "viewer",
	Short:        "Query earthquakes through the tiered client cache",
	SilenceUsage: true,
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Return events for a range, fetching only days the cache cannot serve",
	RunE: withCache(func(ctx context.Context, cfg *config.Config, cache *tieredcache.Cache) error {
		start, err := types.ParseDateBound(startDate, false)
		if err != nil {
			return err
		}
		end, err := types.ParseDateBound(endDate, true)
		if err != nil {
			return err
		}
		reg, err := types.ParseRegion(region)
		if err != nil {
			return err
		}

		events := client.NewEventsClient(serverURL, cache, timeout)
		result, err := events.Events(ctx, client.EventsRequest{
			Start:  start,
			End:    end,
			Range:  tieredcache.MagnitudeRange{Min: minMagnitude, Max: maxMagnitude},
			Region: reg,
		})
		if err != nil {
			return err
		}

		logging.WithFields(logging.Fields{
			"events":      len(result.Events),
			"cachedDays":  result.CachedDays,
			"fetchedDays": result.FetchedDays,
			"requests":    result.Requests,
		}).Info("Query complete")
		return printJSON(result.Events)
	}),
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show cache totals",
	RunE: withCache(func(ctx context.Context, _ *config.Config, cache *tieredcache.Cache) error {
		info, err := cache.Info(ctx)
		if err != nil {
			return err
		}
		return printJSON(info)
	}),
}

var integrityCmd = &cobra.Command{
	Use:   "integrity",
	Short: "Check cached records against their day metadata",
	RunE: withCache(func(ctx context.Context, _ *config.Config, cache *tieredcache.Cache) error {
		report, err := cache.CheckIntegrity(ctx)
		if err != nil {
			return err
		}
		if err := printJSON(report); err != nil {
			return err
		}
		if !report.Healthy {
			return fmt.Errorf("cache has %d integrity issues", len(report.Issues))
		}
		return nil
	}),
}

var clearStaleCmd = &cobra.Command{
	Use:   "clear-stale",
	Short: "Drop expired entries for recent days",
	RunE: withCache(func(ctx context.Context, _ *config.Config, cache *tieredcache.Cache) error {
		removed, err := cache.ClearStale(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d stale day entries\n", removed)
		return nil
	}),
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete everything in the cache",
	RunE: withCache(func(ctx context.Context, _ *config.Config, cache *tieredcache.Cache) error {
		return cache.Clear(ctx)
	}),
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("MIRROR_URL", "http://localhost:8080"), "Mirror API base URL")
	rootCmd.PersistentFlags().StringVar(&keyPrefix, "key-prefix", tieredcache.DefaultKeyPrefix, "Redis key prefix")

	today := time.Now().UTC().Format(types.DateLayout)
	queryCmd.Flags().StringVar(&startDate, "start", today, "Range start (YYYY-MM-DD)")
	queryCmd.Flags().StringVar(&endDate, "end", today, "Range end, inclusive (YYYY-MM-DD)")
	queryCmd.Flags().Float64Var(&minMagnitude, "min-magnitude", 2.5, "Minimum magnitude")
	queryCmd.Flags().Float64Var(&maxMagnitude, "max-magnitude", 10, "Maximum magnitude")
	queryCmd.Flags().StringVar(&region, "region", "worldwide", "Region: worldwide or us")
	queryCmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "Per-request timeout")

	rootCmd.AddCommand(queryCmd, infoCmd, integrityCmd, clearStaleCmd, clearCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
