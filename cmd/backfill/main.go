// Package main provides the backfill CLI for loading and auditing historical events.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quake-mirror/internal/adapter"
	"github.com/quake-mirror/internal/config"
	"github.com/quake-mirror/internal/logging"
	"github.com/quake-mirror/internal/ratelimit"
	"github.com/quake-mirror/internal/service"
	"github.com/quake-mirror/internal/storage"
	"github.com/quake-mirror/internal/types"
)

var (
	startDate    string
	endDate      string
	minMagnitude float64
	chunkDays    int
	delay        time.Duration
	pollEvery    time.Duration
)

// deps holds what every subcommand needs; built lazily so --help works offline
type deps struct {
	cfg      *config.Config
	postgres *storage.PostgresDB
	events   *storage.EventRepository
	syncLog  *storage.SyncStatusRepository
	usgs     *adapter.USGSClient
	closers  []func()
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func loadDeps() (*deps, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	d := &deps{
		cfg:      cfg,
		postgres: postgres,
		events:   storage.NewEventRepository(postgres),
		syncLog:  storage.NewSyncStatusRepository(postgres),
		usgs:     adapter.NewUSGSClient(cfg.Upstream),
		closers:  []func(){postgres.Close},
	}

	// Share the upstream budget with a running server when Redis is configured
	if cfg.Database.Redis.Host != "" {
		rdb, err := storage.NewRedisClient(&cfg.Database.Redis)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		d.closers = append(d.closers, func() { _ = rdb.Close() })

		budget, err := ratelimit.NewUpstreamBudget(rdb, cfg.Upstream)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.usgs.WithBudget(budget)
	}
	return d, nil
}

var rootCmd = &cobra.Command{
	Use:          "backfill",
	Short:        "Load historical earthquake events and audit local coverage",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Backfill a date range in sequential chunks",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := loadDeps()
		if err != nil {
			return err
		}
		defer d.Close()

		req := service.BackfillRequest{ChunkDays: chunkDays}
		if err := applyRange(&req.Start, &req.End, false, false); err != nil {
			return err
		}
		if cmd.Flags().Changed("min-magnitude") {
			req.MinMagnitude = &minMagnitude
		}
		if cmd.Flags().Changed("delay") {
			req.Delay = &delay
		}

		ingestor := service.NewIngestor(d.usgs, d.events, d.syncLog, nil, nil)
		engine := service.NewBackfillEngine(ingestor, d.cfg.Backfill, d.cfg.Upstream.Timeout*2)

		run, err := engine.Start(cmd.Context(), req)
		if err != nil {
			return err
		}

		logger := logging.ForComponent("backfill").WithField("runId", run.ID())
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigs)

		ticker := time.NewTicker(pollEvery)
		defer ticker.Stop()

		for {
			select {
			case <-run.Done():
				return printJSON(run.Progress())
			case <-sigs:
				logger.Info("Interrupt received, finishing current chunk")
				run.Cancel()
			case <-ticker.C:
				p := run.Progress()
				logger.WithFields(logging.Fields{
					"completedChunks": p.CompletedChunks,
					"totalChunks":     p.TotalChunks,
					"eventsFetched":   p.TotalEventsFetched,
					"percent":         fmt.Sprintf("%.1f", p.PercentComplete()),
				}).Info("Backfill progress")
			}
		}
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare the local count of a range with upstream",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := loadDeps()
		if err != nil {
			return err
		}
		defer d.Close()

		var start, end time.Time
		if err := applyRange(&start, &end, true, true); err != nil {
			return err
		}
		result, err := service.NewCoverageVerifier(d.events, d.usgs).Verify(cmd.Context(), start, end, minMagnitude)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var gapsCmd = &cobra.Command{
	Use:   "gaps",
	Short: "Walk a range window by window and report coverage gaps",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := loadDeps()
		if err != nil {
			return err
		}
		defer d.Close()

		var start, end time.Time
		if err := applyRange(&start, &end, true, true); err != nil {
			return err
		}
		days := chunkDays
		if days == 0 {
			days = d.cfg.Backfill.GapChunkDays
		}

		finder := service.NewGapFinder(service.NewCoverageVerifier(d.events, d.usgs), d.cfg.Backfill.GapCheckDelay)
		report, err := finder.FindGaps(cmd.Context(), start, end, minMagnitude, days)
		if report != nil {
			if perr := printJSON(report); perr != nil {
				return perr
			}
		}
		return err
	},
}

var coverageCmd = &cobra.Command{
	Use:   "coverage",
	Short: "Summarize what the local store holds",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := loadDeps()
		if err != nil {
			return err
		}
		defer d.Close()

		stats, err := service.NewCoverageService(d.events, d.syncLog).Stats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

// applyRange parses --start/--end; required rejects empty values.
// A date-only --end is midnight of that day for backfill windows [start, end)
// and the day's last instant for the inclusive count checks.
func applyRange(start, end *time.Time, required, inclusiveEnd bool) error {
	if required && (startDate == "" || endDate == "") {
		return fmt.Errorf("--start and --end are required")
	}
	if startDate != "" {
		t, err := types.ParseDateBound(startDate, false)
		if err != nil {
			return err
		}
		*start = t
	}
	if endDate != "" {
		t, err := types.ParseDateBound(endDate, inclusiveEnd)
		if err != nil {
			return err
		}
		*end = t
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&startDate, "start", "", "Range start (YYYY-MM-DD or RFC3339)")
	rootCmd.PersistentFlags().StringVar(&endDate, "end", "", "Range end, inclusive (YYYY-MM-DD or RFC3339)")
	rootCmd.PersistentFlags().Float64Var(&minMagnitude, "min-magnitude", 2.5, "Minimum magnitude")

	runCmd.Flags().IntVar(&chunkDays, "chunk-days", 0, "Requested chunk size in days, capped by magnitude")
	runCmd.Flags().DurationVar(&delay, "delay", 2*time.Second, "Pause between chunks")
	runCmd.Flags().DurationVar(&pollEvery, "progress-every", 10*time.Second, "Progress log interval")
	gapsCmd.Flags().IntVar(&chunkDays, "chunk-days", 0, "Window size in days")

	rootCmd.AddCommand(runCmd, verifyCmd, gapsCmd, coverageCmd)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
