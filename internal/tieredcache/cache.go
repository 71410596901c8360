package tieredcache

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/quake-mirror/internal/logging"
	"github.com/quake-mirror/internal/models"
	"github.com/quake-mirror/internal/types"
)

// Options tunes staleness and integrity rules
type Options struct {
	HistoricalAfterDays int           // days older than this never go stale
	FreshFor            time.Duration // freshness window for recent days
	MismatchTolerance   int           // allowed metadata/record count drift
}

// DefaultOptions returns the standard 28 day / 24 hour rules
func DefaultOptions() Options {
	return Options{HistoricalAfterDays: 28, FreshFor: 24 * time.Hour, MismatchTolerance: 5}
}

// Cache is the client-tier tiered cache
type Cache struct {
	backend Backend
	opts    Options
	now     func() time.Time
	logger  *logging.Logger
}

// New creates a cache over backend
func New(backend Backend, opts Options) *Cache {
	defaults := DefaultOptions()
	if opts.HistoricalAfterDays <= 0 {
		opts.HistoricalAfterDays = defaults.HistoricalAfterDays
	}
	if opts.FreshFor <= 0 {
		opts.FreshFor = defaults.FreshFor
	}
	if opts.MismatchTolerance < 0 {
		opts.MismatchTolerance = defaults.MismatchTolerance
	}
	return &Cache{
		backend: backend,
		opts:    opts,
		now:     time.Now,
		logger:  logging.ForComponent("tieredcache"),
	}
}

// SetClock replaces the wall clock
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// IsHistorical reports whether day is older than the historical threshold
func (c *Cache) IsHistorical(day string) bool {
	d, err := time.Parse(types.DateLayout, day)
	if err != nil {
		return false
	}
	cutoff := types.StartOfDay(c.now()).AddDate(0, 0, -c.opts.HistoricalAfterDays)
	return d.Before(cutoff)
}

// IsStale reports whether meta needs refetching
func (c *Cache) IsStale(meta DailyMeta) bool {
	if c.IsHistorical(meta.Day) {
		return false
	}
	return c.now().Sub(meta.FetchedAt) > c.opts.FreshFor
}

// Query answers [start, end] (whole UTC days, inclusive) from cache where possible
func (c *Cache) Query(ctx context.Context, start, end time.Time, rng MagnitudeRange, region types.Region) (*QueryResult, error) {
	result := &QueryResult{
		Records:    []models.Event{},
		StaleDays:  []string{},
		CachedDays: []string{},
	}

	for _, day := range daysBetween(start, end) {
		metas, err := c.backend.DayMetas(ctx, day)
		if err != nil {
			return nil, err
		}

		meta, ok := findMeta(metas, region, rng)
		if !ok || c.IsStale(meta) {
			result.StaleDays = append(result.StaleDays, day)
			continue
		}

		records, err := c.backend.DayRecords(ctx, day)
		if err != nil {
			return nil, err
		}
		result.CachedDays = append(result.CachedDays, day)
		for _, e := range records {
			if e.Region == region && rng.Contains(e.Magnitude) {
				result.Records = append(result.Records, e.Event)
			}
		}
	}

	sort.Slice(result.Records, func(i, j int) bool {
		return result.Records[i].Time.Before(result.Records[j].Time)
	})
	result.IsComplete = len(result.StaleDays) == 0
	return result, nil
}

// findMeta prefers an exact match and falls back to the freshest covering entry
func findMeta(metas []DailyMeta, region types.Region, rng MagnitudeRange) (DailyMeta, bool) {
	var best DailyMeta
	found := false
	for _, m := range metas {
		if m.Region != region {
			continue
		}
		if m.Range() == rng {
			return m, true
		}
		if m.Range().Covers(rng) && (!found || m.FetchedAt.After(best.FetchedAt)) {
			best = m
			found = true
		}
	}
	return best, found
}

// Store records a fetch: events are grouped by UTC day and each day gets a
// metadata entry for opts.Range and opts.Region.
func (c *Cache) Store(ctx context.Context, events []models.Event, opts StoreOptions) error {
	now := c.now().UTC()

	byDay := make(map[string][]CacheEntry)
	if !opts.SpanStart.IsZero() && !opts.SpanEnd.IsZero() {
		for _, day := range daysBetween(opts.SpanStart, opts.SpanEnd) {
			byDay[day] = nil
		}
	}
	for _, ev := range events {
		day := ev.Day()
		byDay[day] = append(byDay[day], CacheEntry{
			Event:    ev,
			Day:      day,
			CachedAt: now,
			Region:   opts.Region,
			CacheKey: cacheKey(day, opts.Region),
		})
	}

	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)

	for _, day := range days {
		entries := byDay[day]
		meta := DailyMeta{
			Day:          day,
			Region:       opts.Region,
			MinMagnitude: opts.Range.Min,
			MaxMagnitude: opts.Range.Max,
			FetchedAt:    now,
			Count:        len(entries),
		}
		if err := c.backend.PutDay(ctx, day, entries, meta); err != nil {
			return err
		}
	}

	c.logger.WithFields(logging.Fields{
		"events": len(events),
		"days":   len(days),
		"region": opts.Region,
		"range":  opts.Range.String(),
	}).Debug("Stored events in cache")

	_, err := c.refreshInfo(ctx)
	return err
}

// CheckIntegrity looks for untagged records, orphaned days and count drift
func (c *Cache) CheckIntegrity(ctx context.Context) (*IntegrityReport, error) {
	days, err := c.backend.Days(ctx)
	if err != nil {
		return nil, err
	}

	report := &IntegrityReport{Issues: []string{}}
	untagged := 0

	for _, day := range days {
		records, err := c.backend.DayRecords(ctx, day)
		if err != nil {
			return nil, err
		}
		metas, err := c.backend.DayMetas(ctx, day)
		if err != nil {
			return nil, err
		}

		for _, e := range records {
			if e.Region == "" {
				untagged++
			}
		}

		if len(records) > 0 && len(metas) == 0 {
			report.Issues = append(report.Issues, fmt.Sprintf("day %s has %d records but no metadata", day, len(records)))
			continue
		}

		for _, m := range metas {
			actual := 0
			for _, e := range records {
				if e.Region == m.Region && m.Range().Contains(e.Magnitude) {
					actual++
				}
			}
			if diff := actual - m.Count; diff > c.opts.MismatchTolerance || -diff > c.opts.MismatchTolerance {
				report.Issues = append(report.Issues, fmt.Sprintf(
					"day %s region %s range %s: metadata count %d but %d records cached",
					day, m.Region, m.Range(), m.Count, actual))
			}
		}
	}

	if untagged > 0 {
		report.Issues = append(report.Issues, fmt.Sprintf("%d records have no region tag", untagged))
	}

	report.Healthy = len(report.Issues) == 0
	if !report.Healthy {
		if untagged > 0 {
			report.Suggestion = "Cached data predates region tagging; clear the cache and re-fetch."
		} else {
			report.Suggestion = "Clear stale entries or clear the cache to rebuild it from the server."
		}
	}
	return report, nil
}

// ClearStale evicts stale metadata of recent days and the records no fresh
// metadata still vouches for. Historical days are never evicted.
// It returns the number of metadata entries removed.
func (c *Cache) ClearStale(ctx context.Context) (int, error) {
	days, err := c.backend.Days(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, day := range days {
		if c.IsHistorical(day) {
			continue
		}
		metas, err := c.backend.DayMetas(ctx, day)
		if err != nil {
			return removed, err
		}

		var stale []DailyMeta
		fresh := map[types.Region]bool{}
		for _, m := range metas {
			if c.IsStale(m) {
				stale = append(stale, m)
			} else {
				fresh[m.Region] = true
			}
		}
		if len(stale) == 0 {
			continue
		}

		if err := c.backend.DeleteMetas(ctx, day, stale); err != nil {
			return removed, err
		}
		removed += len(stale)

		evicted := map[types.Region]bool{}
		for _, m := range stale {
			if fresh[m.Region] || evicted[m.Region] {
				continue
			}
			if err := c.backend.DeleteRecords(ctx, day, m.Region); err != nil {
				return removed, err
			}
			evicted[m.Region] = true
		}
	}

	if removed > 0 {
		c.logger.WithField("entries", removed).Info("Cleared stale cache entries")
	}
	if _, err := c.refreshInfo(ctx); err != nil {
		return removed, err
	}
	return removed, nil
}

// Info returns the cache summary, computing it if it was never stored
func (c *Cache) Info(ctx context.Context) (*CacheInfo, error) {
	info, err := c.backend.LoadInfo(ctx)
	if err != nil {
		return nil, err
	}
	if info != nil && info.SchemaVersion == SchemaVersion {
		return info, nil
	}
	return c.refreshInfo(ctx)
}

// Clear drops everything
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.backend.Clear(ctx); err != nil {
		return err
	}
	_, err := c.refreshInfo(ctx)
	return err
}

func (c *Cache) refreshInfo(ctx context.Context) (*CacheInfo, error) {
	days, err := c.backend.Days(ctx)
	if err != nil {
		return nil, err
	}

	info := CacheInfo{LastUpdated: c.now().UTC(), SchemaVersion: SchemaVersion}
	for _, day := range days {
		records, err := c.backend.DayRecords(ctx, day)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			continue
		}
		info.TotalEvents += len(records)
		if info.OldestDay == "" || day < info.OldestDay {
			info.OldestDay = day
		}
		if day > info.NewestDay {
			info.NewestDay = day
		}
	}

	if err := c.backend.SaveInfo(ctx, info); err != nil {
		return nil, err
	}
	return &info, nil
}

// daysBetween lists the UTC days touched by [start, end], oldest first
func daysBetween(start, end time.Time) []string {
	var days []string
	last := types.StartOfDay(end)
	for d := types.StartOfDay(start); !d.After(last); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(types.DateLayout))
	}
	return days
}
