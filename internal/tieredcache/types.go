// Package tieredcache is the client-tier day-bucketed event cache.
//
// Records are bucketed by (day, region). Every fetch is described by a
// DailyMeta keyed by (day, region, minMagnitude, maxMagnitude); a query is
// answered from cache when some fresh metadata entry for the day covers the
// requested magnitude range. Days older than the historical threshold never
// go stale.
package tieredcache

import (
	"strconv"
	"time"

	"github.com/quake-mirror/internal/models"
	"github.com/quake-mirror/internal/types"
)

// SchemaVersion is bumped whenever the stored layout changes
const SchemaVersion = 2

// MagnitudeRange is an inclusive magnitude interval
type MagnitudeRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Covers reports whether r contains every magnitude of other
func (r MagnitudeRange) Covers(other MagnitudeRange) bool {
	return r.Min <= other.Min && r.Max >= other.Max
}

// Contains reports whether m lies within r
func (r MagnitudeRange) Contains(m float64) bool {
	return m >= r.Min && m <= r.Max
}

func (r MagnitudeRange) String() string {
	return strconv.FormatFloat(r.Min, 'g', -1, 64) + "|" + strconv.FormatFloat(r.Max, 'g', -1, 64)
}

// CacheEntry is one event annotated with cache bookkeeping
type CacheEntry struct {
	models.Event
	Day      string       `json:"cacheDay"`
	CachedAt time.Time    `json:"cachedAt"`
	Region   types.Region `json:"region"`
	CacheKey string       `json:"cacheKey"`
}

// DailyMeta describes one (day, region, range) fetch
type DailyMeta struct {
	Day          string       `json:"day"`
	Region       types.Region `json:"region"`
	MinMagnitude float64      `json:"minMagnitude"`
	MaxMagnitude float64      `json:"maxMagnitude"`
	FetchedAt    time.Time    `json:"fetchedAt"`
	Count        int          `json:"count"`
}

// Range returns the magnitude range the entry was fetched with
func (m DailyMeta) Range() MagnitudeRange {
	return MagnitudeRange{Min: m.MinMagnitude, Max: m.MaxMagnitude}
}

// CacheInfo summarizes the whole cache
type CacheInfo struct {
	TotalEvents   int       `json:"totalEvents"`
	OldestDay     string    `json:"oldestDay,omitempty"`
	NewestDay     string    `json:"newestDay,omitempty"`
	LastUpdated   time.Time `json:"lastUpdated"`
	SchemaVersion int       `json:"schemaVersion"`
}

// QueryResult is the answer to a cache query
type QueryResult struct {
	Records    []models.Event `json:"records"`
	StaleDays  []string       `json:"staleDays"`
	CachedDays []string       `json:"cachedDays"`
	IsComplete bool           `json:"isComplete"`
}

// StoreOptions describes the fetch that produced a batch of records
type StoreOptions struct {
	Range  MagnitudeRange
	Region types.Region

	// SpanStart and SpanEnd, when set, mark every day of the fetched span as
	// fetched, so days without events are recorded with a zero count.
	SpanStart time.Time
	SpanEnd   time.Time
}

// IntegrityReport is the outcome of CheckIntegrity
type IntegrityReport struct {
	Healthy    bool     `json:"healthy"`
	Issues     []string `json:"issues"`
	Suggestion string   `json:"suggestion,omitempty"`
}

func cacheKey(day string, region types.Region) string {
	return day + "|" + string(region)
}
