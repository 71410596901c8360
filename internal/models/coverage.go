package models

import (
	"time"

	"github.com/quake-mirror/internal/types"
)

// CoverageResult compares local and upstream counts for one range
type CoverageResult struct {
	Start           time.Time            `json:"start"`
	End             time.Time            `json:"end"`
	MinMagnitude    float64              `json:"minMagnitude"`
	DBCount         int64                `json:"dbCount"`
	UpstreamCount   int64                `json:"upstreamCount"`
	Difference      int64                `json:"difference"`
	PercentCoverage float64              `json:"percentCoverage"`
	Status          types.CoverageStatus `json:"status"`
	Error           *string              `json:"error,omitempty"`
	CheckedAt       time.Time            `json:"checkedAt"`
}

// Gap is a window where the local store is significantly short of upstream
type Gap struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Missing int64     `json:"missing"`
}

// GapReport is the result of walking a range for gaps
type GapReport struct {
	Gaps           []Gap    `json:"gaps"`
	TotalMissing   int64    `json:"totalMissing"`
	WindowsChecked int      `json:"windowsChecked"`
	Errors         []string `json:"errors,omitempty"`
}

// CoverageStats summarizes what the local store holds
type CoverageStats struct {
	TotalEvents int64             `json:"totalEvents"`
	Extent      EventExtent       `json:"extent"`
	ByMagnitude []MagnitudeBucket `json:"byMagnitude"`
	LastSync    *SyncStatus       `json:"lastSync,omitempty"`
	RecentSyncs []*SyncStatus     `json:"recentSyncs"`
	GeneratedAt time.Time         `json:"generatedAt"`
}

// DailyCount is one bucket of the daily aggregation
type DailyCount struct {
	Day          string  `json:"day"`
	Count        uint64  `json:"count"`
	MaxMagnitude float64 `json:"maxMagnitude"`
}
