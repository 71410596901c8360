package models

import (
	"time"

	"github.com/quake-mirror/internal/types"
)

// ChunkWindow is one contiguous time sub-range of a backfill
type ChunkWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Index int       `json:"index"`
}

// BackfillParams are the effective parameters of a backfill run
type BackfillParams struct {
	Start              time.Time     `json:"start"`
	End                time.Time     `json:"end"`
	MinMagnitude       float64       `json:"minMagnitude"`
	RequestedChunkDays int           `json:"requestedChunkDays"`
	ChunkDays          int           `json:"chunkDays"`
	Delay              time.Duration `json:"delay"`
}

// SeedingProgress is a point-in-time snapshot of a backfill run
type SeedingProgress struct {
	RunID              string              `json:"runId,omitempty"`
	State              types.BackfillState `json:"state"`
	IsSeeding          bool                `json:"isSeeding"`
	TotalChunks        int                 `json:"totalChunks"`
	CompletedChunks    int                 `json:"completedChunks"`
	TotalEventsFetched int64               `json:"totalEventsFetched"`
	StartTime          *time.Time          `json:"startTime,omitempty"`
	FinishedAt         *time.Time          `json:"finishedAt,omitempty"`
	CurrentChunk       *ChunkWindow        `json:"currentChunk,omitempty"`
	Cancelled          bool                `json:"cancelled"`
	Error              *string             `json:"error,omitempty"`
	Params             *BackfillParams     `json:"params,omitempty"`
}

// PercentComplete returns completed/total as a percentage
func (p *SeedingProgress) PercentComplete() float64 {
	if p.TotalChunks == 0 {
		return 0
	}
	return float64(p.CompletedChunks) / float64(p.TotalChunks) * 100
}
