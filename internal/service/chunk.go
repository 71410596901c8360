package service

import (
	"time"

	"github.com/quake-mirror/internal/models"
)

// chunkThreshold maps a minimum magnitude to the widest window that stays
// well below the upstream per-request cap at typical event density
type chunkThreshold struct {
	minMagnitude float64
	maxDays      int
}

// chunkThresholds is ordered by descending magnitude; first match wins
var chunkThresholds = []chunkThreshold{
	{6.0, 3650},
	{5.0, 365},
	{4.0, 180},
	{3.0, 60},
	{2.5, 30},
	{2.0, 14},
	{1.0, 7},
	{0.0, 3},
	{-2.0, 1},
}

// defaultMaxChunkDays applies below every threshold
const defaultMaxChunkDays = 1

// MaxChunkDays returns the widest safe chunk for a minimum magnitude
func MaxChunkDays(minMagnitude float64) int {
	for _, t := range chunkThresholds {
		if minMagnitude >= t.minMagnitude {
			return t.maxDays
		}
	}
	return defaultMaxChunkDays
}

// EffectiveChunkDays clamps the requested chunk size to the safe maximum
func EffectiveChunkDays(requested int, minMagnitude float64) int {
	maxDays := MaxChunkDays(minMagnitude)
	if requested < 1 || requested > maxDays {
		return maxDays
	}
	return requested
}

// PlanChunks partitions [start, end) into windows of chunkDays, built backward
// from end so only the earliest window can be short, and returns them oldest first
func PlanChunks(start, end time.Time, chunkDays int) []models.ChunkWindow {
	if !start.Before(end) || chunkDays < 1 {
		return nil
	}

	var chunks []models.ChunkWindow
	cursor := end
	for cursor.After(start) {
		chunkStart := cursor.AddDate(0, 0, -chunkDays)
		if chunkStart.Before(start) {
			chunkStart = start
		}
		chunks = append(chunks, models.ChunkWindow{Start: chunkStart, End: cursor})
		cursor = chunkStart
	}

	for i, j := 0, len(chunks)-1; i < j; i, j = i+1, j-1 {
		chunks[i], chunks[j] = chunks[j], chunks[i]
	}
	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks
}
