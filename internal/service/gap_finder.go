package service

import (
	"context"
	"fmt"
	"time"

	"github.com/quake-mirror/internal/errors"
	"github.com/quake-mirror/internal/logging"
	"github.com/quake-mirror/internal/models"
	"github.com/quake-mirror/internal/types"
)

const (
	// DefaultGapChunkDays is the window width used when none is given
	DefaultGapChunkDays = 30
	// gapNoiseFloor is the shortfall below which a window is not reported
	gapNoiseFloor = 10
)

// RangeVerifier verifies one range
type RangeVerifier interface {
	Verify(ctx context.Context, start, end time.Time, minMagnitude float64) (*models.CoverageResult, error)
}

// GapFinder walks a range window by window looking for significant shortfalls
type GapFinder struct {
	verifier RangeVerifier
	delay    time.Duration
	logger   *logging.Logger
}

// NewGapFinder creates a gap finder that waits delay between verifications
func NewGapFinder(verifier RangeVerifier, delay time.Duration) *GapFinder {
	return &GapFinder{
		verifier: verifier,
		delay:    delay,
		logger:   logging.ForComponent("gaps"),
	}
}

// FindGaps checks [start, end) in windows of chunkDays, the last one clamped to end.
// On cancellation it returns the windows checked so far along with ctx.Err().
func (g *GapFinder) FindGaps(ctx context.Context, start, end time.Time, minMagnitude float64, chunkDays int) (*models.GapReport, error) {
	if chunkDays == 0 {
		chunkDays = DefaultGapChunkDays
	}
	if chunkDays < 1 {
		return nil, errors.NewInvalidParameterError("chunkDays", "must be at least 1")
	}
	if !start.Before(end) {
		return nil, errors.NewInvalidRangeError(start, end)
	}

	report := &models.GapReport{Gaps: []models.Gap{}}

	for cursor := start.UTC(); cursor.Before(end); {
		windowEnd := cursor.AddDate(0, 0, chunkDays)
		if windowEnd.After(end) {
			windowEnd = end.UTC()
		}

		result, err := g.verifier.Verify(ctx, cursor, windowEnd, minMagnitude)
		report.WindowsChecked++
		switch {
		case err != nil:
			report.Errors = append(report.Errors, fmt.Sprintf("%s..%s: %v", cursor.Format(types.DateLayout), windowEnd.Format(types.DateLayout), err))
		case result.Status == types.CoverageError:
			msg := "unknown error"
			if result.Error != nil {
				msg = *result.Error
			}
			report.Errors = append(report.Errors, fmt.Sprintf("%s..%s: %s", cursor.Format(types.DateLayout), windowEnd.Format(types.DateLayout), msg))
		case result.Status == types.CoverageMissing && abs64(result.Difference) > gapNoiseFloor:
			missing := abs64(result.Difference)
			report.Gaps = append(report.Gaps, models.Gap{Start: cursor, End: windowEnd, Missing: missing})
			report.TotalMissing += missing
		}

		cursor = windowEnd
		if !cursor.Before(end) {
			break
		}

		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if g.delay > 0 {
			select {
			case <-time.After(g.delay):
			case <-ctx.Done():
				return report, ctx.Err()
			}
		}
	}

	g.logger.WithFields(logging.Fields{
		"windows":      report.WindowsChecked,
		"gaps":         len(report.Gaps),
		"totalMissing": report.TotalMissing,
	}).Info("Gap scan finished")

	return report, nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
