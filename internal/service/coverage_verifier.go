package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/quake-mirror/internal/logging"
	"github.com/quake-mirror/internal/metrics"
	"github.com/quake-mirror/internal/models"
	"github.com/quake-mirror/internal/tracing"
	"github.com/quake-mirror/internal/types"
)

const (
	// minCoverageTolerance absorbs routine upstream revision churn
	minCoverageTolerance = 10
	// relativeCoverageTolerance is the share of the upstream count tolerated as drift
	relativeCoverageTolerance = 0.01
)

// CoverageVerifier compares local event counts against the upstream feed
type CoverageVerifier struct {
	store    EventCounter
	upstream UpstreamCounter
	now      func() time.Time
	logger   *logging.Logger
}

// NewCoverageVerifier creates a new coverage verifier
func NewCoverageVerifier(store EventCounter, upstream UpstreamCounter) *CoverageVerifier {
	return &CoverageVerifier{
		store:    store,
		upstream: upstream,
		now:      time.Now,
		logger:   logging.ForComponent("verify"),
	}
}

// Verify counts [start, end] at minMagnitude locally and upstream and classifies the difference.
// An upstream failure yields a result with status error; only a local count failure returns an error.
func (v *CoverageVerifier) Verify(ctx context.Context, start, end time.Time, minMagnitude float64) (*models.CoverageResult, error) {
	ctx, span := tracing.Start(ctx, "coverage.verify")
	defer span.End()

	result := &models.CoverageResult{
		Start:        start.UTC(),
		End:          end.UTC(),
		MinMagnitude: minMagnitude,
		CheckedAt:    v.now().UTC(),
	}

	dbCount, err := v.store.CountInRange(ctx, start, end, minMagnitude)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to count local events: %w", err)
	}
	result.DBCount = dbCount

	upstreamCount, err := v.upstream.FetchCount(ctx, start, end, minMagnitude)
	if err != nil {
		msg := err.Error()
		result.UpstreamCount = 0
		result.Difference = dbCount
		result.Status = types.CoverageError
		result.Error = &msg
		metrics.CoverageChecks.WithLabelValues(string(result.Status)).Inc()
		v.logger.WithError(err).Warn("Upstream count failed during verification")
		return result, nil
	}

	result.UpstreamCount = upstreamCount
	result.Difference = dbCount - upstreamCount
	result.PercentCoverage = percentCoverage(dbCount, upstreamCount)
	result.Status = ClassifyCoverage(result.Difference, upstreamCount)

	span.SetAttributes(
		attribute.Int64("dbCount", dbCount),
		attribute.Int64("upstreamCount", upstreamCount),
		attribute.String("status", string(result.Status)),
	)
	metrics.CoverageChecks.WithLabelValues(string(result.Status)).Inc()
	return result, nil
}

// ClassifyCoverage applies the tolerance band max(10, 1% of upstream)
func ClassifyCoverage(difference, upstreamCount int64) types.CoverageStatus {
	tolerance := math.Max(minCoverageTolerance, float64(upstreamCount)*relativeCoverageTolerance)
	switch {
	case math.Abs(float64(difference)) <= tolerance:
		return types.CoverageComplete
	case difference < 0:
		return types.CoverageMissing
	default:
		return types.CoverageExtra
	}
}

func percentCoverage(dbCount, upstreamCount int64) float64 {
	if upstreamCount == 0 {
		return 100
	}
	pct := float64(dbCount) / float64(upstreamCount) * 100
	return math.Round(pct*100) / 100
}
