package service

import (
	"context"
	"fmt"
	"time"

	"github.com/quake-mirror/internal/models"
	"github.com/quake-mirror/internal/types"
)

// recentSyncLimit bounds the sync history returned with coverage statistics
const recentSyncLimit = 20

// CoverageService summarizes what the record store holds
type CoverageService struct {
	stats   StatsStore
	history SyncHistory
	now     func() time.Time
}

// NewCoverageService creates a new coverage service
func NewCoverageService(stats StatsStore, history SyncHistory) *CoverageService {
	return &CoverageService{stats: stats, history: history, now: time.Now}
}

// Stats gathers totals, extent, magnitude histogram and recent sync history
func (s *CoverageService) Stats(ctx context.Context) (*models.CoverageStats, error) {
	total, err := s.stats.TotalCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get total count: %w", err)
	}

	extent, err := s.stats.Extent(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get extent: %w", err)
	}

	buckets, err := s.stats.CountsByMagnitudeFloor(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get magnitude histogram: %w", err)
	}

	recent, err := s.history.Recent(ctx, types.SourceUSGS, recentSyncLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync history: %w", err)
	}

	stats := &models.CoverageStats{
		TotalEvents: total,
		Extent:      *extent,
		ByMagnitude: buckets,
		RecentSyncs: recent,
		GeneratedAt: s.now().UTC(),
	}
	if len(recent) > 0 {
		stats.LastSync = recent[0]
	}
	return stats, nil
}
