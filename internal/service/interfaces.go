package service

import (
	"context"
	"time"

	"github.com/quake-mirror/internal/models"
)

// EventStore is the subset of the record store the ingest path writes to
type EventStore interface {
	Upsert(ctx context.Context, events []*models.Event) (int64, error)
}

// EventCounter counts stored events for coverage checks
type EventCounter interface {
	CountInRange(ctx context.Context, start, end time.Time, minMagnitude float64) (int64, error)
}

// SyncLog is the append-only sync audit log
type SyncLog interface {
	Append(ctx context.Context, entry *models.SyncStatus) error
}

// SyncHistory reads the sync audit log
type SyncHistory interface {
	Latest(ctx context.Context, source string) (*models.SyncStatus, error)
	Recent(ctx context.Context, source string, limit int) ([]*models.SyncStatus, error)
}

// EventMirror receives every successfully upserted batch for aggregation
type EventMirror interface {
	MirrorEvents(ctx context.Context, events []*models.Event) error
}

// StatsStore provides aggregate statistics over the record store
type StatsStore interface {
	TotalCount(ctx context.Context) (int64, error)
	Extent(ctx context.Context) (*models.EventExtent, error)
	CountsByMagnitudeFloor(ctx context.Context) ([]models.MagnitudeBucket, error)
}

// UpstreamCounter is the count-only side of the upstream feed
type UpstreamCounter interface {
	FetchCount(ctx context.Context, start, end time.Time, minMagnitude float64) (int64, error)
}
