package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/quake-mirror/internal/models"
)

// AggregateRepository mirrors events into ClickHouse and serves aggregates from it
type AggregateRepository struct {
	db *ClickHouseDB
}

// NewAggregateRepository creates a new aggregate repository
func NewAggregateRepository(db *ClickHouseDB) *AggregateRepository {
	return &AggregateRepository{db: db}
}

// MirrorEvents appends events to the mirror table. ReplacingMergeTree collapses
// re-ingested events to the newest row at merge time; reads use FINAL.
func (r *AggregateRepository) MirrorEvents(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO events_mirror (
			source, external_id, time, latitude, longitude, depth,
			magnitude, status, tsunami, alert, updated_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare mirror batch: %w", err)
	}

	now := time.Now().UTC()
	for _, ev := range events {
		var tsunami uint8
		if ev.Tsunami {
			tsunami = 1
		}
		alert := ""
		if ev.Alert != nil {
			alert = string(*ev.Alert)
		}

		if err := batch.Append(
			ev.Source,
			ev.ExternalID,
			ev.Time.UTC(),
			ev.Latitude,
			ev.Longitude,
			ev.Depth,
			ev.Magnitude,
			string(ev.Status),
			tsunami,
			alert,
			now,
		); err != nil {
			return fmt.Errorf("failed to append event %s to mirror batch: %w", ev.Key(), err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send mirror batch: %w", err)
	}
	return nil
}

// DailyCounts returns per-day event counts and peak magnitude for [start, end]
func (r *AggregateRepository) DailyCounts(ctx context.Context, start, end time.Time, minMagnitude float64) ([]models.DailyCount, error) {
	query := `
		SELECT toString(toDate(time)) AS day, count() AS cnt, max(magnitude) AS peak
		FROM events_mirror FINAL
		WHERE time >= ? AND time <= ? AND magnitude >= ?
		GROUP BY day
		ORDER BY day
	`

	rows, err := r.db.Conn().Query(ctx, query, start.UTC(), end.UTC(), minMagnitude)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily counts: %w", err)
	}
	defer rows.Close()

	counts := []models.DailyCount{}
	for rows.Next() {
		var c models.DailyCount
		if err := rows.Scan(&c.Day, &c.Count, &c.MaxMagnitude); err != nil {
			return nil, fmt.Errorf("failed to scan daily count: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily counts: %w", err)
	}
	return counts, nil
}
