package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quake-mirror/internal/models"
	"github.com/quake-mirror/internal/types"
)

// EventRepository is the durable record store for seismic events
type EventRepository struct {
	db *PostgresDB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *PostgresDB) *EventRepository {
	return &EventRepository{db: db}
}

const eventColumns = `id, source, external_id, time, latitude, longitude, depth,
	magnitude, magnitude_type, place, status, tsunami, felt_reports, cdi, mmi,
	alert, is_canonical, canonical_event_id, created_at, updated_at`

// upsertEventSQL overwrites only the mutable fields on conflict. Identity,
// origin (time, location, depth, tsunami), created_at and the canonical
// linkage keep the values from first sight.
const upsertEventSQL = `
	INSERT INTO events (
		source, external_id, time, latitude, longitude, depth,
		magnitude, magnitude_type, place, status, tsunami,
		felt_reports, cdi, mmi, alert, is_canonical
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT (source, external_id) DO UPDATE SET
		magnitude = EXCLUDED.magnitude,
		magnitude_type = EXCLUDED.magnitude_type,
		place = EXCLUDED.place,
		status = EXCLUDED.status,
		felt_reports = EXCLUDED.felt_reports,
		cdi = EXCLUDED.cdi,
		mmi = EXCLUDED.mmi,
		alert = EXCLUDED.alert,
		updated_at = NOW()
`

// Upsert inserts or updates events keyed by (source, external_id) and returns
// how many rows were inserted or updated
func (r *EventRepository) Upsert(ctx context.Context, events []*models.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, ev := range events {
		var alert *string
		if ev.Alert != nil {
			s := string(*ev.Alert)
			alert = &s
		}
		batch.Queue(upsertEventSQL,
			ev.Source,
			ev.ExternalID,
			ev.Time.UTC(),
			ev.Latitude,
			ev.Longitude,
			ev.Depth,
			ev.Magnitude,
			ev.MagnitudeType,
			ev.Place,
			string(ev.Status),
			ev.Tsunami,
			ev.FeltReports,
			ev.CDI,
			ev.MMI,
			alert,
			true,
		)
	}

	results := r.db.Pool().SendBatch(ctx, batch)
	defer results.Close()

	var affected int64
	for i := range events {
		tag, err := results.Exec()
		if err != nil {
			return affected, fmt.Errorf("failed to upsert event %s: %w", events[i].Key(), err)
		}
		affected += tag.RowsAffected()
	}

	return affected, nil
}

// GetByExternalID retrieves one event by its idempotency key
func (r *EventRepository) GetByExternalID(ctx context.Context, source, externalID string) (*models.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE source = $1 AND external_id = $2`

	ev, err := scanEvent(r.db.Pool().QueryRow(ctx, query, source, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("event not found: %s:%s", source, externalID)
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return ev, nil
}

// CountInRange counts events with start <= time <= end and magnitude >= minMagnitude
func (r *EventRepository) CountInRange(ctx context.Context, start, end time.Time, minMagnitude float64) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM events
		WHERE time >= $1 AND time <= $2 AND magnitude >= $3
	`

	var count int64
	if err := r.db.Pool().QueryRow(ctx, query, start.UTC(), end.UTC(), minMagnitude).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// TotalCount returns the number of stored events
func (r *EventRepository) TotalCount(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// Extent returns the oldest and newest event times; both nil on an empty table
func (r *EventRepository) Extent(ctx context.Context) (*models.EventExtent, error) {
	var extent models.EventExtent
	err := r.db.Pool().QueryRow(ctx, `SELECT MIN(time), MAX(time) FROM events`).Scan(&extent.Oldest, &extent.Newest)
	if err != nil {
		return nil, fmt.Errorf("failed to get event extent: %w", err)
	}
	return &extent, nil
}

// CountsByMagnitudeFloor groups events by floor(magnitude)
func (r *EventRepository) CountsByMagnitudeFloor(ctx context.Context) ([]models.MagnitudeBucket, error) {
	query := `
		SELECT FLOOR(magnitude)::int AS floor, COUNT(*)
		FROM events
		GROUP BY 1
		ORDER BY 1
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query magnitude histogram: %w", err)
	}
	defer rows.Close()

	buckets := []models.MagnitudeBucket{}
	for rows.Next() {
		var b models.MagnitudeBucket
		if err := rows.Scan(&b.Floor, &b.Count); err != nil {
			return nil, fmt.Errorf("failed to scan magnitude bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating magnitude buckets: %w", err)
	}
	return buckets, nil
}

// List returns events matching the query ordered by time. Region filtering
// happens after the SQL filter so Limit applies to matching events only.
func (r *EventRepository) List(ctx context.Context, q models.EventQuery) ([]*models.Event, error) {
	var (
		where = []string{"time >= $1", "time <= $2", "magnitude >= $3"}
		args  = []interface{}{q.Start.UTC(), q.End.UTC(), q.MinMagnitude}
	)
	if q.MaxMagnitude != nil {
		args = append(args, *q.MaxMagnitude)
		where = append(where, fmt.Sprintf("magnitude <= $%d", len(args)))
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(where, " AND ") + ` ORDER BY time ASC`

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []*models.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if !q.Region.Contains(ev.Latitude, ev.Longitude) {
			continue
		}
		events = append(events, ev)
		if q.Limit > 0 && len(events) >= q.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

func scanEvent(row pgx.Row) (*models.Event, error) {
	var (
		ev     models.Event
		status string
		alert  *string
	)
	err := row.Scan(
		&ev.ID,
		&ev.Source,
		&ev.ExternalID,
		&ev.Time,
		&ev.Latitude,
		&ev.Longitude,
		&ev.Depth,
		&ev.Magnitude,
		&ev.MagnitudeType,
		&ev.Place,
		&status,
		&ev.Tsunami,
		&ev.FeltReports,
		&ev.CDI,
		&ev.MMI,
		&alert,
		&ev.IsCanonical,
		&ev.CanonicalEventID,
		&ev.CreatedAt,
		&ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	ev.Time = ev.Time.UTC()
	ev.Status = types.EventStatus(status)
	if alert != nil {
		level := types.AlertLevel(*alert)
		ev.Alert = &level
	}
	return &ev, nil
}
