package storage

import (
	"context"
	"fmt"

	"github.com/quake-mirror/internal/models"
	"github.com/quake-mirror/internal/types"
)

// SyncStatusRepository persists the append-only sync audit log
type SyncStatusRepository struct {
	db *PostgresDB
}

// NewSyncStatusRepository creates a new sync status repository
func NewSyncStatusRepository(db *PostgresDB) *SyncStatusRepository {
	return &SyncStatusRepository{db: db}
}

// Append records one fetch-and-store attempt. Entries are never updated.
func (r *SyncStatusRepository) Append(ctx context.Context, entry *models.SyncStatus) error {
	query := `
		INSERT INTO sync_status (
			source, last_sync_time, last_event_time, events_synced, status, error_message
		)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		entry.Source,
		entry.LastSyncTime.UTC(),
		entry.LastEventTime,
		entry.EventsSynced,
		string(entry.Status),
		entry.ErrorMessage,
	).Scan(&entry.ID, &entry.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to append sync status: %w", err)
	}
	return nil
}

// Latest returns the most recent entry for a source, or nil if there is none
func (r *SyncStatusRepository) Latest(ctx context.Context, source string) (*models.SyncStatus, error) {
	entries, err := r.Recent(ctx, source, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

// Recent returns up to limit entries for a source, newest first
func (r *SyncStatusRepository) Recent(ctx context.Context, source string, limit int) ([]*models.SyncStatus, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, source, last_sync_time, last_event_time, events_synced,
			   status, error_message, created_at
		FROM sync_status
		WHERE source = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, source, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync status: %w", err)
	}
	defer rows.Close()

	entries := []*models.SyncStatus{}
	for rows.Next() {
		var (
			entry  models.SyncStatus
			status string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.Source,
			&entry.LastSyncTime,
			&entry.LastEventTime,
			&entry.EventsSynced,
			&status,
			&entry.ErrorMessage,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sync status: %w", err)
		}
		entry.Status = types.SyncOutcome(status)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync status: %w", err)
	}
	return entries, nil
}
