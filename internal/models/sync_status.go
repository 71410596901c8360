package models

import (
	"time"

	"github.com/quake-mirror/internal/types"
)

// SyncStatus is one append-only audit entry for a fetch-and-store operation
type SyncStatus struct {
	ID            int64             `json:"id,omitempty" db:"id"`
	Source        string            `json:"source" db:"source"`
	LastSyncTime  time.Time         `json:"lastSyncTime" db:"last_sync_time"`
	LastEventTime *time.Time        `json:"lastEventTime,omitempty" db:"last_event_time"`
	EventsSynced  int               `json:"eventsSynced" db:"events_synced"`
	Status        types.SyncOutcome `json:"status" db:"status"`
	ErrorMessage  *string           `json:"errorMessage,omitempty" db:"error_message"`
	CreatedAt     time.Time         `json:"createdAt" db:"created_at"`
}
