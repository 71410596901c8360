package models

import (
	"time"

	"github.com/quake-mirror/internal/types"
)

// Event represents one seismic event observation, unique on (Source, ExternalID)
type Event struct {
	ID               int64             `json:"id,omitempty" db:"id"`
	Source           string            `json:"source" db:"source"`
	ExternalID       string            `json:"externalId" db:"external_id"`
	Time             time.Time         `json:"time" db:"time"`
	Latitude         float64           `json:"latitude" db:"latitude"`
	Longitude        float64           `json:"longitude" db:"longitude"`
	Depth            *float64          `json:"depth,omitempty" db:"depth"`
	Magnitude        float64           `json:"magnitude" db:"magnitude"`
	MagnitudeType    *string           `json:"magnitudeType,omitempty" db:"magnitude_type"`
	Place            string            `json:"place" db:"place"`
	Status           types.EventStatus `json:"status" db:"status"`
	Tsunami          bool              `json:"tsunami" db:"tsunami"`
	FeltReports      *int              `json:"feltReports,omitempty" db:"felt_reports"`
	CDI              *float64          `json:"cdi,omitempty" db:"cdi"`
	MMI              *float64          `json:"mmi,omitempty" db:"mmi"`
	Alert            *types.AlertLevel `json:"alert,omitempty" db:"alert"`
	IsCanonical      bool              `json:"isCanonical" db:"is_canonical"`
	CanonicalEventID *int64            `json:"canonicalEventId,omitempty" db:"canonical_event_id"`
	CreatedAt        time.Time         `json:"createdAt,omitempty" db:"created_at"`
	UpdatedAt        time.Time         `json:"updatedAt,omitempty" db:"updated_at"`
}

// Key returns the idempotency key of the event
func (e *Event) Key() string {
	return e.Source + ":" + e.ExternalID
}

// Day returns the UTC calendar day of the event
func (e *Event) Day() string {
	return e.Time.UTC().Format(types.DateLayout)
}

// EventExtent is the oldest and newest stored event time
type EventExtent struct {
	Oldest *time.Time `json:"oldest,omitempty"`
	Newest *time.Time `json:"newest,omitempty"`
}

// MagnitudeBucket is the number of events whose magnitude floors to Floor
type MagnitudeBucket struct {
	Floor int   `json:"magnitude"`
	Count int64 `json:"count"`
}

// EventQuery selects stored events by time and magnitude (bounds inclusive)
type EventQuery struct {
	Start        time.Time
	End          time.Time
	MinMagnitude float64
	MaxMagnitude *float64
	Region       types.Region
	Limit        int
}

// EventsResponse is the body of the events listing endpoint.
// Truncated is set when more than Limit events matched; Events then holds
// the oldest Limit of them and the caller continues from the last one.
type EventsResponse struct {
	Events    []*Event `json:"events"`
	Count     int      `json:"count"`
	Limit     int      `json:"limit"`
	Truncated bool     `json:"truncated"`
}
