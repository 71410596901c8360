// Package types provides common type definitions for the earthquake mirror.
package types

import (
	"fmt"
	"strings"
	"time"
)

// SourceUSGS identifies the USGS FDSN event feed.
const SourceUSGS = "usgs"

// EventStatus is the upstream review status of an event (passed through as-is)
type EventStatus string

const (
	// EventStatusAutomatic represents an automatically located event
	EventStatusAutomatic EventStatus = "automatic"
	// EventStatusReviewed represents an event reviewed by a seismologist
	EventStatusReviewed EventStatus = "reviewed"
	// EventStatusDeleted represents an event retracted upstream
	EventStatusDeleted EventStatus = "deleted"
)

// AlertLevel represents the PAGER alert level
type AlertLevel string

const (
	AlertGreen  AlertLevel = "green"
	AlertYellow AlertLevel = "yellow"
	AlertOrange AlertLevel = "orange"
	AlertRed    AlertLevel = "red"
)

// SyncOutcome is the result recorded in a sync status entry
type SyncOutcome string

const (
	// SyncSuccess marks a fetch-and-store that completed
	SyncSuccess SyncOutcome = "success"
	// SyncError marks a fetch-and-store that failed
	SyncError SyncOutcome = "error"
)

// CoverageStatus is the verdict of a coverage verification
type CoverageStatus string

const (
	CoverageComplete CoverageStatus = "complete"
	CoverageMissing  CoverageStatus = "missing"
	CoverageExtra    CoverageStatus = "extra"
	CoverageError    CoverageStatus = "error"
)

// BackfillState is the lifecycle state of a backfill run
type BackfillState string

const (
	BackfillIdle      BackfillState = "idle"
	BackfillRunning   BackfillState = "running"
	BackfillCompleted BackfillState = "completed"
	BackfillCancelled BackfillState = "cancelled"
	BackfillFailed    BackfillState = "failed"
)

// Region scopes a query to a geographic area
type Region string

const (
	// RegionWorldwide matches every event
	RegionWorldwide Region = "worldwide"
	// RegionUS matches events inside the US bounding boxes
	RegionUS Region = "us"
)

// boundingBox is a lat/lng rectangle
type boundingBox struct {
	minLat, maxLat, minLng, maxLng float64
}

// usBoxes covers the contiguous US, Alaska (including the Aleutians west of
// the antimeridian), Hawaii and Puerto Rico.
var usBoxes = []boundingBox{
	{minLat: 24.5, maxLat: 49.5, minLng: -125.0, maxLng: -66.9},
	{minLat: 51.0, maxLat: 71.5, minLng: -180.0, maxLng: -129.9},
	{minLat: 51.0, maxLat: 55.0, minLng: 172.0, maxLng: 180.0},
	{minLat: 18.9, maxLat: 22.3, minLng: -160.3, maxLng: -154.8},
	{minLat: 17.8, maxLat: 18.6, minLng: -67.3, maxLng: -65.2},
}

// ParseRegion parses a region name; empty input means worldwide
func ParseRegion(s string) (Region, error) {
	switch Region(strings.ToLower(strings.TrimSpace(s))) {
	case "", RegionWorldwide:
		return RegionWorldwide, nil
	case RegionUS:
		return RegionUS, nil
	default:
		return "", fmt.Errorf("unknown region %q (must be 'worldwide' or 'us')", s)
	}
}

// Contains reports whether a coordinate falls inside the region
func (r Region) Contains(lat, lng float64) bool {
	if r != RegionUS {
		return true
	}
	for _, b := range usBoxes {
		if lat >= b.minLat && lat <= b.maxLat && lng >= b.minLng && lng <= b.maxLng {
			return true
		}
	}
	return false
}

// DateLayout is the day-bucket format used throughout the system
const DateLayout = "2006-01-02"

// ParseDateBound parses either a date-only string or an RFC3339 instant.
// Date-only values are widened to the start of the day, or to the last
// instant of the day when endOfDay is set, so that a range like
// "2024-01-06".."2024-01-06" covers every event timestamped on Jan 6 UTC.
func ParseDateBound(s string, endOfDay bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	day, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD or RFC3339", s)
	}
	if endOfDay {
		return EndOfDay(day), nil
	}
	return day.UTC(), nil
}

// StartOfDay truncates t to midnight UTC
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// EndOfDay returns the last representable millisecond of t's UTC day
func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).Add(24*time.Hour - time.Millisecond)
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
