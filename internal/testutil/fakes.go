// Package testutil provides thread-safe in-memory fakes of the feed and stores.
package testutil

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/quake-mirror/internal/models"
)

// FakeFeed serves events from memory and records every window requested
type FakeFeed struct {
	mu sync.Mutex

	Events []*models.Event

	// WindowErr, when set, is consulted before every window fetch
	WindowErr func(call int, start, end time.Time) error
	CountErr  error
	// CountOverride replaces the computed count when non-nil
	CountOverride func(start, end time.Time, minMagnitude float64) int64
	// OnFetch runs after a window has been served
	OnFetch func(call int)

	WindowCalls []models.ChunkWindow
	CountCalls  int
}

// NewFakeFeed creates a feed holding events
func NewFakeFeed(events ...*models.Event) *FakeFeed {
	return &FakeFeed{Events: events}
}

// FetchWindow returns copies of the events inside [start, end] and the magnitude filter
func (f *FakeFeed) FetchWindow(_ context.Context, start, end time.Time, minMagnitude float64, maxMagnitude *float64) ([]*models.Event, error) {
	f.mu.Lock()
	call := len(f.WindowCalls)
	f.WindowCalls = append(f.WindowCalls, models.ChunkWindow{Start: start, End: end, Index: call})
	hook := f.WindowErr
	onFetch := f.OnFetch

	var err error
	if hook != nil {
		err = hook(call, start, end)
	}
	var out []*models.Event
	if err == nil {
		for _, ev := range f.Events {
			if inRange(ev, start, end, minMagnitude, maxMagnitude) {
				c := *ev
				out = append(out, &c)
			}
		}
	}
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if onFetch != nil {
		onFetch(call)
	}
	return out, nil
}

// FetchCount counts events matching the filter
func (f *FakeFeed) FetchCount(_ context.Context, start, end time.Time, minMagnitude float64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CountCalls++
	if f.CountErr != nil {
		return 0, f.CountErr
	}
	if f.CountOverride != nil {
		return f.CountOverride(start, end, minMagnitude), nil
	}
	var n int64
	for _, ev := range f.Events {
		if inRange(ev, start, end, minMagnitude, nil) {
			n++
		}
	}
	return n, nil
}

// Windows returns the windows requested so far
func (f *FakeFeed) Windows() []models.ChunkWindow {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ChunkWindow, len(f.WindowCalls))
	copy(out, f.WindowCalls)
	return out
}

// MemoryEventStore is an in-memory record store keyed by (source, externalId)
type MemoryEventStore struct {
	mu     sync.Mutex
	events map[string]*models.Event
	nextID int64

	UpsertErr   error
	CountErr    error
	UpsertCalls int
}

// NewMemoryEventStore creates an empty store
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string]*models.Event)}
}

// Upsert inserts or overwrites mutable fields, preserving identity, origin and creation time
func (s *MemoryEventStore) Upsert(_ context.Context, events []*models.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpsertCalls++
	if s.UpsertErr != nil {
		return 0, s.UpsertErr
	}

	now := time.Now().UTC()
	for _, ev := range events {
		c := *ev
		if existing, ok := s.events[ev.Key()]; ok {
			c.ID = existing.ID
			c.Time = existing.Time
			c.Latitude = existing.Latitude
			c.Longitude = existing.Longitude
			c.Depth = existing.Depth
			c.Tsunami = existing.Tsunami
			c.CreatedAt = existing.CreatedAt
			c.IsCanonical = existing.IsCanonical
			c.CanonicalEventID = existing.CanonicalEventID
		} else {
			s.nextID++
			c.ID = s.nextID
			c.CreatedAt = now
		}
		c.UpdatedAt = now
		s.events[ev.Key()] = &c
	}
	return int64(len(events)), nil
}

// CountInRange counts stored events in [start, end] at or above minMagnitude
func (s *MemoryEventStore) CountInRange(_ context.Context, start, end time.Time, minMagnitude float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CountErr != nil {
		return 0, s.CountErr
	}
	var n int64
	for _, ev := range s.events {
		if inRange(ev, start, end, minMagnitude, nil) {
			n++
		}
	}
	return n, nil
}

// TotalCount returns the number of stored events
func (s *MemoryEventStore) TotalCount(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.events)), nil
}

// Extent returns the oldest and newest event time
func (s *MemoryEventStore) Extent(_ context.Context) (*models.EventExtent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var extent models.EventExtent
	for _, ev := range s.events {
		t := ev.Time
		if extent.Oldest == nil || t.Before(*extent.Oldest) {
			extent.Oldest = &t
		}
		if extent.Newest == nil || t.After(*extent.Newest) {
			n := t
			extent.Newest = &n
		}
	}
	return &extent, nil
}

// CountsByMagnitudeFloor groups stored events by floor(magnitude)
func (s *MemoryEventStore) CountsByMagnitudeFloor(_ context.Context) ([]models.MagnitudeBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[int]int64{}
	for _, ev := range s.events {
		counts[int(math.Floor(ev.Magnitude))]++
	}
	buckets := make([]models.MagnitudeBucket, 0, len(counts))
	for floor, n := range counts {
		buckets = append(buckets, models.MagnitudeBucket{Floor: floor, Count: n})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Floor < buckets[j].Floor })
	return buckets, nil
}

// List returns events matching the query ordered by time
func (s *MemoryEventStore) List(_ context.Context, q models.EventQuery) ([]*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Event
	for _, ev := range s.events {
		if inRange(ev, q.Start, q.End, q.MinMagnitude, q.MaxMagnitude) && q.Region.Contains(ev.Latitude, ev.Longitude) {
			c := *ev
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Get returns a stored event by key
func (s *MemoryEventStore) Get(source, externalID string) (*models.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[source+":"+externalID]
	if !ok {
		return nil, false
	}
	c := *ev
	return &c, true
}

// Len returns the number of stored events
func (s *MemoryEventStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// MemorySyncLog is an in-memory append-only sync audit log
type MemorySyncLog struct {
	mu      sync.Mutex
	Entries []*models.SyncStatus
	nextID  int64
}

// NewMemorySyncLog creates an empty log
func NewMemorySyncLog() *MemorySyncLog {
	return &MemorySyncLog{}
}

// Append records an entry
func (l *MemorySyncLog) Append(_ context.Context, entry *models.SyncStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	entry.ID = l.nextID
	entry.CreatedAt = time.Now().UTC()
	c := *entry
	l.Entries = append(l.Entries, &c)
	return nil
}

// Latest returns the newest entry for source
func (l *MemorySyncLog) Latest(ctx context.Context, source string) (*models.SyncStatus, error) {
	recent, _ := l.Recent(ctx, source, 1)
	if len(recent) == 0 {
		return nil, nil
	}
	return recent[0], nil
}

// Recent returns up to limit entries for source, newest first
func (l *MemorySyncLog) Recent(_ context.Context, source string, limit int) ([]*models.SyncStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []*models.SyncStatus{}
	for i := len(l.Entries) - 1; i >= 0 && len(out) < limit; i-- {
		if l.Entries[i].Source == source {
			c := *l.Entries[i]
			out = append(out, &c)
		}
	}
	return out, nil
}

// Snapshot returns a copy of all entries in append order
func (l *MemorySyncLog) Snapshot() []models.SyncStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.SyncStatus, len(l.Entries))
	for i, e := range l.Entries {
		out[i] = *e
	}
	return out
}

func inRange(ev *models.Event, start, end time.Time, minMagnitude float64, maxMagnitude *float64) bool {
	if ev.Time.Before(start) || ev.Time.After(end) {
		return false
	}
	if ev.Magnitude < minMagnitude {
		return false
	}
	return maxMagnitude == nil || ev.Magnitude <= *maxMagnitude
}
