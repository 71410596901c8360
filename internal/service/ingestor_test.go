package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quake-mirror/internal/models"
	"github.com/quake-mirror/internal/notify"
	"github.com/quake-mirror/internal/testutil"
	"github.com/quake-mirror/internal/types"
)

func testEvent(id string, at time.Time, mag float64) *models.Event {
	return &models.Event{
		Source:     types.SourceUSGS,
		ExternalID: id,
		Time:       at,
		Latitude:   35.1,
		Longitude:  -118.2,
		Magnitude:  mag,
		Place:      "somewhere",
		Status:     types.EventStatusReviewed,
	}
}

type recordingMirror struct {
	mu      sync.Mutex
	batches int
	err     error
}

func (m *recordingMirror) MirrorEvents(_ context.Context, events []*models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
	return m.err
}

func TestIngestor_Success(t *testing.T) {
	day := time.Date(2020, 1, 5, 0, 0, 0, 0, time.UTC)
	feed := testutil.NewFakeFeed(
		testEvent("a", day, 6.1),
		testEvent("b", day.Add(time.Hour), 6.5),
		testEvent("small", day, 3.0),
	)
	store := testutil.NewMemoryEventStore()
	syncLog := testutil.NewMemorySyncLog()
	mirror := &recordingMirror{err: errors.New("clickhouse down")}

	var subjects []string
	var payloads []notify.IngestNotification
	pub := notify.NewPublisherWithFunc("quakes.ingested", func(subject string, data []byte) error {
		var n notify.IngestNotification
		require.NoError(t, json.Unmarshal(data, &n))
		subjects = append(subjects, subject)
		payloads = append(payloads, n)
		return nil
	})

	ing := NewIngestor(feed, store, syncLog, mirror, pub)
	res, err := ing.Ingest(context.Background(), IngestRequest{
		Start:        day,
		End:          day.AddDate(0, 0, 1),
		MinMagnitude: 6,
		Trigger:      TriggerBackfill,
	})

	require.NoError(t, err)
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, int64(2), res.Upserted)
	require.NotNil(t, res.NewestEventTime)
	assert.True(t, res.NewestEventTime.Equal(day.Add(time.Hour)))
	assert.Equal(t, 2, store.Len())

	entries := syncLog.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, types.SyncSuccess, entries[0].Status)
	assert.Equal(t, 2, entries[0].EventsSynced)
	assert.Nil(t, entries[0].ErrorMessage)

	// A mirror failure never fails the ingest
	assert.Equal(t, 1, mirror.batches)

	require.Len(t, subjects, 1)
	assert.Equal(t, "quakes.ingested.backfill", subjects[0])
	assert.Equal(t, 2, payloads[0].Fetched)
}

func TestIngestor_FetchErrorRecordsErrorEntry(t *testing.T) {
	feed := testutil.NewFakeFeed()
	feed.WindowErr = func(int, time.Time, time.Time) error { return errors.New("HTTP error: 503 - unavailable") }
	store := testutil.NewMemoryEventStore()
	syncLog := testutil.NewMemorySyncLog()

	ing := NewIngestor(feed, store, syncLog, nil, nil)
	_, err := ing.Ingest(context.Background(), IngestRequest{
		Start: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC),
	})

	require.Error(t, err)
	assert.Equal(t, 0, store.UpsertCalls)
	entries := syncLog.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, types.SyncError, entries[0].Status)
	require.NotNil(t, entries[0].ErrorMessage)
	assert.Contains(t, *entries[0].ErrorMessage, "503")
}

func TestIngestor_UpsertErrorRecordsErrorEntry(t *testing.T) {
	day := time.Date(2020, 1, 5, 0, 0, 0, 0, time.UTC)
	feed := testutil.NewFakeFeed(testEvent("a", day, 5))
	store := testutil.NewMemoryEventStore()
	store.UpsertErr = errors.New("connection reset")
	syncLog := testutil.NewMemorySyncLog()

	ing := NewIngestor(feed, store, syncLog, nil, nil)
	_, err := ing.Ingest(context.Background(), IngestRequest{Start: day, End: day.AddDate(0, 0, 1)})

	require.Error(t, err)
	entries := syncLog.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, types.SyncError, entries[0].Status)
}

func TestIngestor_EmptyWindow(t *testing.T) {
	syncLog := testutil.NewMemorySyncLog()
	mirror := &recordingMirror{}
	ing := NewIngestor(testutil.NewFakeFeed(), testutil.NewMemoryEventStore(), syncLog, mirror, nil)

	res, err := ing.Ingest(context.Background(), IngestRequest{
		Start: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC),
	})

	require.NoError(t, err)
	assert.Equal(t, 0, res.Fetched)
	assert.Nil(t, res.NewestEventTime)
	assert.Equal(t, 0, mirror.batches)
	require.Len(t, syncLog.Snapshot(), 1)
}
