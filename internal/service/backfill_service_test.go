package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quake-mirror/internal/config"
	apperrors "github.com/quake-mirror/internal/errors"
	"github.com/quake-mirror/internal/models"
	"github.com/quake-mirror/internal/testutil"
	"github.com/quake-mirror/internal/types"
)

var testBackfillDefaults = config.BackfillConfig{
	MinMagnitude: 2.5,
	ChunkDays:    30,
	Delay:        0,
}

func floatPtr(v float64) *float64 { return &v }

func durationPtr(d time.Duration) *time.Duration { return &d }

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type backfillFixture struct {
	feed    *testutil.FakeFeed
	store   *testutil.MemoryEventStore
	syncLog *testutil.MemorySyncLog
	engine  *BackfillEngine
}

func newBackfillFixture(events ...*models.Event) *backfillFixture {
	f := &backfillFixture{
		feed:    testutil.NewFakeFeed(events...),
		store:   testutil.NewMemoryEventStore(),
		syncLog: testutil.NewMemorySyncLog(),
	}
	f.engine = NewBackfillEngine(NewIngestor(f.feed, f.store, f.syncLog, nil, nil), testBackfillDefaults, time.Second)
	return f
}

func waitForRun(t *testing.T, run *BackfillRun) models.SeedingProgress {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	progress, err := run.Wait(ctx)
	require.NoError(t, err, "backfill did not finish in time")
	return progress
}

func TestBackfill_SingleChunkEndToEnd(t *testing.T) {
	f := newBackfillFixture(
		testEvent("big", day(2020, 1, 3).Add(4*time.Hour), 6.4),
		testEvent("small", day(2020, 1, 4), 4.0),
	)

	run, err := f.engine.Start(context.Background(), BackfillRequest{
		Start:        day(2020, 1, 1),
		End:          day(2020, 1, 10),
		MinMagnitude: floatPtr(6.0),
		ChunkDays:    30,
		Delay:        durationPtr(0),
	})
	require.NoError(t, err)

	chunks := run.Chunks()
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Start.Equal(day(2020, 1, 1)))
	assert.True(t, chunks[0].End.Equal(day(2020, 1, 10)))
	assert.Equal(t, 30, run.Params().ChunkDays)

	progress := waitForRun(t, run)
	assert.Equal(t, types.BackfillCompleted, progress.State)
	assert.False(t, progress.IsSeeding)
	assert.False(t, progress.Cancelled)
	assert.Equal(t, 1, progress.TotalChunks)
	assert.Equal(t, 1, progress.CompletedChunks)
	assert.Equal(t, int64(1), progress.TotalEventsFetched)
	assert.Nil(t, progress.Error)
	assert.NotNil(t, progress.FinishedAt)

	assert.Equal(t, 1, f.store.Len())
	_, ok := f.store.Get(types.SourceUSGS, "big")
	assert.True(t, ok)
}

func TestBackfill_ChunkDaysClampedByMagnitude(t *testing.T) {
	f := newBackfillFixture()
	params, err := f.engine.ResolveParams(BackfillRequest{
		Start:        day(2020, 1, 1),
		End:          day(2020, 3, 1),
		MinMagnitude: floatPtr(2.5),
		ChunkDays:    365,
	})
	require.NoError(t, err)
	assert.Equal(t, 365, params.RequestedChunkDays)
	assert.Equal(t, 30, params.ChunkDays)
}

func TestBackfill_CancelAfterChunkK(t *testing.T) {
	const total, k = 5, 2

	var events []*models.Event
	for i := 0; i < total; i++ {
		events = append(events, testEvent(string(rune('a'+i)), day(2020, 1, 1+2*i).Add(12*time.Hour), 6.2))
	}
	f := newBackfillFixture(events...)
	f.feed.OnFetch = func(call int) {
		if call == k-1 {
			f.engine.Cancel()
		}
	}

	run, err := f.engine.Start(context.Background(), BackfillRequest{
		Start:        day(2020, 1, 1),
		End:          day(2020, 1, 11),
		MinMagnitude: floatPtr(6.0),
		ChunkDays:    2,
		Delay:        durationPtr(0),
	})
	require.NoError(t, err)
	require.Len(t, run.Chunks(), total)

	progress := waitForRun(t, run)
	assert.Equal(t, types.BackfillCancelled, progress.State)
	assert.Equal(t, k, progress.CompletedChunks)
	assert.True(t, progress.Cancelled)
	assert.False(t, progress.IsSeeding)
	assert.Nil(t, progress.CurrentChunk)

	assert.Equal(t, k, f.store.Len())
	assert.Len(t, f.feed.Windows(), k)
	assert.Len(t, f.syncLog.Snapshot(), k)
}

func TestBackfill_CancelDuringDelay(t *testing.T) {
	f := newBackfillFixture()
	run, err := f.engine.Start(context.Background(), BackfillRequest{
		Start:        day(2020, 1, 1),
		End:          day(2020, 1, 11),
		MinMagnitude: floatPtr(6.0),
		ChunkDays:    2,
		Delay:        durationPtr(time.Hour),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return run.Progress().CompletedChunks == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.True(t, f.engine.Cancel())

	progress := waitForRun(t, run)
	assert.Equal(t, types.BackfillCancelled, progress.State)
	assert.Equal(t, 1, progress.CompletedChunks)
	assert.False(t, f.engine.Cancel())
}

func TestBackfill_ChunkErrorDoesNotStopRun(t *testing.T) {
	f := newBackfillFixture(testEvent("late", day(2020, 1, 10), 6.1))
	f.feed.WindowErr = func(call int, _, _ time.Time) error {
		if call == 1 {
			return errors.New("HTTP error: 500 - boom")
		}
		return nil
	}

	run, err := f.engine.Start(context.Background(), BackfillRequest{
		Start:        day(2020, 1, 1),
		End:          day(2020, 1, 13),
		MinMagnitude: floatPtr(6.0),
		ChunkDays:    4,
		Delay:        durationPtr(0),
	})
	require.NoError(t, err)

	progress := waitForRun(t, run)
	assert.Equal(t, types.BackfillCompleted, progress.State)
	assert.Equal(t, 3, progress.CompletedChunks)
	require.NotNil(t, progress.Error)
	assert.Contains(t, *progress.Error, "500")
	assert.Equal(t, 1, f.store.Len())

	var failures int
	for _, e := range f.syncLog.Snapshot() {
		if e.Status == types.SyncError {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

type blockingIngestor struct {
	release chan struct{}
}

func (b *blockingIngestor) Ingest(ctx context.Context, _ IngestRequest) (*IngestResult, error) {
	<-b.release
	return &IngestResult{}, nil
}

func TestBackfill_SecondStartConflicts(t *testing.T) {
	blocker := &blockingIngestor{release: make(chan struct{})}
	engine := NewBackfillEngine(blocker, testBackfillDefaults, 0)

	req := BackfillRequest{Start: day(2020, 1, 1), End: day(2020, 1, 3), MinMagnitude: floatPtr(6)}
	first, err := engine.Start(context.Background(), req)
	require.NoError(t, err)

	_, err = engine.Start(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeBackfillInProgress))
	assert.Equal(t, 409, apperrors.GetHTTPStatusCode(err))

	close(blocker.release)
	waitForRun(t, first)

	second, err := engine.Start(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())
	waitForRun(t, second)
}

func TestBackfill_RunSurvivesRequestContext(t *testing.T) {
	f := newBackfillFixture()
	ctx, cancel := context.WithCancel(context.Background())

	run, err := f.engine.Start(ctx, BackfillRequest{
		Start:        day(2020, 1, 1),
		End:          day(2020, 1, 5),
		MinMagnitude: floatPtr(6),
		ChunkDays:    1,
	})
	require.NoError(t, err)
	cancel()

	progress := waitForRun(t, run)
	assert.Equal(t, types.BackfillCompleted, progress.State)
	assert.Equal(t, 4, progress.CompletedChunks)
}

type panickingIngestor struct{}

func (panickingIngestor) Ingest(context.Context, IngestRequest) (*IngestResult, error) {
	panic("unexpected nil")
}

func TestBackfill_PanicMarksRunFailed(t *testing.T) {
	engine := NewBackfillEngine(panickingIngestor{}, testBackfillDefaults, 0)
	run, err := engine.Start(context.Background(), BackfillRequest{
		Start:        day(2020, 1, 1),
		End:          day(2020, 1, 2),
		MinMagnitude: floatPtr(6),
	})
	require.NoError(t, err)

	progress := waitForRun(t, run)
	assert.Equal(t, types.BackfillFailed, progress.State)
	assert.False(t, progress.IsSeeding)
	require.NotNil(t, progress.Error)
	assert.Contains(t, *progress.Error, "unexpected nil")
}

func TestBackfill_Validation(t *testing.T) {
	engine := NewBackfillEngine(panickingIngestor{}, testBackfillDefaults, 0)

	tests := []struct {
		name string
		req  BackfillRequest
		code string
	}{
		{
			name: "magnitude below supported range",
			req:  BackfillRequest{Start: day(2020, 1, 1), End: day(2020, 2, 1), MinMagnitude: floatPtr(-3)},
			code: apperrors.CodeInvalidParameter,
		},
		{
			name: "start equals end",
			req:  BackfillRequest{Start: day(2020, 1, 1), End: day(2020, 1, 1)},
			code: apperrors.CodeInvalidRange,
		},
		{
			name: "start after end",
			req:  BackfillRequest{Start: day(2020, 2, 1), End: day(2020, 1, 1)},
			code: apperrors.CodeInvalidRange,
		},
		{
			name: "negative chunk days",
			req:  BackfillRequest{Start: day(2020, 1, 1), End: day(2020, 2, 1), ChunkDays: -1},
			code: apperrors.CodeInvalidParameter,
		},
		{
			name: "negative delay",
			req:  BackfillRequest{Start: day(2020, 1, 1), End: day(2020, 2, 1), Delay: durationPtr(-time.Second)},
			code: apperrors.CodeInvalidParameter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Start(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, tt.code), "got %v", err)
			assert.True(t, apperrors.IsUserError(err))
		})
	}
	assert.Nil(t, engine.Current())
}

func TestBackfill_Defaults(t *testing.T) {
	engine := NewBackfillEngine(panickingIngestor{}, testBackfillDefaults, 0)
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return fixed }

	params, err := engine.ResolveParams(BackfillRequest{End: fixed.Add(48 * time.Hour)})
	require.NoError(t, err)
	assert.True(t, params.End.Equal(fixed), "end clamps to now")
	assert.True(t, params.Start.Equal(fixed.AddDate(-1, 0, 0)))
	assert.Equal(t, 2.5, params.MinMagnitude)
	assert.Equal(t, 30, params.ChunkDays)
}

func TestBackfill_IdleProgress(t *testing.T) {
	engine := NewBackfillEngine(panickingIngestor{}, testBackfillDefaults, 0)
	progress := engine.Progress()
	assert.Equal(t, types.BackfillIdle, progress.State)
	assert.False(t, progress.IsSeeding)
	assert.False(t, engine.Cancel())
}
