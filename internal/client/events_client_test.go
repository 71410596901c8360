package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quake-mirror/internal/models"
	"github.com/quake-mirror/internal/tieredcache"
	"github.com/quake-mirror/internal/types"
)

type fakeServer struct {
	mu       sync.Mutex
	events   []*models.Event
	limit    int // caps each response like the real server when set
	requests []map[string]string
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	s.requests = append(s.requests, map[string]string{
		"start":        q.Get("start"),
		"end":          q.Get("end"),
		"minMagnitude": q.Get("minMagnitude"),
		"maxMagnitude": q.Get("maxMagnitude"),
		"region":       q.Get("region"),
	})
	s.mu.Unlock()

	start, _ := time.Parse(time.RFC3339Nano, q.Get("start"))
	end, _ := time.Parse(time.RFC3339Nano, q.Get("end"))
	out := []*models.Event{}
	for _, ev := range s.events {
		if !ev.Time.Before(start) && !ev.Time.After(end) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })

	resp := models.EventsResponse{Limit: s.limit}
	if s.limit > 0 && len(out) > s.limit {
		out = out[:s.limit]
		resp.Truncated = true
	}
	resp.Events, resp.Count = out, len(out)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *fakeServer) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func at(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

func newTestClient(t *testing.T, srv *fakeServer) (*EventsClient, *tieredcache.Cache) {
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	cache := tieredcache.New(tieredcache.NewMemoryBackend(), tieredcache.DefaultOptions())
	cache.SetClock(func() time.Time { return at(2024, 6, 1, 0) })
	return NewEventsClient(ts.URL, cache, 5*time.Second), cache
}

func TestEvents_FetchesThenServesFromCache(t *testing.T) {
	srv := &fakeServer{events: []*models.Event{
		{Source: types.SourceUSGS, ExternalID: "a", Time: at(2024, 1, 1, 3), Magnitude: 4.1},
		{Source: types.SourceUSGS, ExternalID: "b", Time: at(2024, 1, 3, 9), Magnitude: 5.2},
	}}
	c, _ := newTestClient(t, srv)
	req := EventsRequest{
		Start:  at(2024, 1, 1, 0),
		End:    at(2024, 1, 3, 0),
		Range:  tieredcache.MagnitudeRange{Min: 2.5, Max: 10},
		Region: types.RegionUS,
	}

	res, err := c.Events(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, res.Events, 2)
	assert.Equal(t, 1, res.Requests, "consecutive stale days are coalesced")
	assert.Len(t, res.FetchedDays, 3)

	first := srv.requests[0]
	assert.Equal(t, "2024-01-01T00:00:00Z", first["start"])
	assert.Equal(t, "2024-01-03T23:59:59.999Z", first["end"])
	assert.Equal(t, "2.5", first["minMagnitude"])
	assert.Equal(t, "10", first["maxMagnitude"])
	assert.Equal(t, "us", first["region"])

	res, err = c.Events(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, srv.requestCount())
	assert.Len(t, res.Events, 2)
	assert.Len(t, res.CachedDays, 3)
	assert.Empty(t, res.FetchedDays)
}

func TestEvents_NarrowerQueryUsesCoveringFetch(t *testing.T) {
	srv := &fakeServer{events: []*models.Event{
		{Source: types.SourceUSGS, ExternalID: "small", Time: at(2024, 1, 1, 3), Magnitude: 2.6},
		{Source: types.SourceUSGS, ExternalID: "big", Time: at(2024, 1, 1, 4), Magnitude: 6.0},
	}}
	c, _ := newTestClient(t, srv)
	day := at(2024, 1, 1, 0)

	_, err := c.Events(context.Background(), EventsRequest{Start: day, End: day, Range: tieredcache.MagnitudeRange{Min: 2.5, Max: 10}})
	require.NoError(t, err)

	res, err := c.Events(context.Background(), EventsRequest{Start: day, End: day, Range: tieredcache.MagnitudeRange{Min: 5, Max: 7}})
	require.NoError(t, err)
	assert.Equal(t, 1, srv.requestCount())
	require.Len(t, res.Events, 1)
	assert.Equal(t, "big", res.Events[0].ExternalID)
}

func TestEvents_OnlyStaleRunsAreFetched(t *testing.T) {
	srv := &fakeServer{}
	c, cache := newTestClient(t, srv)
	rng := tieredcache.MagnitudeRange{Min: 2.5, Max: 10}

	require.NoError(t, cache.Store(context.Background(), nil, tieredcache.StoreOptions{
		Range:     rng,
		Region:    types.RegionWorldwide,
		SpanStart: at(2024, 1, 3, 0),
		SpanEnd:   at(2024, 1, 4, 0),
	}))

	res, err := c.Events(context.Background(), EventsRequest{Start: at(2024, 1, 1, 0), End: at(2024, 1, 6, 0), Range: rng})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Requests)
	assert.Equal(t, []string{"2024-01-01", "2024-01-02", "2024-01-05", "2024-01-06"}, res.FetchedDays)
	assert.Equal(t, "2024-01-05T00:00:00Z", srv.requests[1]["start"])
}

func TestEvents_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"DATABASE_ERROR"}`, http.StatusInternalServerError)
	}))
	defer ts.Close()

	cache := tieredcache.New(tieredcache.NewMemoryBackend(), tieredcache.DefaultOptions())
	c := NewEventsClient(ts.URL, cache, time.Second)

	_, err := c.Events(context.Background(), EventsRequest{
		Start: at(2024, 1, 1, 0),
		End:   at(2024, 1, 1, 0),
		Range: tieredcache.MagnitudeRange{Min: 2.5, Max: 10},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")

	info, err := cache.Info(context.Background())
	require.NoError(t, err)
	assert.Zero(t, info.TotalEvents)
}

func TestCoalesceDays(t *testing.T) {
	ranges, err := coalesceDays([]string{"2024-02-28", "2024-02-29", "2024-03-01", "2024-03-05"})
	require.NoError(t, err)
	require.Len(t, ranges, 2)
	assert.Equal(t, "2024-02-28", ranges[0].first.Format(types.DateLayout))
	assert.Equal(t, "2024-03-01", ranges[0].last.Format(types.DateLayout))
	assert.True(t, ranges[1].first.Equal(ranges[1].last))

	_, err = coalesceDays([]string{"nope"})
	assert.Error(t, err)
}

func TestEvents_FollowsTruncatedPages(t *testing.T) {
	srv := &fakeServer{limit: 3, events: []*models.Event{
		{Source: types.SourceUSGS, ExternalID: "a", Time: at(2024, 1, 1, 1), Magnitude: 3.0},
		{Source: types.SourceUSGS, ExternalID: "b", Time: at(2024, 1, 1, 2), Magnitude: 3.0},
		{Source: types.SourceUSGS, ExternalID: "c", Time: at(2024, 1, 1, 3), Magnitude: 3.0},
		{Source: types.SourceUSGS, ExternalID: "d", Time: at(2024, 1, 1, 4), Magnitude: 3.0},
		{Source: types.SourceUSGS, ExternalID: "e", Time: at(2024, 1, 2, 5), Magnitude: 5.0},
	}}
	c, _ := newTestClient(t, srv)
	req := EventsRequest{
		Start: at(2024, 1, 1, 0),
		End:   at(2024, 1, 2, 0),
		Range: tieredcache.MagnitudeRange{Min: 2.5, Max: 10},
	}

	res, err := c.Events(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Requests)
	assert.Len(t, res.Events, 5)
	assert.Equal(t, "2024-01-01T03:00:00Z", srv.requests[1]["start"], "second page resumes at the last returned event")

	// Both days are complete in the cache, including the day past the first cut-off
	res, err = c.Events(context.Background(), EventsRequest{Start: at(2024, 1, 2, 0), End: at(2024, 1, 2, 0), Range: req.Range})
	require.NoError(t, err)
	assert.Equal(t, 2, srv.requestCount())
	require.Len(t, res.Events, 1)
	assert.Equal(t, "e", res.Events[0].ExternalID)
}

func TestEvents_TruncationWithoutProgressStoresNothing(t *testing.T) {
	instant := at(2024, 1, 1, 0)
	srv := &fakeServer{limit: 2, events: []*models.Event{
		{Source: types.SourceUSGS, ExternalID: "a", Time: instant, Magnitude: 3.0},
		{Source: types.SourceUSGS, ExternalID: "b", Time: instant, Magnitude: 3.0},
		{Source: types.SourceUSGS, ExternalID: "c", Time: instant, Magnitude: 3.0},
	}}
	c, cache := newTestClient(t, srv)
	rng := tieredcache.MagnitudeRange{Min: 2.5, Max: 10}

	_, err := c.Events(context.Background(), EventsRequest{Start: instant, End: instant, Range: rng})
	require.Error(t, err)

	cached, err := cache.Query(context.Background(), instant, instant, rng, types.RegionWorldwide)
	require.NoError(t, err)
	assert.False(t, cached.IsComplete)
	assert.Equal(t, []string{"2024-01-01"}, cached.StaleDays)
}
