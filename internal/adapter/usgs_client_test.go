package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quake-mirror/internal/config"
	"github.com/quake-mirror/internal/errors"
	"github.com/quake-mirror/internal/ratelimit"
	"github.com/quake-mirror/internal/types"
)

const sampleCollection = `{
  "type": "FeatureCollection",
  "metadata": {"count": 3},
  "features": [
    {
      "id": "us7000abcd",
      "properties": {"mag": 4.6, "magType": "mb", "place": "10 km S of Somewhere", "time": 1704067200000,
                     "status": "reviewed", "tsunami": 1, "felt": 12, "cdi": 3.4, "mmi": 4.1, "alert": "green"},
      "geometry": {"type": "Point", "coordinates": [-117.5, 35.7, 8.2]}
    },
    {
      "id": "ci40000001",
      "properties": {"mag": null, "place": "unknown", "time": 1704067300000, "status": "automatic", "tsunami": 0},
      "geometry": {"type": "Point", "coordinates": [-118.0, 34.0, 5.0]}
    },
    {
      "id": "nc73000001",
      "properties": {"mag": 2.7, "magType": "md", "place": null, "time": 1704070800000,
                     "status": "automatic", "tsunami": 0, "felt": null, "cdi": null, "mmi": null, "alert": null},
      "geometry": {"type": "Point", "coordinates": [-122.8, 38.8, null]}
    }
  ]
}`

func testConfig(baseURL string) config.UpstreamConfig {
	return config.UpstreamConfig{
		BaseURL:           baseURL,
		Timeout:           2 * time.Second,
		RequestsPerSecond: 1000,
		BreakerFailures:   3,
		BreakerCooldown:   time.Minute,
	}
}

func TestFetchWindow_ParsesFeatures(t *testing.T) {
	var gotQuery map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/query", r.URL.Path)
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleCollection))
	}))
	defer server.Close()

	client := NewUSGSClient(testConfig(server.URL))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	maxMag := 8.0

	events, err := client.FetchWindow(context.Background(), start, end, 2.5, &maxMag)
	require.NoError(t, err)

	assert.Equal(t, "geojson", gotQuery["format"])
	assert.Equal(t, "2024-01-01T00:00:00.000", gotQuery["starttime"])
	assert.Equal(t, "2024-01-02T00:00:00.000", gotQuery["endtime"])
	assert.Equal(t, "2.5", gotQuery["minmagnitude"])
	assert.Equal(t, "8", gotQuery["maxmagnitude"])
	assert.Equal(t, "time", gotQuery["orderby"])

	// the feature without a magnitude is dropped
	require.Len(t, events, 2)

	first := events[0]
	assert.Equal(t, types.SourceUSGS, first.Source)
	assert.Equal(t, "us7000abcd", first.ExternalID)
	assert.True(t, first.Time.Equal(start))
	assert.Equal(t, 35.7, first.Latitude)
	assert.Equal(t, -117.5, first.Longitude)
	require.NotNil(t, first.Depth)
	assert.Equal(t, 8.2, *first.Depth)
	assert.True(t, first.Tsunami)
	require.NotNil(t, first.Alert)
	assert.Equal(t, types.AlertGreen, *first.Alert)
	assert.Equal(t, types.EventStatusReviewed, first.Status)
	assert.True(t, first.IsCanonical)

	second := events[1]
	assert.Nil(t, second.Depth)
	assert.Nil(t, second.Alert)
	assert.Empty(t, second.Place)
	assert.False(t, second.Tsunami)
}

func TestFetchWindow_OmitsMaxMagnitudeWhenUnset(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, has := r.URL.Query()["maxmagnitude"]
		assert.False(t, has)
		_, _ = w.Write([]byte(`{"type":"FeatureCollection","features":[]}`))
	}))
	defer server.Close()

	events, err := NewUSGSClient(testConfig(server.URL)).FetchWindow(context.Background(), time.Now().Add(-time.Hour), time.Now(), 1, nil)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFetchWindow_NoContentIsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	events, err := NewUSGSClient(testConfig(server.URL)).FetchWindow(context.Background(), time.Now().Add(-time.Hour), time.Now(), 1, nil)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFetchWindow_Non2xxIsUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request: too many results", http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := NewUSGSClient(testConfig(server.URL)).FetchWindow(context.Background(), time.Now().Add(-time.Hour), time.Now(), 1, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeUpstreamError))
	assert.Contains(t, err.Error(), "400")
}

func TestFetchWindow_MalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer server.Close()

	_, err := NewUSGSClient(testConfig(server.URL)).FetchWindow(context.Background(), time.Now().Add(-time.Hour), time.Now(), 1, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestFetchWindow_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.Timeout = 50 * time.Millisecond

	_, err := NewUSGSClient(cfg).FetchWindow(context.Background(), time.Now().Add(-time.Hour), time.Now(), 1, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeUpstreamTimeout))
}

func TestFetchCount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/count", r.URL.Path)
		assert.Equal(t, "4.5", r.URL.Query().Get("minmagnitude"))
		_, _ = w.Write([]byte(`{"count": 1234, "maxAllowed": 20000}`))
	}))
	defer server.Close()

	count, err := NewUSGSClient(testConfig(server.URL)).FetchCount(context.Background(), time.Now().Add(-24*time.Hour), time.Now(), 4.5)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), count)
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewUSGSClient(testConfig(server.URL))
	for i := 0; i < 5; i++ {
		_, _ = client.FetchCount(context.Background(), time.Now().Add(-time.Hour), time.Now(), 1)
	}

	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

type recordingBudget struct {
	priorities []ratelimit.Priority
	err        error
}

func (b *recordingBudget) Wait(_ context.Context, p ratelimit.Priority) error {
	b.priorities = append(b.priorities, p)
	return b.err
}

func TestSharedBudgetUsesContextPriority(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"count": 7}`))
	}))
	defer server.Close()

	budget := &recordingBudget{}
	client := NewUSGSClient(testConfig(server.URL)).WithBudget(budget)

	_, err := client.FetchCount(context.Background(), time.Now().Add(-time.Hour), time.Now(), 1)
	require.NoError(t, err)
	_, err = client.FetchCount(ratelimit.WithPriority(context.Background(), ratelimit.PriorityHigh), time.Now().Add(-time.Hour), time.Now(), 1)
	require.NoError(t, err)

	assert.Equal(t, []ratelimit.Priority{ratelimit.PriorityLow, ratelimit.PriorityHigh}, budget.priorities)
}

func TestSharedBudgetErrorIsUpstreamError(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	client := NewUSGSClient(testConfig(server.URL)).WithBudget(&recordingBudget{err: context.DeadlineExceeded})
	_, err := client.FetchCount(context.Background(), time.Now().Add(-time.Hour), time.Now(), 1)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeUpstreamError))
	assert.Equal(t, int32(0), atomic.LoadInt32(&hits))
}
