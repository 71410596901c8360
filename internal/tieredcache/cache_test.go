package tieredcache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quake-mirror/internal/models"
	"github.com/quake-mirror/internal/types"
)

var backends = []struct {
	name string
	new  func(t *testing.T) Backend
}{
	{"memory", func(t *testing.T) Backend { return NewMemoryBackend() }},
	{"redis", func(t *testing.T) Backend {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		t.Cleanup(mr.Close)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewRedisBackend(client, "")
	}},
}

// forEachBackend runs fn against every backend implementation
func forEachBackend(t *testing.T, fn func(t *testing.T, c *Cache, b Backend, clock *time.Time)) {
	for _, bk := range backends {
		t.Run(bk.name, func(t *testing.T) {
			b := bk.new(t)
			c := New(b, DefaultOptions())
			clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
			c.SetClock(func() time.Time { return clock })
			fn(t, c, b, &clock)
		})
	}
}

func event(id string, at time.Time, mag float64) models.Event {
	return models.Event{
		Source:     types.SourceUSGS,
		ExternalID: id,
		Time:       at,
		Latitude:   37.2,
		Longitude:  -121.9,
		Magnitude:  mag,
	}
}

func utcDay(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestQuery_CoveringRangeHit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c *Cache, _ Backend, _ *time.Time) {
		ctx := context.Background()
		day := utcDay(2024, 1, 1)

		err := c.Store(ctx, []models.Event{
			event("a", day.Add(1*time.Hour), 2.5),
			event("b", day.Add(2*time.Hour), 3.5),
			event("c", day.Add(3*time.Hour), 7.9),
			event("d", day.Add(4*time.Hour), 9.0),
		}, StoreOptions{Range: MagnitudeRange{Min: 2, Max: 10}, Region: types.RegionUS})
		require.NoError(t, err)

		res, err := c.Query(ctx, day, day, MagnitudeRange{Min: 3, Max: 8}, types.RegionUS)
		require.NoError(t, err)

		assert.True(t, res.IsComplete)
		assert.Equal(t, []string{"2024-01-01"}, res.CachedDays)
		assert.Empty(t, res.StaleDays)
		require.Len(t, res.Records, 2)
		assert.Equal(t, "b", res.Records[0].ExternalID)
		assert.Equal(t, "c", res.Records[1].ExternalID)
	})
}

func TestQuery_NarrowerStoredRangeIsAMiss(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c *Cache, _ Backend, _ *time.Time) {
		ctx := context.Background()
		day := utcDay(2024, 1, 1)
		require.NoError(t, c.Store(ctx, []models.Event{event("a", day, 4)},
			StoreOptions{Range: MagnitudeRange{Min: 3, Max: 8}, Region: types.RegionUS}))

		res, err := c.Query(ctx, day, day, MagnitudeRange{Min: 2, Max: 8}, types.RegionUS)
		require.NoError(t, err)
		assert.False(t, res.IsComplete)
		assert.Equal(t, []string{"2024-01-01"}, res.StaleDays)
		assert.Empty(t, res.Records)

		res, err = c.Query(ctx, day, day, MagnitudeRange{Min: 3, Max: 8}, types.RegionWorldwide)
		require.NoError(t, err)
		assert.Equal(t, []string{"2024-01-01"}, res.StaleDays, "regions are tracked independently")
	})
}

func TestQuery_PartialRange(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c *Cache, _ Backend, _ *time.Time) {
		ctx := context.Background()
		rng := MagnitudeRange{Min: 2.5, Max: 10}
		require.NoError(t, c.Store(ctx, []models.Event{event("a", utcDay(2024, 1, 2).Add(time.Hour), 5)},
			StoreOptions{Range: rng, Region: types.RegionWorldwide}))

		res, err := c.Query(ctx, utcDay(2024, 1, 1), utcDay(2024, 1, 3).Add(5*time.Hour), rng, types.RegionWorldwide)
		require.NoError(t, err)
		assert.Equal(t, []string{"2024-01-02"}, res.CachedDays)
		assert.Equal(t, []string{"2024-01-01", "2024-01-03"}, res.StaleDays)
		assert.False(t, res.IsComplete)
		assert.Len(t, res.Records, 1)
	})
}

func TestStore_SpanRecordsEmptyDays(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c *Cache, b Backend, _ *time.Time) {
		ctx := context.Background()
		rng := MagnitudeRange{Min: 6, Max: 10}
		require.NoError(t, c.Store(ctx, nil, StoreOptions{
			Range:     rng,
			Region:    types.RegionWorldwide,
			SpanStart: utcDay(2024, 1, 1),
			SpanEnd:   utcDay(2024, 1, 3),
		}))

		res, err := c.Query(ctx, utcDay(2024, 1, 1), utcDay(2024, 1, 3), rng, types.RegionWorldwide)
		require.NoError(t, err)
		assert.True(t, res.IsComplete)
		assert.Len(t, res.CachedDays, 3)
		assert.Empty(t, res.Records)

		metas, err := b.DayMetas(ctx, "2024-01-02")
		require.NoError(t, err)
		require.Len(t, metas, 1)
		assert.Equal(t, 0, metas[0].Count)
	})
}

func TestStore_UpsertsByEventID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c *Cache, _ Backend, _ *time.Time) {
		ctx := context.Background()
		day := utcDay(2024, 1, 1)
		opts := StoreOptions{Range: MagnitudeRange{Min: 0, Max: 10}, Region: types.RegionWorldwide}

		require.NoError(t, c.Store(ctx, []models.Event{event("a", day, 4.0)}, opts))
		require.NoError(t, c.Store(ctx, []models.Event{event("a", day, 4.4)}, opts))

		res, err := c.Query(ctx, day, day, opts.Range, opts.Region)
		require.NoError(t, err)
		require.Len(t, res.Records, 1)
		assert.Equal(t, 4.4, res.Records[0].Magnitude)
	})
}

func TestStaleness(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c *Cache, _ Backend, clock *time.Time) {
		now := *clock
		rng := MagnitudeRange{Min: 2.5, Max: 10}

		old := now.AddDate(0, 0, -40).Format(types.DateLayout)
		recent := now.AddDate(0, 0, -3).Format(types.DateLayout)

		assert.True(t, c.IsHistorical(old))
		assert.False(t, c.IsHistorical(recent))

		assert.False(t, c.IsStale(DailyMeta{Day: old, Region: types.RegionUS, MinMagnitude: rng.Min, MaxMagnitude: rng.Max, FetchedAt: now.AddDate(0, 0, -100)}))
		assert.False(t, c.IsStale(DailyMeta{Day: recent, FetchedAt: now.Add(-2 * time.Hour)}))
		assert.True(t, c.IsStale(DailyMeta{Day: recent, FetchedAt: now.Add(-30 * time.Hour)}))
	})
}

func TestQuery_StaleRecentDay(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c *Cache, _ Backend, clock *time.Time) {
		ctx := context.Background()
		rng := MagnitudeRange{Min: 2.5, Max: 10}
		recent := clock.AddDate(0, 0, -3)
		historical := clock.AddDate(0, 0, -60)

		require.NoError(t, c.Store(ctx, []models.Event{event("r", recent, 3), event("h", historical, 3)},
			StoreOptions{Range: rng, Region: types.RegionWorldwide}))

		*clock = clock.Add(30 * time.Hour)

		res, err := c.Query(ctx, historical, historical, rng, types.RegionWorldwide)
		require.NoError(t, err)
		assert.True(t, res.IsComplete)

		res, err = c.Query(ctx, recent, recent, rng, types.RegionWorldwide)
		require.NoError(t, err)
		assert.Equal(t, []string{recent.Format(types.DateLayout)}, res.StaleDays)
	})
}

func TestClearStale(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c *Cache, b Backend, clock *time.Time) {
		ctx := context.Background()
		rng := MagnitudeRange{Min: 2.5, Max: 10}
		recent := clock.AddDate(0, 0, -3)
		historical := clock.AddDate(0, 0, -60)

		require.NoError(t, c.Store(ctx, []models.Event{event("r", recent, 3), event("h", historical, 3)},
			StoreOptions{Range: rng, Region: types.RegionWorldwide}))

		*clock = clock.Add(30 * time.Hour)
		fresh := clock.AddDate(0, 0, -1)
		require.NoError(t, c.Store(ctx, []models.Event{event("f", fresh, 4)},
			StoreOptions{Range: rng, Region: types.RegionWorldwide}))

		removed, err := c.ClearStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		days, err := b.Days(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{historical.Format(types.DateLayout), fresh.Format(types.DateLayout)}, days)

		info, err := c.Info(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, info.TotalEvents)
	})
}

func TestClearStale_KeepsRecordsBackedByFreshMeta(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c *Cache, b Backend, clock *time.Time) {
		ctx := context.Background()
		day := clock.AddDate(0, 0, -2)
		key := day.Format(types.DateLayout)

		require.NoError(t, c.Store(ctx, []models.Event{event("a", day, 3)},
			StoreOptions{Range: MagnitudeRange{Min: 2, Max: 10}, Region: types.RegionUS}))
		*clock = clock.Add(30 * time.Hour)
		require.NoError(t, c.Store(ctx, []models.Event{event("a", day, 3)},
			StoreOptions{Range: MagnitudeRange{Min: 2.5, Max: 10}, Region: types.RegionUS}))

		removed, err := c.ClearStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		records, err := b.DayRecords(ctx, key)
		require.NoError(t, err)
		assert.Len(t, records, 1)
		metas, err := b.DayMetas(ctx, key)
		require.NoError(t, err)
		require.Len(t, metas, 1)
		assert.Equal(t, 2.5, metas[0].MinMagnitude)
	})
}

func TestCheckIntegrity(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c *Cache, b Backend, _ *time.Time) {
		ctx := context.Background()
		rng := MagnitudeRange{Min: 2, Max: 10}
		day := utcDay(2024, 1, 1)

		require.NoError(t, c.Store(ctx, []models.Event{event("a", day, 3), event("b", day, 4)},
			StoreOptions{Range: rng, Region: types.RegionUS}))

		report, err := c.CheckIntegrity(ctx)
		require.NoError(t, err)
		assert.True(t, report.Healthy)
		assert.Empty(t, report.Issues)
		assert.Empty(t, report.Suggestion)

		// orphaned day: records remain after their metadata is gone
		orphan := "2024-01-05"
		require.NoError(t, b.PutDay(ctx, orphan,
			[]CacheEntry{{Event: event("o", utcDay(2024, 1, 5), 3), Day: orphan, Region: types.RegionUS}},
			DailyMeta{Day: orphan, Region: types.RegionUS, MinMagnitude: 2, MaxMagnitude: 10, Count: 1}))
		require.NoError(t, b.DeleteMetas(ctx, orphan, []DailyMeta{{Day: orphan, Region: types.RegionUS, MinMagnitude: 2, MaxMagnitude: 10}}))

		// count drift beyond tolerance
		drift := "2024-01-06"
		require.NoError(t, b.PutDay(ctx, drift, nil,
			DailyMeta{Day: drift, Region: types.RegionUS, MinMagnitude: 2, MaxMagnitude: 10, Count: 50}))

		report, err = c.CheckIntegrity(ctx)
		require.NoError(t, err)
		assert.False(t, report.Healthy)
		assert.Len(t, report.Issues, 2)
		assert.NotEmpty(t, report.Suggestion)
	})
}

func TestCheckIntegrity_UntaggedRecords(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c *Cache, b Backend, _ *time.Time) {
		ctx := context.Background()
		day := "2024-01-01"
		require.NoError(t, b.PutDay(ctx, day,
			[]CacheEntry{{Event: event("legacy", utcDay(2024, 1, 1), 3), Day: day}},
			DailyMeta{Day: day, MinMagnitude: 2, MaxMagnitude: 10, Count: 1}))

		report, err := c.CheckIntegrity(ctx)
		require.NoError(t, err)
		assert.False(t, report.Healthy)
		require.Len(t, report.Issues, 1)
		assert.Contains(t, report.Issues[0], "no region tag")
		assert.Contains(t, report.Suggestion, "region")
	})
}

func TestInfoAndClear(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c *Cache, _ Backend, _ *time.Time) {
		ctx := context.Background()
		rng := MagnitudeRange{Min: 2, Max: 10}

		info, err := c.Info(ctx)
		require.NoError(t, err)
		assert.Zero(t, info.TotalEvents)
		assert.Equal(t, SchemaVersion, info.SchemaVersion)

		require.NoError(t, c.Store(ctx, []models.Event{
			event("a", utcDay(2024, 1, 3), 3),
			event("b", utcDay(2024, 1, 1), 3),
			event("c", utcDay(2024, 1, 9), 3),
		}, StoreOptions{Range: rng, Region: types.RegionWorldwide}))

		info, err = c.Info(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, info.TotalEvents)
		assert.Equal(t, "2024-01-01", info.OldestDay)
		assert.Equal(t, "2024-01-09", info.NewestDay)

		require.NoError(t, c.Clear(ctx))
		info, err = c.Info(ctx)
		require.NoError(t, err)
		assert.Zero(t, info.TotalEvents)
		assert.Empty(t, info.OldestDay)

		res, err := c.Query(ctx, utcDay(2024, 1, 1), utcDay(2024, 1, 1), rng, types.RegionWorldwide)
		require.NoError(t, err)
		assert.False(t, res.IsComplete)
	})
}

func TestRedisBackend_KeyLayout(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	c := New(NewRedisBackend(client, "quakes"), DefaultOptions())
	require.NoError(t, c.Store(ctx, []models.Event{event("a", utcDay(2024, 1, 1), 3)},
		StoreOptions{Range: MagnitudeRange{Min: 2.5, Max: 10}, Region: types.RegionUS}))

	assert.True(t, mr.Exists("quakes:info"))
	assert.Equal(t, []string{"us|a"}, client.HKeys(ctx, "quakes:rec:2024-01-01").Val())
	assert.Equal(t, []string{"us|2.5|10"}, client.HKeys(ctx, "quakes:meta:2024-01-01").Val())
	assert.Equal(t, []string{"2024-01-01"}, client.SMembers(ctx, "quakes:days").Val())
}

func TestMagnitudeRange_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	rangeGen := gopter.CombineGens(gen.Float64Range(-2, 10), gen.Float64Range(0, 5)).Map(func(v []interface{}) MagnitudeRange {
		lo := v[0].(float64)
		return MagnitudeRange{Min: lo, Max: lo + v[1].(float64)}
	})

	properties.Property("covers is reflexive", prop.ForAll(
		func(r MagnitudeRange) bool { return r.Covers(r) },
		rangeGen,
	))

	properties.Property("covers is transitive", prop.ForAll(
		func(a, b, c MagnitudeRange) bool {
			if a.Covers(b) && b.Covers(c) {
				return a.Covers(c)
			}
			return true
		},
		rangeGen, rangeGen, rangeGen,
	))

	properties.Property("a covering range contains every magnitude of the covered one", prop.ForAll(
		func(a, b MagnitudeRange, f float64) bool {
			if !a.Covers(b) {
				return true
			}
			m := b.Min + f*(b.Max-b.Min)
			return a.Contains(m)
		},
		rangeGen, rangeGen, gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

func TestQuery_CoveringHitReturnsOnlyRequestedRange(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	day := utcDay(2024, 1, 1)
	stored := MagnitudeRange{Min: -2, Max: 10}

	c := New(NewMemoryBackend(), DefaultOptions())
	c.SetClock(func() time.Time { return utcDay(2024, 3, 1) })
	var events []models.Event
	for i := 0; i < 120; i++ {
		events = append(events, event(fmt.Sprintf("e%d", i), day.Add(time.Duration(i)*time.Minute), -2+float64(i)/10))
	}
	require.NoError(t, c.Store(context.Background(), events, StoreOptions{Range: stored, Region: types.RegionUS}))

	properties.Property("records lie in the requested range and none are missed", prop.ForAll(
		func(lo, width float64) bool {
			rng := MagnitudeRange{Min: lo, Max: lo + width}
			res, err := c.Query(context.Background(), day, day, rng, types.RegionUS)
			if err != nil || !res.IsComplete {
				return false
			}
			expected := 0
			for _, ev := range events {
				if rng.Contains(ev.Magnitude) {
					expected++
				}
			}
			for _, r := range res.Records {
				if !rng.Contains(r.Magnitude) {
					return false
				}
			}
			return len(res.Records) == expected
		},
		gen.Float64Range(-2, 8),
		gen.Float64Range(0, 2),
	))

	properties.TestingRun(t)
}
