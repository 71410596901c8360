// Package client is the visualization-side event fetcher. It answers from
// the tiered cache where it can and asks the server only for stale days.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/quake-mirror/internal/logging"
	"github.com/quake-mirror/internal/models"
	"github.com/quake-mirror/internal/tieredcache"
	"github.com/quake-mirror/internal/types"
)

// EventsRequest selects events for whole UTC days in [Start, End]
type EventsRequest struct {
	Start  time.Time
	End    time.Time
	Range  tieredcache.MagnitudeRange
	Region types.Region
}

// EventsResult is the merged answer of cache and server
type EventsResult struct {
	Events      []models.Event `json:"events"`
	CachedDays  []string       `json:"cachedDays"`
	FetchedDays []string       `json:"fetchedDays"`
	Requests    int            `json:"requests"`
}

// EventsClient fetches events through the tiered cache
type EventsClient struct {
	baseURL    string
	httpClient *http.Client
	cache      *tieredcache.Cache
	logger     *logging.Logger
}

// NewEventsClient creates a client for the server at baseURL
func NewEventsClient(baseURL string, cache *tieredcache.Cache, timeout time.Duration) *EventsClient {
	return &EventsClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		cache:      cache,
		logger:     logging.ForComponent("client"),
	}
}

// dayRange is a run of consecutive stale days
type dayRange struct {
	first, last time.Time
}

// Events returns the requested events, fetching only the days the cache cannot serve
func (c *EventsClient) Events(ctx context.Context, req EventsRequest) (*EventsResult, error) {
	if req.Region == "" {
		req.Region = types.RegionWorldwide
	}

	cached, err := c.cache.Query(ctx, req.Start, req.End, req.Range, req.Region)
	if err != nil {
		return nil, fmt.Errorf("cache query failed: %w", err)
	}
	if cached.IsComplete {
		return &EventsResult{Events: cached.Records, CachedDays: cached.CachedDays, FetchedDays: []string{}}, nil
	}

	ranges, err := coalesceDays(cached.StaleDays)
	if err != nil {
		return nil, err
	}

	result := &EventsResult{CachedDays: cached.CachedDays, FetchedDays: cached.StaleDays}
	for _, r := range ranges {
		events, requests, err := c.fetchRange(ctx, r, req.Range, req.Region)
		result.Requests += requests
		if err != nil {
			return nil, err
		}

		if err := c.cache.Store(ctx, events, tieredcache.StoreOptions{
			Range:     req.Range,
			Region:    req.Region,
			SpanStart: r.first,
			SpanEnd:   r.last,
		}); err != nil {
			return nil, fmt.Errorf("cache store failed: %w", err)
		}
	}

	c.logger.WithFields(logging.Fields{
		"cachedDays":  len(result.CachedDays),
		"fetchedDays": len(result.FetchedDays),
		"requests":    result.Requests,
	}).Debug("Events served")

	merged, err := c.cache.Query(ctx, req.Start, req.End, req.Range, req.Region)
	if err != nil {
		return nil, fmt.Errorf("cache query failed: %w", err)
	}
	result.Events = merged.Records
	return result, nil
}

// fetchRange pulls every event of the run, following truncated pages.
// The caller stores the run only once this returns without error.
func (c *EventsClient) fetchRange(ctx context.Context, r dayRange, rng tieredcache.MagnitudeRange, region types.Region) ([]models.Event, int, error) {
	var (
		cursor   = r.first
		end      = types.EndOfDay(r.last)
		seen     = make(map[string]struct{})
		events   []models.Event
		requests int
	)
	for {
		page, truncated, err := c.fetch(ctx, cursor, end, rng, region)
		requests++
		if err != nil {
			return nil, requests, err
		}
		for _, ev := range page {
			if _, dup := seen[ev.Key()]; dup {
				continue
			}
			seen[ev.Key()] = struct{}{}
			events = append(events, ev)
		}
		if !truncated {
			return events, requests, nil
		}

		// The next page starts at the last returned instant; events sharing it are deduplicated
		if len(page) == 0 {
			return nil, requests, fmt.Errorf("events response for %s truncated without events", cursor.Format(time.RFC3339))
		}
		last := page[len(page)-1].Time
		if !last.After(cursor) {
			return nil, requests, fmt.Errorf("more than %d events at %s, cannot page past them", len(page), last.Format(time.RFC3339Nano))
		}
		c.logger.WithFields(logging.Fields{
			"from":  cursor.Format(time.RFC3339),
			"until": last.Format(time.RFC3339),
			"count": len(page),
		}).Debug("Events page truncated, continuing")
		cursor = last
	}
}

func (c *EventsClient) fetch(ctx context.Context, start, end time.Time, rng tieredcache.MagnitudeRange, region types.Region) ([]models.Event, bool, error) {
	params := url.Values{}
	params.Set("start", start.UTC().Format(time.RFC3339Nano))
	params.Set("end", end.UTC().Format(time.RFC3339Nano))
	params.Set("minMagnitude", strconv.FormatFloat(rng.Min, 'f', -1, 64))
	params.Set("maxMagnitude", strconv.FormatFloat(rng.Max, 'f', -1, 64))
	params.Set("region", string(region))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/events?"+params.Encode(), nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, false, fmt.Errorf("events request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, false, fmt.Errorf("events request failed: HTTP %d - %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload models.EventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, false, fmt.Errorf("failed to decode events response: %w", err)
	}

	events := make([]models.Event, 0, len(payload.Events))
	for _, ev := range payload.Events {
		if ev != nil {
			events = append(events, *ev)
		}
	}
	return events, payload.Truncated, nil
}

// coalesceDays groups sorted day strings into runs of consecutive days
func coalesceDays(days []string) ([]dayRange, error) {
	var ranges []dayRange
	for _, s := range days {
		d, err := time.Parse(types.DateLayout, s)
		if err != nil {
			return nil, fmt.Errorf("invalid cache day %q: %w", s, err)
		}
		if n := len(ranges); n > 0 && ranges[n-1].last.AddDate(0, 0, 1).Equal(d) {
			ranges[n-1].last = d
			continue
		}
		ranges = append(ranges, dayRange{first: d, last: d})
	}
	return ranges, nil
}
