package adapter

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/quake-mirror/internal/circuitbreaker"
	"github.com/quake-mirror/internal/config"
	"github.com/quake-mirror/internal/errors"
	"github.com/quake-mirror/internal/logging"
	"github.com/quake-mirror/internal/metrics"
	"github.com/quake-mirror/internal/models"
	"github.com/quake-mirror/internal/ratelimit"
	"github.com/quake-mirror/internal/tracing"
	"github.com/quake-mirror/internal/types"
)

// queryTimeLayout is the ISO8601 form the FDSN service accepts; times are UTC
const queryTimeLayout = "2006-01-02T15:04:05.000"

// USGSClient fetches events from the USGS FDSN event web service
type USGSClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	budget  RequestBudget
	breaker *circuitbreaker.CircuitBreaker
	logger  *logging.Logger
}

// RequestBudget is a request allowance shared with other processes
type RequestBudget interface {
	Wait(ctx context.Context, priority ratelimit.Priority) error
}

// featureCollection is the GeoJSON response of the query endpoint
type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	ID         string            `json:"id"`
	Properties featureProperties `json:"properties"`
	Geometry   *featureGeometry  `json:"geometry"`
}

type featureProperties struct {
	Mag     *float64 `json:"mag"`
	MagType *string  `json:"magType"`
	Place   *string  `json:"place"`
	Time    *int64   `json:"time"`
	Status  string   `json:"status"`
	Tsunami int      `json:"tsunami"`
	Felt    *int     `json:"felt"`
	CDI     *float64 `json:"cdi"`
	MMI     *float64 `json:"mmi"`
	Alert   *string  `json:"alert"`
}

// featureGeometry holds [lng, lat, depth]
type featureGeometry struct {
	Coordinates []*float64 `json:"coordinates"`
}

type countResponse struct {
	Count int64 `json:"count"`
}

// NewUSGSClient creates a client paced by RequestsPerSecond and guarded by a circuit breaker
func NewUSGSClient(cfg config.UpstreamConfig) *USGSClient {
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}

	breakerCfg := circuitbreaker.DefaultConfig("usgs")
	if cfg.BreakerFailures > 0 {
		breakerCfg.MaxFailures = cfg.BreakerFailures
	}
	if cfg.BreakerCooldown > 0 {
		breakerCfg.Cooldown = cfg.BreakerCooldown
	}
	breakerCfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		metrics.CircuitBreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(string(to)))
	}

	return &USGSClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{},
		timeout: cfg.Timeout,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		breaker: circuitbreaker.NewCircuitBreaker(breakerCfg),
		logger:  logging.ForComponent("upstream"),
	}
}

// WithBudget makes every request also draw from a shared budget, using the
// priority carried by the request context
func (c *USGSClient) WithBudget(budget RequestBudget) *USGSClient {
	c.budget = budget
	return c
}

// FetchWindow retrieves one page of events for the window
func (c *USGSClient) FetchWindow(ctx context.Context, start, end time.Time, minMagnitude float64, maxMagnitude *float64) ([]*models.Event, error) {
	ctx, span := tracing.Start(ctx, "upstream.fetchWindow")
	defer span.End()
	span.SetAttributes(
		attribute.String("start", start.UTC().Format(time.RFC3339)),
		attribute.String("end", end.UTC().Format(time.RFC3339)),
		attribute.Float64("minMagnitude", minMagnitude),
	)

	params := c.filterParams(start, end, minMagnitude)
	if maxMagnitude != nil {
		params.Set("maxmagnitude", strconv.FormatFloat(*maxMagnitude, 'f', -1, 64))
	}
	params.Set("orderby", "time")

	body, err := c.get(ctx, "query", params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var fc featureCollection
	if err := json.Unmarshal(body, &fc); err != nil {
		err = errors.NewUpstreamError("fetch window", fmt.Errorf("%w: %v", ErrMalformedResponse, err))
		span.RecordError(err)
		return nil, err
	}

	events := make([]*models.Event, 0, len(fc.Features))
	dropped := 0
	for i := range fc.Features {
		if ev := convertFeature(&fc.Features[i]); ev != nil {
			events = append(events, ev)
		} else {
			dropped++
		}
	}

	if len(fc.Features) >= MaxWindowResults {
		c.logger.WithFields(logging.Fields{
			"start":    start,
			"end":      end,
			"features": len(fc.Features),
		}).Warn("Window response reached the upstream result cap, data may be truncated")
	}
	if dropped > 0 {
		c.logger.WithField("dropped", dropped).Debug("Dropped features without magnitude, time or coordinates")
	}

	span.SetAttributes(attribute.Int("events", len(events)))
	return events, nil
}

// FetchCount retrieves the number of events the feed holds for the filter
func (c *USGSClient) FetchCount(ctx context.Context, start, end time.Time, minMagnitude float64) (int64, error) {
	ctx, span := tracing.Start(ctx, "upstream.fetchCount")
	defer span.End()

	body, err := c.get(ctx, "count", c.filterParams(start, end, minMagnitude))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	var resp countResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, errors.NewUpstreamError("fetch count", fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}

	span.SetAttributes(attribute.Int64("count", resp.Count))
	return resp.Count, nil
}

func (c *USGSClient) filterParams(start, end time.Time, minMagnitude float64) url.Values {
	params := url.Values{}
	params.Set("format", "geojson")
	params.Set("starttime", start.UTC().Format(queryTimeLayout))
	params.Set("endtime", end.UTC().Format(queryTimeLayout))
	params.Set("minmagnitude", strconv.FormatFloat(minMagnitude, 'f', -1, 64))
	return params
}

// get performs one paced, breaker-protected GET bounded by the client timeout
func (c *USGSClient) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	operation := "fetch " + endpoint

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.NewUpstreamError(operation, err)
	}
	if c.budget != nil {
		if err := c.budget.Wait(ctx, ratelimit.PriorityFromContext(ctx)); err != nil {
			return nil, errors.NewUpstreamError(operation, err)
		}
	}

	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	started := time.Now()
	var body []byte
	err := c.breaker.Execute(ctx, func() error {
		var reqErr error
		body, reqErr = c.doRequest(reqCtx, c.baseURL+"/"+endpoint+"?"+params.Encode())
		return reqErr
	})
	metrics.UpstreamDuration.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())

	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(endpoint, "error").Inc()
		c.logger.WithError(err).WithField("endpoint", endpoint).Warn("Upstream request failed")

		if stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errors.NewUpstreamTimeoutError(operation, err)
		}
		return nil, errors.NewUpstreamError(operation, err)
	}

	metrics.UpstreamRequests.WithLabelValues(endpoint, "success").Inc()
	return body, nil
}

func (c *USGSClient) doRequest(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// The FDSN service answers 204 for a window with no matching events
	if resp.StatusCode == http.StatusNoContent {
		return []byte(`{"type":"FeatureCollection","features":[],"count":0}`), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body)
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, fmt.Errorf("HTTP error: %d - %s", resp.StatusCode, snippet)
	}

	return body, nil
}

// convertFeature maps a GeoJSON feature to an event; nil when required fields are missing
func convertFeature(f *feature) *models.Event {
	p := f.Properties
	if f.ID == "" || p.Mag == nil || p.Time == nil || f.Geometry == nil || len(f.Geometry.Coordinates) < 2 {
		return nil
	}
	lng, lat := f.Geometry.Coordinates[0], f.Geometry.Coordinates[1]
	if lng == nil || lat == nil {
		return nil
	}

	ev := &models.Event{
		Source:        types.SourceUSGS,
		ExternalID:    f.ID,
		Time:          time.UnixMilli(*p.Time).UTC(),
		Latitude:      *lat,
		Longitude:     *lng,
		Magnitude:     *p.Mag,
		MagnitudeType: p.MagType,
		Status:        types.EventStatus(p.Status),
		Tsunami:       p.Tsunami != 0,
		FeltReports:   p.Felt,
		CDI:           p.CDI,
		MMI:           p.MMI,
		IsCanonical:   true,
	}
	if p.Place != nil {
		ev.Place = *p.Place
	}
	if len(f.Geometry.Coordinates) > 2 {
		ev.Depth = f.Geometry.Coordinates[2]
	}
	if p.Alert != nil && *p.Alert != "" {
		alert := types.AlertLevel(*p.Alert)
		ev.Alert = &alert
	}
	return ev
}
