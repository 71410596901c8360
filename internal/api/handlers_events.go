package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/quake-mirror/internal/errors"
	"github.com/quake-mirror/internal/models"
	"github.com/quake-mirror/internal/types"
)

const (
	defaultMinMagnitude = 2.5
	defaultEventsLimit  = 20000
	maxEventsLimit      = 20000
	defaultEventsWindow = 24 * time.Hour
)

// handleListEvents handles GET /api/events.
// Without start/end it returns the last 24 hours. Results are oldest first
// and capped at limit; a capped response is flagged truncated.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := models.EventQuery{Limit: defaultEventsLimit}

	end := time.Now().UTC()
	if raw := q.Get("end"); raw != "" {
		parsed, err := types.ParseDateBound(raw, true)
		if err != nil {
			respondServiceError(w, r, errors.NewInvalidParameterError("end", err.Error()))
			return
		}
		end = parsed
	}
	start := end.Add(-defaultEventsWindow)
	if raw := q.Get("start"); raw != "" {
		parsed, err := types.ParseDateBound(raw, false)
		if err != nil {
			respondServiceError(w, r, errors.NewInvalidParameterError("start", err.Error()))
			return
		}
		start = parsed
	}
	if end.Before(start) {
		respondServiceError(w, r, errors.NewInvalidRangeError(start, end))
		return
	}
	query.Start, query.End = start, end

	minMag, err := parseFloatParam(q.Get("minMagnitude"), defaultMinMagnitude)
	if err != nil {
		respondServiceError(w, r, errors.NewInvalidParameterError("minMagnitude", "must be a number"))
		return
	}
	query.MinMagnitude = minMag

	if raw := q.Get("maxMagnitude"); raw != "" {
		maxMag, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			respondServiceError(w, r, errors.NewInvalidParameterError("maxMagnitude", "must be a number"))
			return
		}
		if maxMag < minMag {
			respondServiceError(w, r, errors.NewInvalidParameterError("maxMagnitude", "must not be below minMagnitude"))
			return
		}
		query.MaxMagnitude = &maxMag
	}

	region, err := types.ParseRegion(q.Get("region"))
	if err != nil {
		respondServiceError(w, r, errors.NewInvalidParameterError("region", err.Error()))
		return
	}
	query.Region = region

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxEventsLimit {
			respondServiceError(w, r, errors.NewInvalidParameterError("limit",
				"must be between 1 and "+strconv.Itoa(maxEventsLimit)))
			return
		}
		query.Limit = limit
	}

	// One extra row tells a full page apart from a cut-off one
	limit := query.Limit
	query.Limit = limit + 1

	events, err := s.services.Events.List(r.Context(), query)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	truncated := len(events) > limit
	if truncated {
		events = events[:limit]
	}
	if events == nil {
		events = []*models.Event{}
	}

	respondJSON(w, http.StatusOK, models.EventsResponse{
		Events:    events,
		Count:     len(events),
		Limit:     limit,
		Truncated: truncated,
	})
}

// handleDailyStats handles GET /api/stats/daily
func (s *Server) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	if s.services.Daily == nil {
		respondServiceError(w, r, errors.NewServiceUnavailableError("daily aggregation"))
		return
	}

	start, end, minMag, err := parseRangeParams(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	counts, err := s.services.Daily.DailyCounts(r.Context(), start, end, minMag)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if counts == nil {
		counts = []models.DailyCount{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"days":  counts,
		"count": len(counts),
	})
}
