package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/quake-mirror/internal/errors"
	"github.com/quake-mirror/internal/models"
	"github.com/quake-mirror/internal/service"
	"github.com/quake-mirror/internal/types"
)

const coverageMemoKey = "coverage"

// StartBackfillRequest is the body of POST /api/admin/backfill.
// Every field is optional.
type StartBackfillRequest struct {
	StartDate    string   `json:"startDate,omitempty"`
	EndDate      string   `json:"endDate,omitempty"`
	MinMagnitude *float64 `json:"minMagnitude,omitempty"`
	ChunkDays    int      `json:"chunkDays,omitempty"`
	DelayMs      *int64   `json:"delayMs,omitempty"`
}

// StartBackfillResponse is returned when a run is accepted
type StartBackfillResponse struct {
	RunID    string                 `json:"runId"`
	Progress models.SeedingProgress `json:"progress"`
}

// CancelBackfillResponse reports whether a running backfill was signalled
type CancelBackfillResponse struct {
	Cancelled bool                   `json:"cancelled"`
	Progress  models.SeedingProgress `json:"progress"`
}

// handleStartBackfill handles POST /api/admin/backfill
func (s *Server) handleStartBackfill(w http.ResponseWriter, r *http.Request) {
	var body StartBackfillRequest
	if err := parseJSONBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, errors.CodeInvalidParameter, "Invalid JSON body", map[string]interface{}{
			"reason": err.Error(),
		})
		return
	}

	req := service.BackfillRequest{
		MinMagnitude: body.MinMagnitude,
		ChunkDays:    body.ChunkDays,
	}
	if body.StartDate != "" {
		start, err := types.ParseDateBound(body.StartDate, false)
		if err != nil {
			respondServiceError(w, r, errors.NewInvalidParameterError("startDate", err.Error()))
			return
		}
		req.Start = start
	}
	if body.EndDate != "" {
		// Backfill windows are [start, end); a date-only end is that day's midnight
		end, err := types.ParseDateBound(body.EndDate, false)
		if err != nil {
			respondServiceError(w, r, errors.NewInvalidParameterError("endDate", err.Error()))
			return
		}
		req.End = end
	}
	if body.DelayMs != nil {
		delay := time.Duration(*body.DelayMs) * time.Millisecond
		req.Delay = &delay
	}

	run, err := s.services.Backfill.Start(r.Context(), req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusAccepted, StartBackfillResponse{
		RunID:    run.ID(),
		Progress: run.Progress(),
	})
}

// handleBackfillProgress handles GET /api/admin/backfill
func (s *Server) handleBackfillProgress(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.services.Backfill.Progress())
}

// handleCancelBackfill handles POST /api/admin/backfill/cancel
func (s *Server) handleCancelBackfill(w http.ResponseWriter, r *http.Request) {
	cancelled := s.services.Backfill.Cancel()
	respondJSON(w, http.StatusOK, CancelBackfillResponse{
		Cancelled: cancelled,
		Progress:  s.services.Backfill.Progress(),
	})
}

// handleCoverage handles GET /api/admin/coverage.
// Stats are memoized for StatsTTL since they scan the whole store.
func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request) {
	if cached, ok := s.statsMemo.Get(coverageMemoKey); ok {
		w.Header().Set("X-Cache", "HIT")
		respondJSON(w, http.StatusOK, cached)
		return
	}

	stats, err := s.services.Coverage.Stats(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	s.statsMemo.Set(coverageMemoKey, stats, cache.DefaultExpiration)
	w.Header().Set("X-Cache", "MISS")
	respondJSON(w, http.StatusOK, stats)
}

// handleVerify handles GET /api/admin/verify
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	start, end, minMag, err := parseRangeParams(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	result, err := s.services.Verifier.Verify(r.Context(), start, end, minMag)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleGaps handles GET /api/admin/gaps
func (s *Server) handleGaps(w http.ResponseWriter, r *http.Request) {
	start, end, minMag, err := parseRangeParams(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	chunkDays := s.config.GapChunkDays
	if raw := r.URL.Query().Get("chunkDays"); raw != "" {
		chunkDays, err = strconv.Atoi(raw)
		if err != nil || chunkDays < 1 {
			respondServiceError(w, r, errors.NewInvalidParameterError("chunkDays", "must be a positive integer"))
			return
		}
	}

	report, err := s.services.Gaps.FindGaps(r.Context(), start, end, minMag, chunkDays)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// parseRangeParams reads the required startDate/endDate and optional
// minMagnitude (default 2.5) query parameters
func parseRangeParams(r *http.Request) (time.Time, time.Time, float64, error) {
	q := r.URL.Query()

	rawStart, rawEnd := q.Get("startDate"), q.Get("endDate")
	if rawStart == "" {
		return time.Time{}, time.Time{}, 0, errors.NewInvalidParameterError("startDate", "is required")
	}
	if rawEnd == "" {
		return time.Time{}, time.Time{}, 0, errors.NewInvalidParameterError("endDate", "is required")
	}

	start, err := types.ParseDateBound(rawStart, false)
	if err != nil {
		return time.Time{}, time.Time{}, 0, errors.NewInvalidParameterError("startDate", err.Error())
	}
	end, err := types.ParseDateBound(rawEnd, true)
	if err != nil {
		return time.Time{}, time.Time{}, 0, errors.NewInvalidParameterError("endDate", err.Error())
	}

	minMag, err := parseFloatParam(q.Get("minMagnitude"), defaultMinMagnitude)
	if err != nil {
		return time.Time{}, time.Time{}, 0, errors.NewInvalidParameterError("minMagnitude", "must be a number")
	}
	return start, end, minMag, nil
}

func parseFloatParam(raw string, fallback float64) (float64, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(raw, 64)
}
