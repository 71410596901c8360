package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quake-mirror/internal/config"
	"github.com/quake-mirror/internal/errors"
	"github.com/quake-mirror/internal/logging"
	"github.com/quake-mirror/internal/metrics"
	"github.com/quake-mirror/internal/models"
	"github.com/quake-mirror/internal/tracing"
	"github.com/quake-mirror/internal/types"
)

// BackfillRequest holds caller-supplied backfill parameters.
// Zero Start/End and ChunkDays, and nil MinMagnitude/Delay, select the defaults.
type BackfillRequest struct {
	Start        time.Time
	End          time.Time
	MinMagnitude *float64
	ChunkDays    int
	Delay        *time.Duration
}

// BackfillEngine runs chunked historical loads, at most one at a time
type BackfillEngine struct {
	ingestor     WindowIngestor
	defaults     config.BackfillConfig
	chunkTimeout time.Duration
	now          func() time.Time
	logger       *logging.Logger

	mu      sync.Mutex
	current *BackfillRun
}

// NewBackfillEngine creates a backfill engine. chunkTimeout bounds each
// chunk's ingest once it has started; zero leaves it unbounded.
func NewBackfillEngine(ingestor WindowIngestor, defaults config.BackfillConfig, chunkTimeout time.Duration) *BackfillEngine {
	return &BackfillEngine{
		ingestor:     ingestor,
		defaults:     defaults,
		chunkTimeout: chunkTimeout,
		now:          time.Now,
		logger:       logging.ForComponent("backfill"),
	}
}

// ResolveParams applies defaults and validates a request
func (e *BackfillEngine) ResolveParams(req BackfillRequest) (*models.BackfillParams, error) {
	now := e.now().UTC()

	minMagnitude := e.defaults.MinMagnitude
	if req.MinMagnitude != nil {
		minMagnitude = *req.MinMagnitude
	}
	if minMagnitude < config.MinSupportedMagnitude {
		return nil, errors.NewInvalidParameterError("minMagnitude",
			fmt.Sprintf("must be >= %.1f", config.MinSupportedMagnitude))
	}

	requested := req.ChunkDays
	if requested == 0 {
		requested = e.defaults.ChunkDays
	}
	if requested < 1 {
		return nil, errors.NewInvalidParameterError("chunkDays", "must be at least 1")
	}

	delay := e.defaults.Delay
	if req.Delay != nil {
		delay = *req.Delay
	}
	if delay < 0 {
		return nil, errors.NewInvalidParameterError("delayMs", "must not be negative")
	}

	end := req.End.UTC()
	if req.End.IsZero() || end.After(now) {
		end = now
	}
	start := req.Start.UTC()
	if req.Start.IsZero() {
		start = now.AddDate(-1, 0, 0)
	}
	if !start.Before(end) {
		return nil, errors.NewInvalidRangeError(start, end)
	}

	return &models.BackfillParams{
		Start:              start,
		End:                end,
		MinMagnitude:       minMagnitude,
		RequestedChunkDays: requested,
		ChunkDays:          EffectiveChunkDays(requested, minMagnitude),
		Delay:              delay,
	}, nil
}

// Start validates the request and launches a run in the background.
// It fails with a conflict if another run is still in progress.
func (e *BackfillEngine) Start(ctx context.Context, req BackfillRequest) (*BackfillRun, error) {
	params, err := e.ResolveParams(req)
	if err != nil {
		return nil, err
	}

	chunks := PlanChunks(params.Start, params.End, params.ChunkDays)
	if len(chunks) == 0 {
		return nil, errors.NewInvalidRangeError(params.Start, params.End)
	}

	e.mu.Lock()
	if e.current != nil && e.current.isRunning() {
		runID := e.current.ID()
		e.mu.Unlock()
		return nil, errors.NewBackfillInProgressError(runID)
	}

	// The run outlives the request that started it; it stops only through Cancel
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := newBackfillRun(runCtx, cancel, *params, chunks, e.now().UTC())
	e.current = run
	e.mu.Unlock()

	e.logger.WithFields(logging.Fields{
		"runId":        run.ID(),
		"start":        params.Start.Format(time.RFC3339),
		"end":          params.End.Format(time.RFC3339),
		"minMagnitude": params.MinMagnitude,
		"chunkDays":    params.ChunkDays,
		"chunks":       len(chunks),
	}).Info("Backfill started")

	go e.execute(run)
	return run, nil
}

// Current returns the latest run, finished or not
func (e *BackfillEngine) Current() *BackfillRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Progress returns a snapshot of the latest run, or an idle snapshot if none ran yet
func (e *BackfillEngine) Progress() models.SeedingProgress {
	if run := e.Current(); run != nil {
		return run.Progress()
	}
	return models.SeedingProgress{State: types.BackfillIdle}
}

// Cancel requests cooperative cancellation of the running backfill.
// It reports whether a running backfill was found.
func (e *BackfillEngine) Cancel() bool {
	run := e.Current()
	if run == nil || !run.isRunning() {
		return false
	}
	run.Cancel()
	return true
}

func (e *BackfillEngine) execute(run *BackfillRun) {
	logger := e.logger.WithField("runId", run.ID())
	ctx, span := tracing.Start(run.ctx, "backfill.run")
	defer span.End()

	metrics.BackfillRunning.Set(1)
	defer metrics.BackfillRunning.Set(0)

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("backfill aborted: %v", r)
			logger.Error(msg)
			run.finish(types.BackfillFailed, &msg, e.now().UTC())
		}
	}()

	params := run.params
	last := len(run.chunks) - 1

	for i, chunk := range run.chunks {
		if ctx.Err() != nil {
			logger.WithField("completedChunks", i).Info("Backfill cancelled")
			run.finish(types.BackfillCancelled, nil, e.now().UTC())
			return
		}

		run.beginChunk(chunk)
		fetched, err := e.ingestChunk(ctx, chunk, params.MinMagnitude)
		run.endChunk(fetched, err)

		if err != nil {
			metrics.BackfillChunks.WithLabelValues("error").Inc()
			logger.WithError(err).WithField("chunk", chunk.Index).Warn("Backfill chunk failed, continuing")
		} else {
			metrics.BackfillChunks.WithLabelValues("success").Inc()
		}

		if i < last && params.Delay > 0 {
			select {
			case <-time.After(params.Delay):
			case <-ctx.Done():
			}
		}
	}

	progress := run.Progress()
	logger.WithFields(logging.Fields{
		"chunks":       progress.CompletedChunks,
		"eventsLoaded": progress.TotalEventsFetched,
	}).Info("Backfill completed")
	run.finish(types.BackfillCompleted, nil, e.now().UTC())
}

// ingestChunk runs one chunk to completion even if the run is cancelled meanwhile
func (e *BackfillEngine) ingestChunk(ctx context.Context, chunk models.ChunkWindow, minMagnitude float64) (int, error) {
	ctx, span := tracing.Start(ctx, "backfill.chunk")
	defer span.End()
	span.SetAttributes(attribute.Int("index", chunk.Index))

	chunkCtx := context.WithoutCancel(ctx)
	if e.chunkTimeout > 0 {
		var cancel context.CancelFunc
		chunkCtx, cancel = context.WithTimeout(chunkCtx, e.chunkTimeout)
		defer cancel()
	}

	res, err := e.ingestor.Ingest(chunkCtx, IngestRequest{
		Start:        chunk.Start,
		End:          chunk.End,
		MinMagnitude: minMagnitude,
		Trigger:      TriggerBackfill,
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return res.Fetched, nil
}

// BackfillRun is the handle of one backfill execution
type BackfillRun struct {
	id     string
	params models.BackfillParams
	chunks []models.ChunkWindow
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.RWMutex
	progress models.SeedingProgress
}

func newBackfillRun(ctx context.Context, cancel context.CancelFunc, params models.BackfillParams, chunks []models.ChunkWindow, startedAt time.Time) *BackfillRun {
	id := uuid.NewString()
	paramsCopy := params
	return &BackfillRun{
		id:     id,
		params: params,
		chunks: chunks,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		progress: models.SeedingProgress{
			RunID:       id,
			State:       types.BackfillRunning,
			IsSeeding:   true,
			TotalChunks: len(chunks),
			StartTime:   &startedAt,
			Params:      &paramsCopy,
		},
	}
}

// ID returns the run identifier
func (r *BackfillRun) ID() string {
	return r.id
}

// Params returns the effective run parameters
func (r *BackfillRun) Params() models.BackfillParams {
	return r.params
}

// Chunks returns the planned chunk windows, oldest first
func (r *BackfillRun) Chunks() []models.ChunkWindow {
	out := make([]models.ChunkWindow, len(r.chunks))
	copy(out, r.chunks)
	return out
}

// Cancel requests cancellation; the chunk in flight still completes
func (r *BackfillRun) Cancel() {
	r.cancel()
}

// Done is closed when the run reaches a terminal state
func (r *BackfillRun) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes or ctx ends, returning the latest snapshot
func (r *BackfillRun) Wait(ctx context.Context) (models.SeedingProgress, error) {
	select {
	case <-r.done:
		return r.Progress(), nil
	case <-ctx.Done():
		return r.Progress(), ctx.Err()
	}
}

// Progress returns a copy of the current progress that callers may keep
func (r *BackfillRun) Progress() models.SeedingProgress {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p := r.progress
	if p.CurrentChunk != nil {
		c := *p.CurrentChunk
		p.CurrentChunk = &c
	}
	if p.Error != nil {
		msg := *p.Error
		p.Error = &msg
	}
	if p.StartTime != nil {
		t := *p.StartTime
		p.StartTime = &t
	}
	if p.FinishedAt != nil {
		t := *p.FinishedAt
		p.FinishedAt = &t
	}
	if p.Params != nil {
		params := *p.Params
		p.Params = &params
	}
	return p
}

func (r *BackfillRun) isRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.progress.IsSeeding
}

func (r *BackfillRun) beginChunk(chunk models.ChunkWindow) {
	r.mu.Lock()
	r.progress.CurrentChunk = &chunk
	r.mu.Unlock()
}

// endChunk counts the chunk as attempted whether or not it succeeded
func (r *BackfillRun) endChunk(fetched int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.progress.CompletedChunks++
	r.progress.TotalEventsFetched += int64(fetched)
	if err != nil {
		msg := fmt.Sprintf("chunk %d/%d: %v", r.progress.CompletedChunks, r.progress.TotalChunks, err)
		r.progress.Error = &msg
	}
}

func (r *BackfillRun) finish(state types.BackfillState, errMsg *string, at time.Time) {
	r.mu.Lock()
	if !r.progress.IsSeeding {
		r.mu.Unlock()
		return
	}
	r.progress.State = state
	r.progress.IsSeeding = false
	r.progress.CurrentChunk = nil
	r.progress.FinishedAt = &at
	if state == types.BackfillCancelled {
		r.progress.Cancelled = true
	}
	if errMsg != nil {
		r.progress.Error = errMsg
	}
	r.mu.Unlock()

	r.cancel()
	close(r.done)
}
