package service

import (
	"context"
	"fmt"
	"time"

	"github.com/quake-mirror/internal/adapter"
	"github.com/quake-mirror/internal/logging"
	"github.com/quake-mirror/internal/metrics"
	"github.com/quake-mirror/internal/models"
	"github.com/quake-mirror/internal/notify"
	"github.com/quake-mirror/internal/types"
)

// Ingest triggers
const (
	TriggerBackfill = "backfill"
	TriggerSync     = "sync"
)

// IngestRequest describes one fetch-and-store window
type IngestRequest struct {
	Start        time.Time
	End          time.Time
	MinMagnitude float64
	MaxMagnitude *float64
	Trigger      string
}

// IngestResult reports what one window produced
type IngestResult struct {
	Fetched         int
	Upserted        int64
	NewestEventTime *time.Time
}

// WindowIngestor fetches and stores one window
type WindowIngestor interface {
	Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error)
}

// Ingestor is the shared fetch+upsert+audit path used by backfill chunks and the scheduled sync
type Ingestor struct {
	feed      adapter.EventFeed
	store     EventStore
	syncLog   SyncLog
	mirror    EventMirror
	publisher notify.Publisher
	now       func() time.Time
	logger    *logging.Logger
}

// NewIngestor creates an ingestor. mirror and publisher may be nil.
func NewIngestor(feed adapter.EventFeed, store EventStore, syncLog SyncLog, mirror EventMirror, publisher notify.Publisher) *Ingestor {
	if publisher == nil {
		publisher = notify.Noop{}
	}
	return &Ingestor{
		feed:      feed,
		store:     store,
		syncLog:   syncLog,
		mirror:    mirror,
		publisher: publisher,
		now:       time.Now,
		logger:    logging.ForComponent("ingest"),
	}
}

// Ingest fetches the window, upserts the events and appends a sync status entry.
// Every attempt leaves exactly one audit entry, success or error.
func (i *Ingestor) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	logger := i.logger.WithFields(logging.Fields{
		"trigger": req.Trigger,
		"start":   req.Start.UTC().Format(time.RFC3339),
		"end":     req.End.UTC().Format(time.RFC3339),
	})

	events, err := i.feed.FetchWindow(ctx, req.Start, req.End, req.MinMagnitude, req.MaxMagnitude)
	if err != nil {
		i.recordFailure(ctx, logger, fmt.Errorf("fetch window: %w", err))
		return nil, fmt.Errorf("failed to fetch window: %w", err)
	}

	upserted, err := i.store.Upsert(ctx, events)
	if err != nil {
		i.recordFailure(ctx, logger, fmt.Errorf("upsert: %w", err))
		return nil, fmt.Errorf("failed to upsert events: %w", err)
	}

	result := &IngestResult{
		Fetched:         len(events),
		Upserted:        upserted,
		NewestEventTime: newestEventTime(events),
	}
	metrics.EventsUpserted.WithLabelValues(req.Trigger).Add(float64(upserted))

	entry := &models.SyncStatus{
		Source:        types.SourceUSGS,
		LastSyncTime:  i.now().UTC(),
		LastEventTime: result.NewestEventTime,
		EventsSynced:  result.Fetched,
		Status:        types.SyncSuccess,
	}
	if err := i.syncLog.Append(ctx, entry); err != nil {
		logger.WithError(err).Warn("Failed to append sync status entry")
	}

	if i.mirror != nil && len(events) > 0 {
		if err := i.mirror.MirrorEvents(ctx, events); err != nil {
			logger.WithError(err).Warn("Failed to mirror events to aggregation store")
		}
	}

	if err := i.publisher.PublishIngest(ctx, notify.IngestNotification{
		Trigger:         req.Trigger,
		Start:           req.Start.UTC(),
		End:             req.End.UTC(),
		MinMagnitude:    req.MinMagnitude,
		Fetched:         result.Fetched,
		Upserted:        result.Upserted,
		NewestEventTime: result.NewestEventTime,
	}); err != nil {
		logger.WithError(err).Warn("Failed to publish ingest notification")
	}

	logger.WithFields(logging.Fields{
		"fetched":  result.Fetched,
		"upserted": result.Upserted,
	}).Debug("Window ingested")

	return result, nil
}

func (i *Ingestor) recordFailure(ctx context.Context, logger *logging.Logger, cause error) {
	msg := cause.Error()
	entry := &models.SyncStatus{
		Source:       types.SourceUSGS,
		LastSyncTime: i.now().UTC(),
		Status:       types.SyncError,
		ErrorMessage: &msg,
	}
	if err := i.syncLog.Append(ctx, entry); err != nil {
		logger.WithError(err).Warn("Failed to append sync error entry")
	}
	logger.WithError(cause).Warn("Window ingest failed")
}

func newestEventTime(events []*models.Event) *time.Time {
	var newest *time.Time
	for _, ev := range events {
		if newest == nil || ev.Time.After(*newest) {
			t := ev.Time
			newest = &t
		}
	}
	return newest
}
