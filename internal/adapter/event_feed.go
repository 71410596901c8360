package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/quake-mirror/internal/models"
)

// MaxWindowResults is the most records the feed returns for one window query
const MaxWindowResults = 20000

// EventFeed defines the interface for an upstream seismic event provider.
// Implementations make one round trip per call and never retry internally.
type EventFeed interface {
	// FetchWindow returns every event in [start, end] with magnitude >= minMagnitude
	// and, when maxMagnitude is set, <= *maxMagnitude
	FetchWindow(ctx context.Context, start, end time.Time, minMagnitude float64, maxMagnitude *float64) ([]*models.Event, error)

	// FetchCount returns how many events the provider holds for the same filter
	FetchCount(ctx context.Context, start, end time.Time, minMagnitude float64) (int64, error)
}

var (
	// ErrMalformedResponse indicates the provider returned a body that could not be decoded
	ErrMalformedResponse = fmt.Errorf("malformed upstream response")
)
