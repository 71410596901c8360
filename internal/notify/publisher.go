// Package notify announces finished ingest batches on NATS so downstream
// consumers can refresh without polling the database.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/quake-mirror/internal/logging"
)

// IngestNotification is the payload published after each successful ingest batch
type IngestNotification struct {
	Trigger         string     `json:"trigger"`
	Start           time.Time  `json:"start"`
	End             time.Time  `json:"end"`
	MinMagnitude    float64    `json:"minMagnitude"`
	Fetched         int        `json:"fetched"`
	Upserted        int64      `json:"upserted"`
	NewestEventTime *time.Time `json:"newestEventTime,omitempty"`
}

// Publisher delivers ingest notifications
type Publisher interface {
	PublishIngest(ctx context.Context, n IngestNotification) error
	Close()
}

// PublishFunc sends raw bytes to a subject
type PublishFunc func(subject string, data []byte) error

// NATSPublisher publishes to "<prefix>.<trigger>"
type NATSPublisher struct {
	nc      *nats.Conn
	publish PublishFunc
	prefix  string
}

// NewNATSPublisher connects to natsURL with reconnects enabled
func NewNATSPublisher(natsURL, prefix string) (*NATSPublisher, error) {
	logger := logging.ForComponent("notify")

	nc, err := nats.Connect(natsURL,
		nats.Name("quake-mirror"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &NATSPublisher{nc: nc, publish: nc.Publish, prefix: prefix}, nil
}

// NewPublisherWithFunc builds a publisher over an arbitrary send function
func NewPublisherWithFunc(prefix string, fn PublishFunc) *NATSPublisher {
	return &NATSPublisher{publish: fn, prefix: prefix}
}

// Subject returns the subject used for a trigger
func (p *NATSPublisher) Subject(trigger string) string {
	return p.prefix + "." + trigger
}

// PublishIngest encodes and publishes a notification
func (p *NATSPublisher) PublishIngest(ctx context.Context, n IngestNotification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode ingest notification: %w", err)
	}

	if err := p.publish(p.Subject(n.Trigger), data); err != nil {
		return fmt.Errorf("failed to publish ingest notification: %w", err)
	}
	return nil
}

// Close drains the connection if there is one
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}

// Noop discards notifications
type Noop struct{}

func (Noop) PublishIngest(context.Context, IngestNotification) error { return nil }
func (Noop) Close()                                                  {}
