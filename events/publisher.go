// Package events publishes generation events to NATS for downstream
// consumers (billing reconciliation, analytics).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"thumbgen/dispatch"
	"thumbgen/logging"
)

// DefaultPrefix is the subject prefix when none is configured.
const DefaultPrefix = "thumbgen"

// EnvelopeVersion is the schema version stamped on every event.
const EnvelopeVersion = "1.0.0"

// Publisher publishes domain events.
type Publisher interface {
	PublishCommitted(ctx context.Context, rec dispatch.CommitRecord) error
	// Close drains pending messages and closes the connection.
	Close() error
}

// Envelope wraps every published payload.
type Envelope struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	Version       string      `json:"version"`
	OccurredAt    time.Time   `json:"occurred_at"`
	CorrelationID string      `json:"correlation_id"`
	Payload       interface{} `json:"payload"`
}

// Nop discards every event. It is used when NATS_URL is empty.
type Nop struct{}

func (Nop) PublishCommitted(context.Context, dispatch.CommitRecord) error { return nil }
func (Nop) Close() error                                                  { return nil }

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes to core NATS subjects under a prefix.
type NATSPublisher struct {
	nc     conn
	prefix string
	logger *logging.Logger
}

// Connect dials url and returns a publisher. An empty url yields Nop.
func Connect(url, prefix string, logger *logging.Logger) (Publisher, error) {
	if url == "" {
		return Nop{}, nil
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.Named("events")
	nc, err := nats.Connect(url,
		nats.Name("thumbgen"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect %s: %w", url, err)
	}
	return newNATSPublisher(nc, prefix, logger), nil
}

func newNATSPublisher(nc conn, prefix string, logger *logging.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

// CommittedSubject returns the subject committed batches are published on.
func (p *NATSPublisher) CommittedSubject() string {
	return p.prefix + ".generation.committed"
}

// PublishCommitted publishes rec on CommittedSubject.
func (p *NATSPublisher) PublishCommitted(ctx context.Context, rec dispatch.CommitRecord) error {
	env := Envelope{
		ID:            uuid.NewString(),
		Type:          "generation.committed",
		Version:       EnvelopeVersion,
		OccurredAt:    rec.CreatedAt.UTC(),
		CorrelationID: rec.BatchID,
		Payload:       rec,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("events: marshal envelope: %w", err)
	}
	if err := p.nc.Publish(p.CommittedSubject(), b); err != nil {
		return fmt.Errorf("events: publish %s: %w", p.CommittedSubject(), err)
	}
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

// Sink adapts pub to a dispatch.CommitSink. Only committed batches are
// published; failures and cache hits are not events downstream.
func Sink(pub Publisher, logger *logging.Logger) dispatch.CommitSink {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return dispatch.CommitSinkFunc(func(ctx context.Context, rec dispatch.CommitRecord) {
		if !rec.Succeeded() {
			return
		}
		if err := pub.PublishCommitted(ctx, rec); err != nil {
			logger.Warn("failed to publish commit event",
				zap.String("batch_id", rec.BatchID),
				zap.Error(err))
		}
	})
}
