package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"thumbgen/db"
	"thumbgen/dispatch"
	"thumbgen/logging"
)

type message struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu      sync.Mutex
	msgs    []message
	err     error
	drained bool
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, message{subject, data})
	return nil
}

func (c *fakeConn) Drain() error {
	c.drained = true
	return nil
}

func record(status string) dispatch.CommitRecord {
	return dispatch.CommitRecord{
		BatchID:   "batch-1",
		UserID:    "u",
		Kind:      dispatch.KindGenerate,
		Units:     2,
		Status:    status,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// TestNATSPublisher_PublishCommitted tests the subject and envelope.
func TestNATSPublisher_PublishCommitted(t *testing.T) {
	tests := []struct {
		prefix  string
		subject string
	}{
		{"", "thumbgen.generation.committed"},
		{"staging", "staging.generation.committed"},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			nc := &fakeConn{}
			p := newNATSPublisher(nc, tt.prefix, nil)
			if err := p.PublishCommitted(context.Background(), record(db.RunStatusSucceeded)); err != nil {
				t.Fatalf("PublishCommitted() error = %v", err)
			}
			if len(nc.msgs) != 1 || nc.msgs[0].subject != tt.subject {
				t.Fatalf("messages = %+v", nc.msgs)
			}
			var env Envelope
			if err := json.Unmarshal(nc.msgs[0].data, &env); err != nil {
				t.Fatal(err)
			}
			if env.CorrelationID != "batch-1" || env.Version != EnvelopeVersion || env.ID == "" {
				t.Errorf("envelope = %+v", env)
			}
			payload, _ := env.Payload.(map[string]interface{})
			if payload["units"] != float64(2) {
				t.Errorf("payload = %v", env.Payload)
			}
			if err := p.Close(); err != nil || !nc.drained {
				t.Error("Close() did not drain")
			}
		})
	}
}

// TestSink tests that only committed batches are published and that
// publish failures are logged, not returned.
func TestSink(t *testing.T) {
	nc := &fakeConn{}
	obs, logs := observer.New(zapcore.WarnLevel)
	logger := logging.NewLoggerFromCore(obs)
	sink := Sink(newNATSPublisher(nc, "", nil), logger)

	sink.OnCommit(context.Background(), record(db.RunStatusFailed))
	sink.OnCommit(context.Background(), record(db.RunStatusCached))
	sink.OnCommit(context.Background(), record(db.RunStatusSucceeded))
	if len(nc.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(nc.msgs))
	}

	nc.err = errors.New("connection closed")
	sink.OnCommit(context.Background(), record(db.RunStatusSucceeded))
	if logs.FilterMessage("failed to publish commit event").Len() != 1 {
		t.Error("publish failure was not logged")
	}
}

// TestConnect_Empty tests that no url means no connection.
func TestConnect_Empty(t *testing.T) {
	pub, err := Connect("", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := pub.(Nop); !ok {
		t.Errorf("Connect(\"\") = %T, want Nop", pub)
	}
}
