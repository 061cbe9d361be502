package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes each durable entry to <subject>.<kind> for live
// monitoring. The file partition stays the source of truth.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink connects to url. Reconnects are retried indefinitely in the
// background so a broker outage never blocks appends.
func NewNATSSink(url, subject string) (*NATSSink, error) {
	if subject == "" {
		subject = "gatekeeper.audit"
	}
	conn, err := nats.Connect(url,
		nats.Name("gatekeeper-audit"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats %s: %w", url, err)
	}
	return &NATSSink{conn: conn, subject: subject}, nil
}

// Subject returns the subject an entry of kind is published on.
func (s *NATSSink) Subject(kind Kind) string {
	return s.subject + "." + string(kind)
}

// Publish implements Sink.
func (s *NATSSink) Publish(_ context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	return s.conn.Publish(s.Subject(e.Kind), data)
}

// Close implements Sink.
func (s *NATSSink) Close() error {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return fmt.Errorf("failed to drain nats connection: %w", err)
	}
	return nil
}
