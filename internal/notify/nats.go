package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"poolwatch/internal/config"
	"poolwatch/internal/domain"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes notifications as JSON on one core NATS subject.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink connects to the configured servers.
// Params: NATS notifier config with server URLs and subject.
// Returns: connected sink or connect error.
func NewNATSSink(cfg config.NATSNotifier) (*NATSSink, error) {
	conn, err := nats.Connect(strings.Join(cfg.URL, ","),
		nats.Name("poolwatch-notify"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSSink{conn: conn, subject: cfg.Subject}, nil
}

func (s *NATSSink) Channel() string { return "nats" }

// Send publishes and flushes so the server has accepted the message before return.
// Params: context and notification payload.
// Returns: encode, publish, or flush error.
func (s *NATSSink) Send(ctx context.Context, notification domain.Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("encode nats payload: %w", err)
	}
	if err := s.conn.Publish(s.subject, body); err != nil {
		return fmt.Errorf("nats publish %s: %w", s.subject, err)
	}
	if err := s.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
