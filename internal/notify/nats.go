// Package notify publishes findings onto the message bus for downstream
// alerting and response tooling.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/darkermemo/huntql/common/logging"
)

// FindingSubject returns the per-tenant findings subject.
func FindingSubject(tenantID string) string {
	return "huntql.findings." + tenantID
}

// Publisher is a thin JSON publisher over NATS. A nil Publisher is a no-op,
// so the scheduler runs fine without a bus configured.
type Publisher struct {
	conn   *nats.Conn
	logger *logging.Logger
}

// NewPublisher connects to NATS with reconnect handling.
func NewPublisher(url string, logger *logging.Logger) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("huntql"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &Publisher{conn: conn, logger: logger}, nil
}

// PublishJSON marshals v and publishes it on subject.
func (p *Publisher) PublishJSON(subject string, v interface{}) error {
	if p == nil || p.conn == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", subject, err)
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("nats drain failed", "error", err)
	}
}
