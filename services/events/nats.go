package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSPublisher publishes events as JSON to <prefix>.<event type>
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger
}

// ConnectNATS dials the NATS server and returns a publisher that owns the connection
func ConnectNATS(url, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("upgrade-pipeline"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	p := NewNATSPublisher(nc, prefix, logger)
	p.owned = true
	return p, nil
}

// NewNATSPublisher wraps an existing connection
func NewNATSPublisher(conn *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "upgrade"
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the subject an event type is published on
func (p *NATSPublisher) Subject(t EventType) string {
	return p.prefix + "." + string(t)
}

// Publish implements Publisher
func (p *NATSPublisher) Publish(ctx context.Context, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal event", zap.String("type", string(event.Type)), zap.Error(err))
		return
	}
	if err := p.conn.Publish(p.Subject(event.Type), data); err != nil {
		p.logger.Warn("failed to publish event",
			zap.String("type", string(event.Type)),
			zap.String("subject", event.Subject),
			zap.Error(err))
	}
}

// Close flushes pending messages and closes the connection if the publisher owns it
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return p.conn.Flush()
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}

// Ping reports whether the connection is currently usable
func (p *NATSPublisher) Ping(ctx context.Context) error {
	if !p.conn.IsConnected() {
		return fmt.Errorf("nats connection %s", p.conn.Status())
	}
	return p.conn.FlushWithContext(ctx)
}
