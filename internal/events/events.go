package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"gapeval/internal/domain"
)

const DefaultSubjectPrefix = "gapeval"

// Publisher announces decided verdicts to other systems.
type Publisher interface {
	PublishVerdict(ctx context.Context, v domain.Verdict) error
	Close() error
}

// Nop discards every event. Used when no event bus is configured.
type Nop struct{}

func (Nop) PublishVerdict(context.Context, domain.Verdict) error { return nil }
func (Nop) Close() error                                         { return nil }

// conn is the part of *nats.Conn the publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher publishes verdicts as JSON on "{prefix}.verdict.{status}".
type NATSPublisher struct {
	conn   conn
	prefix string
	logger *slog.Logger
}

// Connect dials NATS at url and returns a publisher using prefix for subjects.
func Connect(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("gapeval"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return newPublisher(nc, prefix, logger), nil
}

func newPublisher(c conn, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: c, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

// Subject is the subject a verdict with the given status is published on.
func (p *NATSPublisher) Subject(status domain.Status) string {
	return fmt.Sprintf("%s.verdict.%s", p.prefix, strings.ToLower(string(status)))
}

func (p *NATSPublisher) PublishVerdict(ctx context.Context, v domain.Verdict) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal verdict: %w", err)
	}
	subject := p.Subject(v.Status)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("verdict published", "subject", subject, "control_id", v.ControlID)
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
