// Package notify publishes orchestrator events to NATS.
//
// Each event is sent as JSON to "<subject>.<event type>", for example
// "afilli.events.task.end", so subscribers can filter with wildcards.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jakebbass/afilli/internal/logging"
	"github.com/jakebbass/afilli/internal/orchestrator"
)

// publishFunc sends one message. It matches (*nats.Conn).Publish.
type publishFunc func(subject string, data []byte) error

// Publisher forwards events to a NATS subject prefix.
type Publisher struct {
	conn    *nats.Conn
	publish publishFunc
	subject string
	logger  *logging.Logger
}

// Connect dials the NATS server at url. Publishing is asynchronous; the
// client buffers across reconnects.
func Connect(url, subject string) (*Publisher, error) {
	logger := logging.Component("notify")
	conn, err := nats.Connect(url,
		nats.Name("afilli"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WarnCtx("nats disconnected", map[string]any{"error": err.Error()})
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.InfoCtx("nats reconnected", map[string]any{"url": c.ConnectedUrl()})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	p := newPublisher(conn.Publish, subject, logger)
	p.conn = conn
	return p, nil
}

func newPublisher(publish publishFunc, subject string, logger *logging.Logger) *Publisher {
	return &Publisher{publish: publish, subject: subject, logger: logger}
}

// Subject returns the subject an event is published on.
func (p *Publisher) Subject(t orchestrator.EventType) string {
	return p.subject + "." + string(t)
}

// Observe publishes ev. Failures are logged and never reach the caller. It is
// an orchestrator.EventHandler.
func (p *Publisher) Observe(ev orchestrator.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.WarnCtx("encode event", map[string]any{"type": ev.Type, "error": err.Error()})
		return
	}
	if err := p.publish(p.Subject(ev.Type), data); err != nil {
		p.logger.WarnCtx("publish event", map[string]any{"type": ev.Type, "error": err.Error()})
	}
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Drain()
	return err
}
