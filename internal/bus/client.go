package bus

import (
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"beacon/internal/config"
	"beacon/internal/events"
)

// Client publishes presence events to NATS for external consumers.
// It is outbound only: the roster is never read back from the bus, so
// each process keeps sole ownership of its registry.
type Client struct {
	nc     *nats.Conn
	source string
	prefix string
	logger *slog.Logger
}

// Connect creates a bus client and connects to NATS.
func Connect(cfg config.NATS, source string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name(source),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("bus disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("bus reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus connect: %w", err)
	}

	return &Client{
		nc:     nc,
		source: source,
		prefix: cfg.SubjectPrefix,
		logger: logger.With("component", "bus"),
	}, nil
}

// Publish publishes an envelope to the given subject.
func (c *Client) Publish(subject string, env Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return c.nc.Publish(subject, data)
}

// PublishEvent wraps a payload in a fresh envelope and publishes it
// under the configured subject prefix.
func (c *Client) PublishEvent(eventType string, payload any) error {
	env, err := NewEnvelope(eventType, c.source, payload)
	if err != nil {
		return err
	}
	return c.Publish(c.prefix+"."+eventType, env)
}

// RegisterEventHandler mirrors every emitted lifecycle event onto the
// bus. Publish failures are logged and dropped; the bus is an
// observer, never a dependency of the heartbeat or stream paths.
func (c *Client) RegisterEventHandler(emitter *events.Emitter) {
	emitter.OnEvent(func(ev events.Event) {
		if err := c.PublishEvent(ev.Type, ev); err != nil {
			c.logger.Warn("event publish failed", "event", ev.Type, "error", err)
		}
	})
}

// Close drains and closes the NATS connection.
func (c *Client) Close() error {
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}
