// Package messaging wraps the NATS connection shared by the moderation
// engine and the ops feed: platform events in, platform commands out via
// request/reply, audit fan-out, and the admin request subjects.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects.
const (
	SubjectPlatformEvent   = "platform.event"
	SubjectPlatformCommand = "platform.command" // + .<chat_id>
	SubjectAudit           = "moderation.audit"
	SubjectAdminReset      = "moderation.admin.reset"
	SubjectAdminStrikes    = "moderation.admin.strikes"
)

// QueueGroup lets several engine instances share the platform event stream.
const QueueGroup = "sheriff"

// NATSClient wraps the NATS connection with helper methods for pub/sub and
// request/reply.
type NATSClient struct {
	conn   *nats.Conn
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
	logger *slog.Logger
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "sheriff",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS and returns a ready client.
func NewNATSClient(config NATSConfig, logger *slog.Logger) (*NATSClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	logger.Info("connected", "url", nc.ConnectedUrl())

	return &NATSClient{
		conn:   nc,
		subs:   make(map[string]*nats.Subscription),
		logger: logger,
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Request sends data on subject and waits for one reply, bounded by ctx.
func (c *NATSClient) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("nats request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// Subscribe registers a handler for the given subject and stores the
// subscription for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	return c.track(subject, func() (*nats.Subscription, error) {
		return c.conn.Subscribe(subject, handler)
	})
}

// QueueSubscribe is Subscribe within a queue group.
func (c *NATSClient) QueueSubscribe(subject, queue string, handler func(msg *nats.Msg)) error {
	return c.track(subject, func() (*nats.Subscription, error) {
		return c.conn.QueueSubscribe(subject, queue, handler)
	})
}

func (c *NATSClient) track(subject string, subscribe func() (*nats.Subscription, error)) error {
	sub, err := subscribe()
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// SubscribePlatformEvents delivers platform events to handler. Engine
// instances share the stream through QueueGroup.
func (c *NATSClient) SubscribePlatformEvents(handler func(data []byte)) error {
	return c.QueueSubscribe(SubjectPlatformEvent, QueueGroup, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// CommandSubject returns the command subject for a chat.
func CommandSubject(chatID int64) string {
	return SubjectPlatformCommand + "." + strconv.FormatInt(chatID, 10)
}

// PublishAudit publishes an audit message on moderation.audit.
func (c *NATSClient) PublishAudit(data []byte) error {
	return c.Publish(SubjectAudit, data)
}

// SubscribeAudit delivers every audit message to handler.
func (c *NATSClient) SubscribeAudit(handler func(data []byte)) error {
	return c.Subscribe(SubjectAudit, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// HandleRequests answers requests on subject with handler's return value.
func (c *NATSClient) HandleRequests(subject string, handler func(data []byte) []byte) error {
	return c.QueueSubscribe(subject, QueueGroup, func(msg *nats.Msg) {
		if err := msg.Respond(handler(msg.Data)); err != nil {
			c.logger.Warn("respond failed", "subject", subject, "err", err)
		}
	})
}

// StopSubscriptions drains every subscription and keeps the connection open,
// so in-flight work can still publish and make requests.
func (c *NATSClient) StopSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("drain failed", "subject", subject, "err", err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.StopSubscriptions()
	if c.conn.IsClosed() {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("connection drain failed", "err", err)
	}
	c.logger.Info("client closed")
}
