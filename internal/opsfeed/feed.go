package opsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sheriffbot/sheriff/internal/messaging"
	"github.com/sheriffbot/sheriff/internal/metrics"
	"github.com/sheriffbot/sheriff/internal/protocol"
)

// Backend answers strike queries for the console.
type Backend interface {
	Strikes(ctx context.Context, chatID, userID int64) (protocol.AdminResponse, error)
	ResetStrikes(ctx context.Context, chatID, userID int64) (protocol.AdminResponse, error)
}

// Requester sends a NATS request. *messaging.NATSClient satisfies it.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// NATSBackend forwards strike queries to the moderation engine over the
// admin request subjects.
type NATSBackend struct {
	client Requester
}

// NewNATSBackend returns a Backend over client.
func NewNATSBackend(client Requester) *NATSBackend {
	return &NATSBackend{client: client}
}

func (b *NATSBackend) Strikes(ctx context.Context, chatID, userID int64) (protocol.AdminResponse, error) {
	return b.call(ctx, messaging.SubjectAdminStrikes, chatID, userID)
}

func (b *NATSBackend) ResetStrikes(ctx context.Context, chatID, userID int64) (protocol.AdminResponse, error) {
	return b.call(ctx, messaging.SubjectAdminReset, chatID, userID)
}

func (b *NATSBackend) call(ctx context.Context, subject string, chatID, userID int64) (protocol.AdminResponse, error) {
	var resp protocol.AdminResponse
	data, err := json.Marshal(protocol.AdminRequest{ChatID: chatID, UserID: userID})
	if err != nil {
		return resp, fmt.Errorf("opsfeed: encode %s: %w", subject, err)
	}
	reply, err := b.client.Request(ctx, subject, data)
	if err != nil {
		return resp, fmt.Errorf("opsfeed: %s: %w", subject, err)
	}
	if err := json.Unmarshal(reply, &resp); err != nil {
		return resp, fmt.Errorf("opsfeed: decode %s reply: %w", subject, err)
	}
	if !resp.OK {
		return resp, fmt.Errorf("opsfeed: %s: %s", subject, resp.Error)
	}
	return resp, nil
}

// Feed routes console messages and fans enforcement events out to
// subscribers.
type Feed struct {
	conns   *Registry
	backend Backend
	timeout time.Duration
	logger  *slog.Logger
}

// NewFeed returns a Feed delivering to conns.
func NewFeed(conns *Registry, backend Backend, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		conns:   conns,
		backend: backend,
		timeout: 5 * time.Second,
		logger:  logger.With("component", "opsfeed"),
	}
}

// Welcome greets a new connection with its ID.
func (f *Feed) Welcome(c *Connection) {
	f.send(c, protocol.TypeWelcome, protocol.WelcomeMsg{ConnID: c.ID})
}

// Publish delivers one audit message from moderation.audit to the
// subscribed consoles.
func (f *Feed) Publish(data []byte) {
	var msg struct {
		ChatID int64 `json:"chat_id"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Warn("dropping malformed audit message", "err", err)
		return
	}
	n := f.conns.Fanout(msg.ChatID, data)
	f.logger.Debug("audit fanned out", "chat", msg.ChatID, "receivers", n)
}

// Dispatch handles one client frame.
func (f *Feed) Dispatch(c *Connection, data []byte) {
	metrics.FeedMessages.WithLabelValues("in").Inc()

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		f.logger.Debug("bad client message", "conn", c.ID, "type", msgType, "err", err)
		f.sendError(c, "bad_request", err.Error())
		return
	}

	switch m := msg.(type) {
	case protocol.PingMsg:
		f.send(c, protocol.TypePong, protocol.PongMsg{})

	case protocol.SubscribeMsg:
		c.Subscribe(m.ChatID)
		f.logger.Info("console subscribed", "conn", c.ID, "chat", m.ChatID)
		f.send(c, protocol.TypeSubscribed, protocol.SubscribedMsg{ChatID: m.ChatID})

	case protocol.StrikesQueryMsg:
		if f.backend == nil {
			f.sendError(c, "unavailable", "strike queries are not configured")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()

		if msgType == protocol.TypeResetStrikes {
			if _, err := f.backend.ResetStrikes(ctx, m.ChatID, m.UserID); err != nil {
				f.logger.Error("reset strikes failed", "conn", c.ID, "chat", m.ChatID, "user", m.UserID, "err", err)
				f.sendError(c, "backend_error", err.Error())
				return
			}
			f.logger.Info("strikes reset from console", "conn", c.ID, "chat", m.ChatID, "user", m.UserID)
			f.send(c, protocol.TypeStrikesReset, protocol.StrikesResetMsg{ChatID: m.ChatID, UserID: m.UserID})
			return
		}

		resp, err := f.backend.Strikes(ctx, m.ChatID, m.UserID)
		if err != nil {
			f.sendError(c, "backend_error", err.Error())
			return
		}
		f.send(c, protocol.TypeStrikes, protocol.StrikesMsg{
			ChatID:          resp.ChatID,
			UserID:          resp.UserID,
			Strikes:         resp.Strikes,
			LastViolationAt: resp.LastViolationAt,
		})
	}
}

func (f *Feed) sendError(c *Connection, code, message string) {
	f.send(c, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (f *Feed) send(c *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		f.logger.Error("encode message failed", "type", msgType, "err", err)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		f.logger.Warn("write failed", "conn", c.ID, "type", msgType, "err", err)
	}
}
