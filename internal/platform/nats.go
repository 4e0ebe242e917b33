package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sheriffbot/sheriff/internal/messaging"
	"github.com/sheriffbot/sheriff/internal/protocol"
)

// Requester sends a request and waits for the reply. *messaging.NATSClient
// satisfies it.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// NATS sends platform commands to the chat-platform adapter as NATS
// requests on platform.command.<chat_id>.
type NATS struct {
	client  Requester
	timeout time.Duration
}

// NewNATS returns a Platform backed by NATS request/reply. Each command
// waits at most timeout for the adapter's reply.
func NewNATS(client Requester, timeout time.Duration) *NATS {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NATS{client: client, timeout: timeout}
}

func (p *NATS) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	return p.send(ctx, protocol.Command{Type: protocol.CommandDeleteMessage, ChatID: chatID, MessageID: messageID})
}

func (p *NATS) Mute(ctx context.Context, chatID, userID int64, d time.Duration) error {
	return p.send(ctx, protocol.Command{
		Type:        protocol.CommandMute,
		ChatID:      chatID,
		UserID:      userID,
		DurationSec: int64(d / time.Second),
	})
}

func (p *NATS) Ban(ctx context.Context, chatID, userID int64) error {
	return p.send(ctx, protocol.Command{Type: protocol.CommandBan, ChatID: chatID, UserID: userID})
}

func (p *NATS) SendNotification(ctx context.Context, chatID int64, text string, pinFor time.Duration) error {
	return p.send(ctx, protocol.Command{
		Type:      protocol.CommandSendNotification,
		ChatID:    chatID,
		Text:      text,
		PinForSec: int64(pinFor / time.Second),
	})
}

func (p *NATS) send(ctx context.Context, cmd protocol.Command) error {
	execErr := func(err error) error {
		return &ExecutionError{Op: cmd.Type, ChatID: cmd.ChatID, UserID: cmd.UserID, Err: err}
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return execErr(fmt.Errorf("marshal command: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	reply, err := p.client.Request(ctx, messaging.CommandSubject(cmd.ChatID), data)
	if err != nil {
		return execErr(err)
	}

	var res protocol.CommandResult
	if err := json.Unmarshal(reply, &res); err != nil {
		return execErr(fmt.Errorf("decode reply: %w", err))
	}
	if !res.OK {
		if res.Error == "" {
			res.Error = "rejected"
		}
		return execErr(errors.New(res.Error))
	}
	return nil
}
