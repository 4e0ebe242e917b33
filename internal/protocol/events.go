package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sheriffbot/sheriff/internal/moderation"
)

// Platform event types published by the chat-platform adapter on
// platform.event.
const (
	TypeTextMessage    = "text_message"
	TypeUsernameChange = "username_change"
	TypeImageMessage   = "image_message"
)

// EventHeader is shared by every platform event. Ts is unix milliseconds.
type EventHeader struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ChatID    int64  `json:"chat_id"`
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	MessageID int64  `json:"message_id,omitempty"`
	Ts        int64  `json:"ts"`
}

// TextMessageEvent is a text message posted in a chat.
type TextMessageEvent struct {
	EventHeader
	Text string `json:"text"`
}

// UsernameChangeEvent reports a display-name change. Username is the new
// name.
type UsernameChangeEvent struct {
	EventHeader
	Previous string `json:"previous_username,omitempty"`
}

// ImageMessageEvent is an image posted in a chat. ImageData is base64 on the
// wire.
type ImageMessageEvent struct {
	EventHeader
	ImageData []byte `json:"image_data,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	ImageMIME string `json:"image_mime,omitempty"`
}

func (h EventHeader) meta() (moderation.EventMeta, error) {
	if h.ChatID == 0 {
		return moderation.EventMeta{}, fmt.Errorf("protocol: %s: missing chat_id", h.Type)
	}
	if h.UserID == 0 {
		return moderation.EventMeta{}, fmt.Errorf("protocol: %s: missing user_id", h.Type)
	}
	m := moderation.EventMeta{
		ID:        h.ID,
		ChatID:    h.ChatID,
		UserID:    h.UserID,
		Username:  h.Username,
		MessageID: h.MessageID,
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if h.Ts > 0 {
		m.At = time.UnixMilli(h.Ts)
	} else {
		m.At = time.Now()
	}
	return m, nil
}

// ParseEvent decodes a platform event into a moderation event.
func ParseEvent(data []byte) (moderation.Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	switch env.Type {
	case TypeTextMessage:
		var e TextMessageEvent
		if err := json.Unmarshal(env.Raw, &e); err != nil {
			return nil, decodeErr(env.Type, err)
		}
		meta, err := e.meta()
		if err != nil {
			return nil, err
		}
		return moderation.TextMessage{EventMeta: meta, Text: e.Text}, nil

	case TypeUsernameChange:
		var e UsernameChangeEvent
		if err := json.Unmarshal(env.Raw, &e); err != nil {
			return nil, decodeErr(env.Type, err)
		}
		meta, err := e.meta()
		if err != nil {
			return nil, err
		}
		return moderation.UsernameChange{EventMeta: meta, Previous: e.Previous}, nil

	case TypeImageMessage:
		var e ImageMessageEvent
		if err := json.Unmarshal(env.Raw, &e); err != nil {
			return nil, decodeErr(env.Type, err)
		}
		meta, err := e.meta()
		if err != nil {
			return nil, err
		}
		return moderation.ImageMessage{EventMeta: meta, Image: moderation.Image{
			Data: e.ImageData,
			URL:  e.ImageURL,
			MIME: e.ImageMIME,
		}}, nil
	}
	return nil, fmt.Errorf("protocol: unknown event type: %q", env.Type)
}

func decodeErr(msgType string, err error) error {
	return fmt.Errorf("protocol: failed to decode %q payload: %w", msgType, err)
}
