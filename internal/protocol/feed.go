package protocol

import (
	"encoding/json"
	"fmt"
)

// Ops feed client -> server message types.
const (
	TypeSubscribe    = "subscribe"
	TypeGetStrikes   = "get_strikes"
	TypeResetStrikes = "reset_strikes"
	TypePing         = "ping"
)

// Ops feed server -> client message types. Enforcement and alert messages
// reuse TypeEnforcement and TypeAlert with an AuditMsg payload.
const (
	TypeWelcome      = "welcome"
	TypeSubscribed   = "subscribed"
	TypeStrikes      = "strikes"
	TypeStrikesReset = "strikes_reset"
	TypeError        = "error"
	TypePong         = "pong"
)

// SubscribeMsg selects which chat's enforcement events the client receives.
// ChatID 0 subscribes to every chat.
type SubscribeMsg struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chat_id"`
}

// StrikesQueryMsg is the payload of get_strikes and reset_strikes.
type StrikesQueryMsg struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chat_id"`
	UserID int64  `json:"user_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// WelcomeMsg is sent when a connection is established.
type WelcomeMsg struct {
	Type   string `json:"type"`
	ConnID string `json:"conn_id"`
}

// SubscribedMsg confirms a subscription.
type SubscribedMsg struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chat_id"`
}

// StrikesMsg reports a user's strike record.
type StrikesMsg struct {
	Type            string `json:"type"`
	ChatID          int64  `json:"chat_id"`
	UserID          int64  `json:"user_id"`
	Strikes         int    `json:"strikes"`
	LastViolationAt int64  `json:"last_violation_at,omitempty"`
}

// StrikesResetMsg confirms a reset.
type StrikesResetMsg struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chat_id"`
	UserID int64  `json:"user_id"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ParseClientMessage parses raw WebSocket bytes into a typed ops feed client
// message.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)
	switch env.Type {
	case TypeSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetStrikes, TypeResetStrikes:
		var m StrikesQueryMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && (m.ChatID == 0 || m.UserID == 0) {
			err = fmt.Errorf("chat_id and user_id are required")
		}
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, decodeErr(env.Type, err)
	}
	return env.Type, msg, nil
}
