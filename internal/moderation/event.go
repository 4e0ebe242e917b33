package moderation

import "time"

// Kind identifies the kind of platform event.
type Kind string

const (
	KindText     Kind = "text"
	KindUsername Kind = "username"
	KindImage    Kind = "image"
)

// EventMeta is the metadata shared by every event.
type EventMeta struct {
	ID        string
	ChatID    int64
	UserID    int64
	Username  string
	MessageID int64 // 0 when the event has no deletable message
	At        time.Time
}

// Meta returns the event metadata. It is promoted to every event type.
func (m EventMeta) Meta() EventMeta { return m }

// Event is one of TextMessage, UsernameChange or ImageMessage.
type Event interface {
	Meta() EventMeta
	Kind() Kind
	event()
}

// TextMessage is a text message posted in a chat.
type TextMessage struct {
	EventMeta
	Text string
}

// UsernameChange reports that a member's display name changed. The new name
// is EventMeta.Username.
type UsernameChange struct {
	EventMeta
	Previous string
}

// ImageMessage is an image posted in a chat.
type ImageMessage struct {
	EventMeta
	Image Image
}

func (TextMessage) Kind() Kind    { return KindText }
func (UsernameChange) Kind() Kind { return KindUsername }
func (ImageMessage) Kind() Kind   { return KindImage }

func (TextMessage) event()    {}
func (UsernameChange) event() {}
func (ImageMessage) event()   {}
