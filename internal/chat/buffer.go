// Package chat keeps a short in-memory history of recent text messages per
// chat. The history is attached to audit entries so moderators can see what
// led up to an enforcement.
package chat

import "sync"

// DefaultBufferMessages is the number of recent messages retained per chat.
const DefaultBufferMessages = 5

// BufferedMessage is one message stored in the ring buffer. Ts is unix
// milliseconds.
type BufferedMessage struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Text     string `json:"text"`
	Ts       int64  `json:"ts"`
}

// MessageBuffer stores the last N messages per chat. It is goroutine-safe.
type MessageBuffer struct {
	mu      sync.RWMutex
	size    int
	buffers map[int64]*ringBuffer
}

// ringBuffer is a fixed-size circular buffer of BufferedMessage.
type ringBuffer struct {
	items []BufferedMessage
	pos   int
	count int
}

// NewMessageBuffer creates a buffer keeping size messages per chat. A size
// of zero or less uses DefaultBufferMessages.
func NewMessageBuffer(size int) *MessageBuffer {
	if size <= 0 {
		size = DefaultBufferMessages
	}
	return &MessageBuffer{
		size:    size,
		buffers: make(map[int64]*ringBuffer),
	}
}

// Add appends a message to the chat's ring buffer, overwriting the oldest
// message when full.
func (mb *MessageBuffer) Add(chatID int64, msg BufferedMessage) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	rb, ok := mb.buffers[chatID]
	if !ok {
		rb = &ringBuffer{items: make([]BufferedMessage, mb.size)}
		mb.buffers[chatID] = rb
	}

	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % mb.size
	if rb.count < mb.size {
		rb.count++
	}
}

// Get returns the buffered messages for a chat, oldest first. Returns an
// empty slice if the chat has no buffer.
func (mb *MessageBuffer) Get(chatID int64) []BufferedMessage {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	rb, ok := mb.buffers[chatID]
	if !ok {
		return []BufferedMessage{}
	}

	result := make([]BufferedMessage, rb.count)
	start := (rb.pos - rb.count + mb.size) % mb.size
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%mb.size]
	}
	return result
}

// ForUser returns the buffered messages of one user in a chat, oldest first.
func (mb *MessageBuffer) ForUser(chatID, userID int64) []BufferedMessage {
	all := mb.Get(chatID)
	out := all[:0]
	for _, m := range all {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out
}

// Remove deletes the buffer for a chat.
func (mb *MessageBuffer) Remove(chatID int64) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	delete(mb.buffers, chatID)
}

// Len returns the number of chats with a buffer.
func (mb *MessageBuffer) Len() int {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return len(mb.buffers)
}
