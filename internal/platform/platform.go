// Package platform executes enforcement actions on the chat platform.
package platform

import (
	"context"
	"fmt"
	"time"
)

// Platform performs moderation actions in a chat.
type Platform interface {
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
	Mute(ctx context.Context, chatID, userID int64, d time.Duration) error
	Ban(ctx context.Context, chatID, userID int64) error
	// SendNotification posts text to the chat and pins it for pinFor when
	// pinFor is positive.
	SendNotification(ctx context.Context, chatID int64, text string, pinFor time.Duration) error
}

// ExecutionError reports a platform action that was rejected or timed out.
type ExecutionError struct {
	Op     string
	ChatID int64
	UserID int64
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.UserID != 0 {
		return fmt.Sprintf("platform: %s chat=%d user=%d: %v", e.Op, e.ChatID, e.UserID, e.Err)
	}
	return fmt.Sprintf("platform: %s chat=%d: %v", e.Op, e.ChatID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
