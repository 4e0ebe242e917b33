package protocol

// Command types sent to the chat-platform adapter on
// platform.command.<chat_id>.
const (
	CommandDeleteMessage    = "delete_message"
	CommandMute             = "mute"
	CommandBan              = "ban"
	CommandSendNotification = "send_notification"
)

// Command asks the chat-platform adapter to perform one action. The adapter
// replies with a CommandResult.
type Command struct {
	Type        string `json:"type"`
	ChatID      int64  `json:"chat_id"`
	UserID      int64  `json:"user_id,omitempty"`
	MessageID   int64  `json:"message_id,omitempty"`
	DurationSec int64  `json:"duration_sec,omitempty"`
	Text        string `json:"text,omitempty"`
	PinForSec   int64  `json:"pin_for_sec,omitempty"`
}

// CommandResult is the adapter's reply to a Command.
type CommandResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Audit message types published on moderation.audit.
const (
	TypeEnforcement = "enforcement"
	TypeAlert       = "alert"
)

// AuditMsg describes one enforcement, or one enforcement that failed to
// execute (TypeAlert). Ts is unix milliseconds.
type AuditMsg struct {
	Type        string `json:"type"`
	EventID     string `json:"event_id"`
	ChatID      int64  `json:"chat_id"`
	UserID      int64  `json:"user_id"`
	Username    string `json:"username"`
	Kind        string `json:"kind"`
	Verdict     string `json:"verdict"`
	Reason      string `json:"reason"`
	Strikes     int    `json:"strikes"`
	Action      string `json:"action"`
	DurationSec int64  `json:"duration_sec,omitempty"`
	Error       string `json:"error,omitempty"`
	Ts          int64  `json:"ts"`
}

// AdminRequest addresses one user's strike record. It is the request body
// of moderation.admin.strikes and moderation.admin.reset.
type AdminRequest struct {
	ChatID int64 `json:"chat_id"`
	UserID int64 `json:"user_id"`
}

// AdminResponse answers an AdminRequest. LastViolationAt is unix
// milliseconds, 0 when there is none.
type AdminResponse struct {
	OK              bool   `json:"ok"`
	Error           string `json:"error,omitempty"`
	ChatID          int64  `json:"chat_id"`
	UserID          int64  `json:"user_id"`
	Strikes         int    `json:"strikes"`
	LastViolationAt int64  `json:"last_violation_at,omitempty"`
}
