// Package policy maps classification verdicts and strike counts to
// enforcement actions.
package policy

import (
	"fmt"
	"time"
)

// ActionKind orders enforcement actions by severity.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionWarn
	ActionMute
	ActionBan
)

func (k ActionKind) String() string {
	switch k {
	case ActionWarn:
		return "warn"
	case ActionMute:
		return "mute"
	case ActionBan:
		return "ban"
	default:
		return "none"
	}
}

// ParseActionKind parses "none", "warn", "mute" or "ban".
func ParseActionKind(s string) (ActionKind, error) {
	switch s {
	case "none":
		return ActionNone, nil
	case "warn":
		return ActionWarn, nil
	case "mute":
		return ActionMute, nil
	case "ban":
		return ActionBan, nil
	}
	return ActionNone, fmt.Errorf("policy: unknown action %q", s)
}

// Action is an enforcement decision. Duration is set only for mutes.
type Action struct {
	Kind     ActionKind
	Duration time.Duration
}

func Warn() Action                    { return Action{Kind: ActionWarn} }
func Mute(d time.Duration) Action     { return Action{Kind: ActionMute, Duration: d} }
func Ban() Action                     { return Action{Kind: ActionBan} }
func (a Action) IsNone() bool         { return a.Kind == ActionNone }
func (a Action) Compare(b Action) int { return compare(a, b) }

func (a Action) String() string {
	if a.Kind == ActionMute {
		return fmt.Sprintf("mute(%s)", a.Duration)
	}
	return a.Kind.String()
}

// compare orders actions by kind, then mutes by duration.
func compare(a, b Action) int {
	switch {
	case a.Kind < b.Kind:
		return -1
	case a.Kind > b.Kind:
		return 1
	case a.Kind != ActionMute || a.Duration == b.Duration:
		return 0
	case a.Duration < b.Duration:
		return -1
	default:
		return 1
	}
}
