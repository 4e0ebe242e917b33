package policy

import (
	"fmt"

	"github.com/sheriffbot/sheriff/internal/moderation"
	"github.com/sheriffbot/sheriff/internal/strikes"
)

// FailMode decides what an unknown verdict does.
type FailMode string

const (
	// FailOpen takes no action on an unknown verdict.
	FailOpen FailMode = "open"
	// FailClosed treats an unknown verdict as unsafe.
	FailClosed FailMode = "closed"
)

// ParseFailMode parses "open" or "closed".
func ParseFailMode(s string) (FailMode, error) {
	switch FailMode(s) {
	case FailOpen, FailClosed:
		return FailMode(s), nil
	}
	return "", fmt.Errorf("policy: unknown fail mode %q", s)
}

// Config is the enforcement configuration.
type Config struct {
	Table    Table
	FailMode FailMode
}

// DefaultConfig returns the default table with FailOpen.
func DefaultConfig() Config {
	return Config{Table: DefaultTable(), FailMode: FailOpen}
}

// Treat reports whether a verdict leads to enforcement under cfg.
func (cfg Config) Treat(v moderation.Verdict) bool {
	switch v {
	case moderation.VerdictUnsafe:
		return true
	case moderation.VerdictUnknown:
		return cfg.FailMode == FailClosed
	default:
		return false
	}
}

// Decide returns the action for a verdict given the strike record that
// includes the current violation.
func Decide(v moderation.Verdict, rec strikes.Record, cfg Config) Action {
	if !cfg.Treat(v) {
		return Action{}
	}
	return cfg.Table.Lookup(rec.Count)
}
