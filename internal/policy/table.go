package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultThresholds is the escalation used when none is configured.
const DefaultThresholds = "1:warn,2:mute:1h,3:ban"

// Threshold applies Action once the strike count reaches Count.
type Threshold struct {
	Count  int
	Action Action
}

// Table is a validated escalation table. Build it with NewTable or
// ParseTable.
type Table struct {
	entries []Threshold
}

// NewTable validates entries: counts must start at 1 and strictly increase,
// every action must be at least a warning, and severity must never decrease.
func NewTable(entries ...Threshold) (Table, error) {
	if len(entries) == 0 {
		return Table{}, errors.New("policy: empty threshold table")
	}
	for i, e := range entries {
		if e.Action.Kind == ActionNone {
			return Table{}, fmt.Errorf("policy: threshold %d: action must not be none", e.Count)
		}
		if e.Action.Kind == ActionMute && e.Action.Duration <= 0 {
			return Table{}, fmt.Errorf("policy: threshold %d: mute needs a positive duration", e.Count)
		}
		if e.Action.Kind != ActionMute && e.Action.Duration != 0 {
			return Table{}, fmt.Errorf("policy: threshold %d: only mutes take a duration", e.Count)
		}
		if i == 0 {
			if e.Count != 1 {
				return Table{}, fmt.Errorf("policy: first threshold must be at count 1, got %d", e.Count)
			}
			continue
		}
		prev := entries[i-1]
		if e.Count <= prev.Count {
			return Table{}, fmt.Errorf("policy: threshold counts must increase: %d after %d", e.Count, prev.Count)
		}
		if compare(e.Action, prev.Action) < 0 {
			return Table{}, fmt.Errorf("policy: threshold %d: %s is less severe than %s", e.Count, e.Action, prev.Action)
		}
	}
	return Table{entries: append([]Threshold(nil), entries...)}, nil
}

// MustTable is NewTable that panics on error. Intended for package-level
// defaults and tests.
func MustTable(entries ...Threshold) Table {
	t, err := NewTable(entries...)
	if err != nil {
		panic(err)
	}
	return t
}

// ParseTable parses a comma-separated list of "count:action[:duration]"
// entries, e.g. "1:warn,2:mute:1h,3:ban".
func ParseTable(s string) (Table, error) {
	var entries []Threshold
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) < 2 || len(fields) > 3 {
			return Table{}, fmt.Errorf("policy: bad threshold %q", part)
		}
		count, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return Table{}, fmt.Errorf("policy: bad threshold count %q: %w", fields[0], err)
		}
		kind, err := ParseActionKind(strings.ToLower(strings.TrimSpace(fields[1])))
		if err != nil {
			return Table{}, err
		}
		action := Action{Kind: kind}
		if len(fields) == 3 {
			d, err := time.ParseDuration(strings.TrimSpace(fields[2]))
			if err != nil {
				return Table{}, fmt.Errorf("policy: bad duration in %q: %w", part, err)
			}
			action.Duration = d
		}
		entries = append(entries, Threshold{Count: count, Action: action})
	}
	return NewTable(entries...)
}

// DefaultTable returns the parsed DefaultThresholds.
func DefaultTable() Table {
	t, err := ParseTable(DefaultThresholds)
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the action for a strike count. Counts below the first entry
// get the first entry, counts beyond the last get the last.
func (t Table) Lookup(count int) Action {
	if len(t.entries) == 0 {
		return Warn()
	}
	action := t.entries[0].Action
	for _, e := range t.entries[1:] {
		if count < e.Count {
			break
		}
		action = e.Action
	}
	return action
}

// BanAt returns the first count that bans, or 0 if the table never bans.
func (t Table) BanAt() int {
	for _, e := range t.entries {
		if e.Action.Kind == ActionBan {
			return e.Count
		}
	}
	return 0
}

// Entries returns a copy of the table entries.
func (t Table) Entries() []Threshold {
	return append([]Threshold(nil), t.entries...)
}

func (t Table) String() string {
	parts := make([]string, len(t.entries))
	for i, e := range t.entries {
		parts[i] = fmt.Sprintf("%d:%s", e.Count, e.Action.Kind)
		if e.Action.Kind == ActionMute {
			parts[i] += ":" + e.Action.Duration.String()
		}
	}
	return strings.Join(parts, ",")
}
