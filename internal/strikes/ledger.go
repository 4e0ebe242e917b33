// Package strikes keeps the per-(chat, user) violation counters that drive
// enforcement escalation. A counter decays to zero once no violation has been
// recorded for longer than the configured window.
package strikes

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Key identifies a user within a chat.
type Key struct {
	ChatID int64
	UserID int64
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.ChatID, k.UserID)
}

// Record is the strike state of one key.
type Record struct {
	Count           int
	LastViolationAt time.Time
}

// expired reports whether a violation at "at" starts a fresh window.
func (r Record) expired(at time.Time, window time.Duration) bool {
	return r.Count > 0 && window > 0 && at.Sub(r.LastViolationAt) > window
}

// Store persists records. Increment must apply the window check and the
// increment as one atomic step per key.
type Store interface {
	Increment(ctx context.Context, key Key, at time.Time, window time.Duration) (Record, error)
	Load(ctx context.Context, key Key) (Record, bool, error)
	Delete(ctx context.Context, key Key) error
}

// Ledger records violations against a Store.
type Ledger struct {
	store  Store
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock used by Current and by RecordViolation calls
// that pass a zero time.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the ledger logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger returns a ledger over store. A window of zero or less disables
// decay.
func NewLedger(store Store, window time.Duration, opts ...Option) *Ledger {
	l := &Ledger{store: store, window: window, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "strikes")
	return l
}

// Window returns the decay window.
func (l *Ledger) Window() time.Duration { return l.window }

// RecordViolation adds one strike for key at the given time, first resetting
// the count if the previous violation is older than the window.
func (l *Ledger) RecordViolation(ctx context.Context, key Key, at time.Time) (Record, error) {
	if at.IsZero() {
		at = l.now()
	}
	rec, err := l.store.Increment(ctx, key, at, l.window)
	if err != nil {
		return Record{}, fmt.Errorf("strikes: record violation %s: %w", key, err)
	}
	l.logger.Debug("violation recorded", "key", key.String(), "count", rec.Count)
	return rec, nil
}

// Current returns the record for key without modifying it. An absent record
// and a record whose window has elapsed both report a count of zero.
func (l *Ledger) Current(ctx context.Context, key Key) (Record, error) {
	rec, ok, err := l.store.Load(ctx, key)
	if err != nil {
		return Record{}, fmt.Errorf("strikes: load %s: %w", key, err)
	}
	if !ok {
		return Record{}, nil
	}
	if rec.expired(l.now(), l.window) {
		rec.Count = 0
	}
	return rec, nil
}

// Reset clears the record for key.
func (l *Ledger) Reset(ctx context.Context, key Key) error {
	if err := l.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("strikes: reset %s: %w", key, err)
	}
	l.logger.Info("strikes reset", "key", key.String())
	return nil
}

// next applies one violation at "at" to rec.
func next(rec Record, at time.Time, window time.Duration) Record {
	if rec.expired(at, window) {
		rec.Count = 0
	}
	rec.Count++
	if at.After(rec.LastViolationAt) {
		rec.LastViolationAt = at
	}
	return rec
}
