package strikes

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLedger(window time.Duration, now *time.Time) *Ledger {
	return NewLedger(NewMemStore(), window, WithClock(func() time.Time { return *now }))
}

func TestRecordViolation_Escalates(t *testing.T) {
	now := t0
	l := newTestLedger(time.Hour, &now)
	ctx := context.Background()
	key := Key{ChatID: -100, UserID: 7}

	for want := 1; want <= 3; want++ {
		rec, err := l.RecordViolation(ctx, key, now)
		require.NoError(t, err)
		assert.Equal(t, want, rec.Count)
		assert.Equal(t, now, rec.LastViolationAt)
		now = now.Add(10 * time.Minute)
	}
}

func TestRecordViolation_WindowReset(t *testing.T) {
	now := t0
	l := newTestLedger(time.Hour, &now)
	ctx := context.Background()
	key := Key{ChatID: 1, UserID: 2}

	_, err := l.RecordViolation(ctx, key, t0)
	require.NoError(t, err)
	_, err = l.RecordViolation(ctx, key, t0.Add(30*time.Minute))
	require.NoError(t, err)

	// exactly one window after the last violation still counts
	rec, err := l.RecordViolation(ctx, key, t0.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Count)

	rec, err = l.RecordViolation(ctx, key, t0.Add(150*time.Minute+time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Count)
}

func TestRecordViolation_ZeroTimeUsesClock(t *testing.T) {
	now := t0
	l := newTestLedger(time.Hour, &now)

	rec, err := l.RecordViolation(context.Background(), Key{ChatID: 1, UserID: 1}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, t0, rec.LastViolationAt)
}

func TestRecordViolation_LateEventKeepsLatestTime(t *testing.T) {
	now := t0
	l := newTestLedger(time.Hour, &now)
	ctx := context.Background()
	key := Key{ChatID: 1, UserID: 1}

	_, err := l.RecordViolation(ctx, key, t0)
	require.NoError(t, err)
	rec, err := l.RecordViolation(ctx, key, t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Count)
	assert.Equal(t, t0, rec.LastViolationAt)
}

func TestCurrent(t *testing.T) {
	now := t0
	l := newTestLedger(time.Hour, &now)
	ctx := context.Background()
	key := Key{ChatID: 5, UserID: 6}

	rec, err := l.Current(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Count, "absent key")

	_, err = l.RecordViolation(ctx, key, t0)
	require.NoError(t, err)
	_, err = l.RecordViolation(ctx, key, t0)
	require.NoError(t, err)

	rec, err = l.Current(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Count)

	rec, err = l.Current(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Count, "Current does not mutate")

	now = t0.Add(2 * time.Hour)
	rec, err = l.Current(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Count, "expired window reads as zero")
}

func TestReset(t *testing.T) {
	now := t0
	l := newTestLedger(time.Hour, &now)
	ctx := context.Background()
	key := Key{ChatID: 5, UserID: 6}
	other := Key{ChatID: 5, UserID: 7}

	for _, k := range []Key{key, key, other} {
		_, err := l.RecordViolation(ctx, k, t0)
		require.NoError(t, err)
	}
	require.NoError(t, l.Reset(ctx, key))

	rec, err := l.Current(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Count)

	rec, err = l.Current(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Count, "reset is per key")

	rec, err = l.RecordViolation(ctx, key, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Count)
}

func TestNoDecayWithZeroWindow(t *testing.T) {
	now := t0
	l := newTestLedger(0, &now)
	ctx := context.Background()
	key := Key{ChatID: 1, UserID: 1}

	_, err := l.RecordViolation(ctx, key, t0)
	require.NoError(t, err)
	rec, err := l.RecordViolation(ctx, key, t0.Add(365*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Count)
}

func TestRecordViolation_Concurrent(t *testing.T) {
	now := t0
	l := newTestLedger(time.Hour, &now)
	ctx := context.Background()
	key := Key{ChatID: 9, UserID: 9}

	const n = 200
	var wg sync.WaitGroup
	counts := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := l.RecordViolation(ctx, key, t0)
			assert.NoError(t, err)
			counts <- rec.Count
		}()
	}
	wg.Wait()
	close(counts)

	seen := make(map[int]bool, n)
	for c := range counts {
		assert.False(t, seen[c], "count %d returned twice", c)
		seen[c] = true
	}
	rec, err := l.Current(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, n, rec.Count)
}
