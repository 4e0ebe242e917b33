package strikes

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemStore is an in-process Store. Updates to one key are serialised by the
// map's per-bucket locking; different keys proceed independently.
type MemStore struct {
	records *xsync.MapOf[Key, Record]
}

func NewMemStore() *MemStore {
	return &MemStore{records: xsync.NewMapOf[Key, Record]()}
}

func (m *MemStore) Increment(_ context.Context, key Key, at time.Time, window time.Duration) (Record, error) {
	rec, _ := m.records.Compute(key, func(old Record, _ bool) (Record, bool) {
		return next(old, at, window), false
	})
	return rec, nil
}

func (m *MemStore) Load(_ context.Context, key Key) (Record, bool, error) {
	rec, ok := m.records.Load(key)
	return rec, ok, nil
}

func (m *MemStore) Delete(_ context.Context, key Key) error {
	m.records.Delete(key)
	return nil
}

// Len returns the number of keys held.
func (m *MemStore) Len() int {
	return m.records.Size()
}
