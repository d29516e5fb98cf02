package lock

import (
	"context"
	"sync"
	"time"
)

type memoryRow struct {
	owner    string
	lockedAt time.Time
	until    time.Time
}

// MemoryStore keeps locks in process memory. It coordinates goroutines of one
// process only; use it for local runs and tests.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]memoryRow
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]memoryRow)}
}

func (s *MemoryStore) Acquire(_ context.Context, name, owner string, now, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.rows[name]; ok && row.until.After(now) {
		return false, nil
	}
	s.rows[name] = memoryRow{owner: owner, lockedAt: now, until: until}
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, name, owner string, _, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[name]
	if !ok || row.owner != owner {
		return nil
	}
	row.until = until
	s.rows[name] = row
	return nil
}

// Ping satisfies health probes.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// HeldUntil returns the recorded lockUntil of name and whether a row exists.
func (s *MemoryStore) HeldUntil(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[name]
	return row.until, ok
}
