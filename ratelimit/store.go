package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store persists rate limit records.
//
// Attempt must apply Admit and persist the result as one atomic step so that
// two concurrent attempts on the same key never observe a torn record.
type Store interface {
	Attempt(ctx context.Context, key string, now time.Time, maxAttempts int, window time.Duration) (bool, error)
	Lookup(ctx context.Context, key string) (Record, bool, error)
	Delete(ctx context.Context, key string) error
}

// MemoryStore is a process-local Store
type MemoryStore struct {
	mu           sync.Mutex
	entries      map[string]memoryEntry
	cleanupEvery time.Duration
}

type memoryEntry struct {
	rec     Record
	expires time.Time
}

// MemoryStoreOption configures a MemoryStore
type MemoryStoreOption func(*MemoryStore)

// WithCleanupEvery sets how often the janitor evicts expired records
func WithCleanupEvery(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) { s.cleanupEvery = d }
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries:      make(map[string]memoryEntry),
		cleanupEvery: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attempt implements Store
func (s *MemoryStore) Attempt(_ context.Context, key string, now time.Time, maxAttempts int, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, exists := s.entries[key]
	rec, ok := Admit(ent.rec, exists, now, maxAttempts, window)
	if ok {
		s.entries[key] = memoryEntry{rec: rec, expires: rec.WindowStart.Add(window)}
	}
	return ok, nil
}

// Lookup implements Store
func (s *MemoryStore) Lookup(_ context.Context, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	return ent.rec, ok, nil
}

// Delete implements Store
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Len returns the number of records held
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Cleanup evicts records whose window ended before now
func (s *MemoryStore) Cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		if now.After(ent.expires) {
			delete(s.entries, k)
		}
	}
}

// StartJanitor starts a goroutine that evicts expired records periodically.
// Stop it by cancelling ctx.
func (s *MemoryStore) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				s.Cleanup(now)
			}
		}
	}()
}
