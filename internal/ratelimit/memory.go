package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore is an in-process Store. It backs the limiter when the shared
// store is unreachable and serves as the sole store in single-instance
// deployments without redis.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	lastSweep time.Time

	now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Incr implements Store with saturating semantics.
func (s *MemoryStore) Incr(_ context.Context, key string, limit int, ttl time.Duration) (int64, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(now, ttl)

	e, ok := s.entries[key]
	if !ok || now.After(e.expiresAt) {
		e = memoryEntry{count: 0, expiresAt: now.Add(ttl)}
	}
	if e.count >= int64(limit) {
		return e.count + 1, nil
	}
	e.count++
	s.entries[key] = e
	return e.count, nil
}

// sweepLocked drops expired windows. Runs at most once per ttl so a hot
// limiter does not rescan the map on every call.
func (s *MemoryStore) sweepLocked(now time.Time, ttl time.Duration) {
	if now.Sub(s.lastSweep) < ttl {
		return
	}
	s.lastSweep = now
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}
