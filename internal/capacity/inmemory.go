package capacity

import (
	"context"
	"sync"
	"time"
)

// MemoryStore mirrors the Redis slot semantics for single-process runs.
type MemoryStore struct {
	mu    sync.Mutex
	slots map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[string]time.Time)}
}

func (s *MemoryStore) Acquire(_ context.Context, callID string, ttl time.Duration, ceiling int) (bool, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeLocked(now)
	if _, ok := s.slots[callID]; ok {
		s.slots[callID] = now.Add(ttl)
		return true, nil
	}
	if len(s.slots) >= ceiling {
		return false, nil
	}
	s.slots[callID] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, callID)
	return nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeLocked(time.Now()), nil
}

func (s *MemoryStore) ActiveCount(_ context.Context) (int, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, expires := range s.slots {
		if expires.After(now) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) purgeLocked(now time.Time) int {
	removed := 0
	for id, expires := range s.slots {
		if !expires.After(now) {
			delete(s.slots, id)
			removed++
		}
	}
	return removed
}
