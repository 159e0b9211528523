package gate

import (
	"sync"
	"time"
)

// SignalCache holds human-presence signals that raced ahead of session
// registration. Registration consumes a cached signal exactly once; entries
// expire after a short TTL so abandoned attempts don't accumulate.
type SignalCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
}

func NewSignalCache(ttl time.Duration) *SignalCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &SignalCache{
		ttl:     ttl,
		entries: make(map[string]time.Time),
	}
}

func (c *SignalCache) Put(callID string) {
	if callID == "" {
		return
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked(now)
	c.entries[callID] = now.Add(c.ttl)
}

// Consume returns whether a live signal was cached for callID, removing it.
func (c *SignalCache) Consume(callID string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	expires, ok := c.entries[callID]
	if !ok {
		return false
	}
	delete(c.entries, callID)
	return expires.After(now)
}

// Purge drops expired entries; called from the maintenance sweeper.
func (c *SignalCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked(time.Now())
}

func (c *SignalCache) purgeLocked(now time.Time) int {
	removed := 0
	for id, expires := range c.entries {
		if !expires.After(now) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}
