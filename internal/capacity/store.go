package capacity

import (
	"context"
	"strings"
	"time"
)

// Store is the shared slot registry. It must support atomic
// add-if-below-ceiling and per-slot expiry; Redis in production, in-memory
// for development and tests.
type Store interface {
	// Acquire reserves a slot for callID with the given TTL iff the active
	// set is below ceiling. Re-acquiring an existing slot refreshes its TTL
	// and succeeds regardless of the ceiling.
	Acquire(ctx context.Context, callID string, ttl time.Duration, ceiling int) (bool, error)
	// Release drops the slot. Idempotent; unknown ids are not an error.
	Release(ctx context.Context, callID string) error
	// PurgeExpired removes slots whose TTL already lapsed. Maintenance only.
	PurgeExpired(ctx context.Context) (int, error)
	// ActiveCount reports the number of unexpired slots.
	ActiveCount(ctx context.Context) (int, error)
	Close() error
}

// NewStore creates a Redis-backed store when configured, otherwise in-memory.
func NewStore(redisURL, keyPrefix string) (Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewRedisStore(redisURL, keyPrefix)
}
