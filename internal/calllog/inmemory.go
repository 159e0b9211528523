package calllog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oterra/callgate/internal/policy"
)

const defaultCapacity = 4096

// MemoryStore keeps the most recent call events in a bounded ring. It backs
// local development and tests when no database is configured.
type MemoryStore struct {
	mu   sync.Mutex
	ring []Record
	next int
	full bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ring: make([]Record, defaultCapacity)}
}

func (m *MemoryStore) Append(_ context.Context, rec Record) error {
	rec = normalize(rec)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring[m.next] = rec
	m.next++
	if m.next == len(m.ring) {
		m.next = 0
		m.full = true
	}
	return nil
}

func (m *MemoryStore) Recent(_ context.Context, callID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	size := m.next
	if m.full {
		size = len(m.ring)
	}
	out := make([]Record, 0, limit)
	// Walk backwards from the newest entry.
	for i := 0; i < size && len(out) < limit; i++ {
		idx := (m.next - 1 - i + len(m.ring)) % len(m.ring)
		rec := m.ring[idx]
		if callID != "" && rec.CallID != callID {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemoryStore) Close() {}

func normalize(rec Record) Record {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	if redacted, changed := policy.RedactContact(rec.Detail); changed {
		rec.Detail = redacted
	}
	return rec
}
