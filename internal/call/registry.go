package call

import (
	"errors"
	"sync"
)

var (
	ErrNotFound  = errors.New("call session not found")
	ErrDuplicate = errors.New("call session already registered")
	ErrEmptyCall = errors.New("call id is required")
)

// Registry is the process-local table of live call sessions. The duplex
// socket and in-flight state cannot move across processes, so out-of-band
// signals use this table to find the right session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Register(s *Session) error {
	if s == nil || s.CallID == "" {
		return ErrEmptyCall
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.CallID]; ok {
		return ErrDuplicate
	}
	r.sessions[s.CallID] = s
	return nil
}

// Unregister removes a session. Idempotent.
func (r *Registry) Unregister(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callID)
}

func (r *Registry) Lookup(callID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CallIDs returns the registered call ids, for maintenance sweeps.
func (r *Registry) CallIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
