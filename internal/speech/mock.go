package speech

import (
	"context"
	"sync"
)

// MockBackend is a scriptable backend for tests and for running the engine
// without a configured speech service.
type MockBackend struct {
	events chan Event

	mu        sync.Mutex
	audio     []string
	created   []string
	cancelled []string
	cancelErr error
	closed    bool
}

func NewMockBackend() *MockBackend {
	return &MockBackend{events: make(chan Event, 256)}
}

// Push feeds one scripted event to the engine.
func (m *MockBackend) Push(evt Event) {
	m.events <- evt
}

func (m *MockBackend) Events() <-chan Event {
	return m.events
}

func (m *MockBackend) SendAudio(_ context.Context, audioBase64 string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audio = append(m.audio, audioBase64)
	return nil
}

func (m *MockBackend) CreateResponse(_ context.Context, instructions string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, instructions)
	return nil
}

func (m *MockBackend) CancelResponse(_ context.Context, responseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancelled = append(m.cancelled, responseID)
	return nil
}

func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	return nil
}

func (m *MockBackend) SetCancelErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelErr = err
}

func (m *MockBackend) SentAudio() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.audio...)
}

func (m *MockBackend) CreatedResponses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.created...)
}

func (m *MockBackend) CancelledResponses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

// MockDialer hands out pre-built mock backends, one per Dial.
type MockDialer struct {
	mu       sync.Mutex
	backends []*MockBackend
}

func NewMockDialer(backends ...*MockBackend) *MockDialer {
	return &MockDialer{backends: backends}
}

func (d *MockDialer) Dial(_ context.Context, _ string) (Backend, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.backends) == 0 {
		b := NewMockBackend()
		return b, nil
	}
	b := d.backends[0]
	d.backends = d.backends[1:]
	return b, nil
}
