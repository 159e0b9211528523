package gate

import (
	"context"
	"sync"
	"time"
)

// Outcome is how an outbound opening-turn gate resolved.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeAborted   Outcome = "aborted"
)

// Gate withholds the opening turn of an outbound call until a human-presence
// signal arrives or the fallback window lapses. It resolves exactly once.
type Gate struct {
	mu      sync.Mutex
	outcome Outcome
	done    chan struct{}
}

func New() *Gate {
	return &Gate{done: make(chan struct{})}
}

// Confirm resolves the gate with human presence. Returns false if the gate
// already resolved, so duplicate signals never double-apply.
func (g *Gate) Confirm() bool {
	return g.resolve(OutcomeConfirmed)
}

// Abort resolves the gate because the call is being torn down.
func (g *Gate) Abort() {
	g.resolve(OutcomeAborted)
}

// Wait blocks until the gate resolves or the fallback window lapses. A
// timeout resolves the gate to TimedOut so a later signal cannot reopen it.
func (g *Gate) Wait(ctx context.Context, window time.Duration) Outcome {
	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case <-g.done:
	case <-timer.C:
		g.resolve(OutcomeTimedOut)
	case <-ctx.Done():
		g.resolve(OutcomeAborted)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outcome
}

func (g *Gate) resolve(o Outcome) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.outcome != "" {
		return false
	}
	g.outcome = o
	close(g.done)
	return true
}
