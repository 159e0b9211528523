package capacity

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Decision is the admission outcome for one call attempt.
type Decision string

const (
	DecisionAdmitted Decision = "admitted"
	DecisionDenied   Decision = "denied"
	// DecisionFailOpen means the shared store was unreachable and the call
	// was allowed anyway. Refusing all calls on an infrastructure blip is
	// worse than briefly exceeding intended capacity.
	DecisionFailOpen Decision = "fail_open"
)

type Stats struct {
	Active     int  `json:"active"`
	Ceiling    int  `json:"ceiling"`
	AtCapacity bool `json:"at_capacity"`
}

// Controller gatekeeps how many calls may run system-wide.
type Controller struct {
	store   Store
	ceiling int
	ttl     time.Duration
	log     *zap.Logger
}

func NewController(store Store, ceiling int, ttl time.Duration, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{store: store, ceiling: ceiling, ttl: ttl, log: log}
}

// Admit atomically reserves a slot for callID. Store failures fail open.
func (c *Controller) Admit(ctx context.Context, callID string) Decision {
	ok, err := c.store.Acquire(ctx, callID, c.ttl, c.ceiling)
	if err != nil {
		c.log.Warn("capacity registry unreachable, failing open",
			zap.String("call_id", callID),
			zap.Error(err))
		return DecisionFailOpen
	}
	if !ok {
		return DecisionDenied
	}
	return DecisionAdmitted
}

// Release frees the slot. Safe to call repeatedly or for ids never acquired;
// errors are logged, never propagated, since the slot TTL bounds any leak.
func (c *Controller) Release(ctx context.Context, callID string) {
	if err := c.store.Release(ctx, callID); err != nil {
		c.log.Warn("slot release failed, TTL will reap it",
			zap.String("call_id", callID),
			zap.Error(err))
	}
}

// Sweep removes expired slots that linger in the active set. Optional
// maintenance; correctness never depends on it.
func (c *Controller) Sweep(ctx context.Context) {
	removed, err := c.store.PurgeExpired(ctx)
	if err != nil {
		c.log.Warn("slot sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		c.log.Info("swept expired capacity slots", zap.Int("removed", removed))
	}
}

func (c *Controller) Stats(ctx context.Context) (Stats, error) {
	active, err := c.store.ActiveCount(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Active:     active,
		Ceiling:    c.ceiling,
		AtCapacity: active >= c.ceiling,
	}, nil
}
