package capacity

import (
	"context"
	"errors"
	"testing"
	"time"
)

type failingStore struct{}

func (failingStore) Acquire(context.Context, string, time.Duration, int) (bool, error) {
	return false, errors.New("connection refused")
}
func (failingStore) Release(context.Context, string) error { return errors.New("connection refused") }
func (failingStore) PurgeExpired(context.Context) (int, error) {
	return 0, errors.New("connection refused")
}
func (failingStore) ActiveCount(context.Context) (int, error) {
	return 0, errors.New("connection refused")
}
func (failingStore) Close() error { return nil }

func TestControllerAdmitsUpToCeiling(t *testing.T) {
	ctx := context.Background()
	c := NewController(NewMemoryStore(), 2, time.Hour, nil)

	if d := c.Admit(ctx, "c1"); d != DecisionAdmitted {
		t.Fatalf("first Admit = %q, want admitted", d)
	}
	if d := c.Admit(ctx, "c2"); d != DecisionAdmitted {
		t.Fatalf("second Admit = %q, want admitted", d)
	}
	if d := c.Admit(ctx, "c3"); d != DecisionDenied {
		t.Fatalf("third Admit = %q, want denied", d)
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Active != 2 || stats.Ceiling != 2 || !stats.AtCapacity {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestControllerReleaseFreesSlot(t *testing.T) {
	ctx := context.Background()
	c := NewController(NewMemoryStore(), 1, time.Hour, nil)

	if d := c.Admit(ctx, "c1"); d != DecisionAdmitted {
		t.Fatalf("Admit = %q, want admitted", d)
	}
	c.Release(ctx, "c1")
	c.Release(ctx, "c1") // double release is harmless
	if d := c.Admit(ctx, "c2"); d != DecisionAdmitted {
		t.Fatalf("Admit after release = %q, want admitted", d)
	}
}

func TestControllerFailsOpenWhenStoreUnreachable(t *testing.T) {
	ctx := context.Background()
	c := NewController(failingStore{}, 1, time.Hour, nil)

	if d := c.Admit(ctx, "c1"); d != DecisionFailOpen {
		t.Fatalf("Admit = %q, want fail_open", d)
	}
	// Release must not panic or propagate the store error.
	c.Release(ctx, "c1")

	if _, err := c.Stats(ctx); err == nil {
		t.Fatalf("Stats should surface store errors to the caller")
	}
}
