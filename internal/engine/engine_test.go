package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oterra/callgate/internal/bargein"
	"github.com/oterra/callgate/internal/call"
	"github.com/oterra/callgate/internal/calllog"
	"github.com/oterra/callgate/internal/capacity"
	"github.com/oterra/callgate/internal/gate"
	"github.com/oterra/callgate/internal/observability"
	"github.com/oterra/callgate/internal/speech"
	"github.com/oterra/callgate/internal/telephony"
)

// hangupLeg is a media leg whose caller hangs up when the test says so.
type hangupLeg struct {
	hangup chan struct{}
}

func newHangupLeg() *hangupLeg {
	return &hangupLeg{hangup: make(chan struct{})}
}

func (l *hangupLeg) ReadFrame() (string, error) {
	<-l.hangup
	return "", telephony.ErrHangup
}

func (l *hangupLeg) WriteFrame(string) error { return nil }
func (l *hangupLeg) Close() error            { return nil }

func newTestEngine(t *testing.T, ceiling int, dialer speech.Dialer) (*Engine, *capacity.MemoryStore) {
	t.Helper()
	slots := capacity.NewMemoryStore()
	if dialer == nil {
		dialer = speech.NewMockDialer()
	}
	e := New(
		capacity.NewController(slots, ceiling, time.Hour, nil),
		call.NewRegistry(),
		gate.NewSignalCache(30*time.Second),
		dialer,
		observability.NewMetrics("test"),
		calllog.NewMemoryStore(),
		Options{
			FrameInterval:       time.Millisecond,
			CancelRetryDelay:    time.Millisecond,
			GateFallbackWindow:  50 * time.Millisecond,
			MediaConnectTimeout: time.Minute,
			Thresholds: bargein.Thresholds{
				MinResponseAge:      time.Millisecond,
				AudioRecency:        time.Second,
				TranscriptStaleness: time.Second,
				CancelCooldown:      time.Millisecond,
			},
		},
		nil,
	)
	return e, slots
}

func TestAnnounceDeniesOverCeiling(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, 2, nil)

	for _, id := range []string{"c1", "c2"} {
		if _, err := e.Announce(ctx, AnnounceRequest{CallID: id}); err != nil {
			t.Fatalf("Announce(%s) error = %v", id, err)
		}
	}
	_, err := e.Announce(ctx, AnnounceRequest{CallID: "c3"})
	if !errors.Is(err, ErrOverCapacity) {
		t.Fatalf("third announce error = %v, want ErrOverCapacity", err)
	}

	recs, err := e.Events(ctx, "c3", 5)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(recs) != 1 || recs[0].Type != calllog.EventCallDenied {
		t.Fatalf("denied call log = %+v", recs)
	}
}

func TestAnnounceRejectsDuplicateCallID(t *testing.T) {
	ctx := context.Background()
	e, slots := newTestEngine(t, 5, nil)

	if _, err := e.Announce(ctx, AnnounceRequest{CallID: "c1"}); err != nil {
		t.Fatalf("Announce() error = %v", err)
	}
	if _, err := e.Announce(ctx, AnnounceRequest{CallID: "c1"}); !errors.Is(err, ErrAlreadyAnnounced) {
		t.Fatalf("duplicate announce error = %v, want ErrAlreadyAnnounced", err)
	}
	// The duplicate attempt refreshed the existing slot, never added one.
	if n, _ := slots.ActiveCount(ctx); n != 1 {
		t.Fatalf("active slots = %d, want 1", n)
	}
}

func TestTeardownReleasesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	e, slots := newTestEngine(t, 2, nil)

	for _, id := range []string{"c1", "c2"} {
		if _, err := e.Announce(ctx, AnnounceRequest{CallID: id}); err != nil {
			t.Fatalf("Announce(%s) error = %v", id, err)
		}
	}

	e.teardown("c1", "test")
	e.teardown("c1", "test")
	e.teardown("c1", "test")

	if n, _ := slots.ActiveCount(ctx); n != 1 {
		t.Fatalf("active slots = %d, want 1", n)
	}
	if _, _, err := e.Snapshot("c1"); !errors.Is(err, call.ErrNotFound) {
		t.Fatalf("Snapshot after teardown error = %v, want ErrNotFound", err)
	}
	if _, local, _ := e.Stats(ctx); local != 1 {
		t.Fatalf("local sessions = %d, want 1", local)
	}

	// Freed capacity is usable again.
	if _, err := e.Announce(ctx, AnnounceRequest{CallID: "c3"}); err != nil {
		t.Fatalf("Announce after release error = %v", err)
	}
}

func TestPresenceBeforeAnnounceConfirmsAtAnnounce(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, 5, nil)

	confirmed, err := e.HandlePresence(ctx, "c1")
	if err != nil {
		t.Fatalf("HandlePresence() error = %v", err)
	}
	if confirmed {
		t.Fatal("signal for unknown call should cache, not confirm")
	}

	res, err := e.Announce(ctx, AnnounceRequest{CallID: "c1", Direction: call.DirectionOutbound})
	if err != nil {
		t.Fatalf("Announce() error = %v", err)
	}
	if res.GateState != call.GateConfirmed {
		t.Fatalf("gate state = %q, want confirmed", res.GateState)
	}
}

func TestPresenceAfterAnnounce(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, 5, nil)

	if _, err := e.Announce(ctx, AnnounceRequest{CallID: "c1", Direction: call.DirectionOutbound}); err != nil {
		t.Fatalf("Announce() error = %v", err)
	}

	confirmed, err := e.HandlePresence(ctx, "c1")
	if err != nil || !confirmed {
		t.Fatalf("HandlePresence() = %v, %v, want true, nil", confirmed, err)
	}
	// Duplicate signal is a no-op.
	confirmed, err = e.HandlePresence(ctx, "c1")
	if err != nil || confirmed {
		t.Fatalf("duplicate HandlePresence() = %v, %v, want false, nil", confirmed, err)
	}

	snap, _, err := e.Snapshot("c1")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.GateState != call.GateConfirmed || !snap.HumanConfirmed {
		t.Fatalf("snapshot = %+v, want confirmed gate", snap)
	}
}

func TestPresenceOnInboundIsNoOp(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, 5, nil)

	if _, err := e.Announce(ctx, AnnounceRequest{CallID: "c1"}); err != nil {
		t.Fatalf("Announce() error = %v", err)
	}
	confirmed, err := e.HandlePresence(ctx, "c1")
	if err != nil || confirmed {
		t.Fatalf("HandlePresence() = %v, %v, want false, nil", confirmed, err)
	}
}

func TestRunMediaInboundSpeaksAndTearsDown(t *testing.T) {
	ctx := context.Background()
	backend := speech.NewMockBackend()
	e, slots := newTestEngine(t, 5, speech.NewMockDialer(backend))

	if _, err := e.Announce(ctx, AnnounceRequest{CallID: "c1"}); err != nil {
		t.Fatalf("Announce() error = %v", err)
	}

	leg := newHangupLeg()
	done := make(chan error, 1)
	go func() { done <- e.RunMedia(ctx, "c1", leg) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(backend.CreatedResponses()) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if len(backend.CreatedResponses()) != 1 {
		t.Fatal("inbound call never got its opening response")
	}

	close(leg.hangup)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunMedia() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("RunMedia did not return after hangup")
	}

	if n, _ := slots.ActiveCount(ctx); n != 0 {
		t.Fatalf("active slots after hangup = %d, want 0", n)
	}
	if _, _, err := e.Snapshot("c1"); !errors.Is(err, call.ErrNotFound) {
		t.Fatalf("session survived teardown: %v", err)
	}
}

func TestRunMediaOutboundWaitsForGate(t *testing.T) {
	ctx := context.Background()
	backend := speech.NewMockBackend()
	e, _ := newTestEngine(t, 5, speech.NewMockDialer(backend))

	if _, err := e.Announce(ctx, AnnounceRequest{CallID: "c1", Direction: call.DirectionOutbound}); err != nil {
		t.Fatalf("Announce() error = %v", err)
	}

	leg := newHangupLeg()
	done := make(chan error, 1)
	go func() { done <- e.RunMedia(ctx, "c1", leg) }()

	// Nothing is spoken before the signal arrives.
	time.Sleep(15 * time.Millisecond)
	if n := len(backend.CreatedResponses()); n != 0 {
		t.Fatalf("outbound call spoke before presence: %d responses", n)
	}

	if confirmed, err := e.HandlePresence(ctx, "c1"); err != nil || !confirmed {
		t.Fatalf("HandlePresence() = %v, %v", confirmed, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(backend.CreatedResponses()) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if len(backend.CreatedResponses()) != 1 {
		t.Fatal("confirmed outbound call never spoke")
	}

	close(leg.hangup)
	<-done
}

func TestRunMediaOutboundGateTimeout(t *testing.T) {
	ctx := context.Background()
	backend := speech.NewMockBackend()
	e, _ := newTestEngine(t, 5, speech.NewMockDialer(backend))

	if _, err := e.Announce(ctx, AnnounceRequest{CallID: "c1", Direction: call.DirectionOutbound}); err != nil {
		t.Fatalf("Announce() error = %v", err)
	}

	leg := newHangupLeg()
	done := make(chan error, 1)
	go func() { done <- e.RunMedia(ctx, "c1", leg) }()

	// The 50ms fallback window lapses and the call proceeds anyway.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(backend.CreatedResponses()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if len(backend.CreatedResponses()) != 1 {
		t.Fatal("timed-out outbound call never spoke")
	}
	snap, _, err := e.Snapshot("c1")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.GateState != call.GateTimedOut {
		t.Fatalf("gate state = %q, want timed_out", snap.GateState)
	}

	close(leg.hangup)
	<-done
}

func TestReapUnconnectedCalls(t *testing.T) {
	ctx := context.Background()
	e, slots := newTestEngine(t, 5, nil)
	e.opts.MediaConnectTimeout = time.Nanosecond

	if _, err := e.Announce(ctx, AnnounceRequest{CallID: "c1"}); err != nil {
		t.Fatalf("Announce() error = %v", err)
	}
	time.Sleep(time.Millisecond)
	e.reapUnconnected()

	if n, _ := slots.ActiveCount(ctx); n != 0 {
		t.Fatalf("active slots = %d, want 0 after reap", n)
	}
}
