package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oterra/callgate/internal/bargein"
	"github.com/oterra/callgate/internal/call"
	"github.com/oterra/callgate/internal/calllog"
	"github.com/oterra/callgate/internal/capacity"
	"github.com/oterra/callgate/internal/gate"
	"github.com/oterra/callgate/internal/observability"
	"github.com/oterra/callgate/internal/relay"
	"github.com/oterra/callgate/internal/speech"
)

var (
	// ErrOverCapacity reports that all call slots are taken system-wide.
	ErrOverCapacity = errors.New("all call slots are in use")
	// ErrAlreadyAnnounced reports a duplicate announce for a live call id.
	ErrAlreadyAnnounced = errors.New("call already announced")
)

const openingInstructions = "Greet the caller briefly and ask how you can help."

// Options carries the tunables the engine needs; values come from config.
type Options struct {
	FrameInterval       time.Duration
	CancelRetryDelay    time.Duration
	GateFallbackWindow  time.Duration
	MediaConnectTimeout time.Duration
	Thresholds          bargein.Thresholds
}

// activeCall is the engine's bookkeeping for one live call. releaseOnce
// guards teardown so the slot is freed exactly once no matter how many
// paths (hangup, relay error, sweeper, shutdown) race to end the call.
type activeCall struct {
	sess        *call.Session
	gate        *gate.Gate
	announcedAt time.Time

	mu             sync.Mutex
	mediaConnected bool

	releaseOnce sync.Once
}

func (ac *activeCall) markMediaConnected() {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.mediaConnected = true
}

func (ac *activeCall) isMediaConnected() bool {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.mediaConnected
}

// Engine owns the call lifecycle from announce to teardown.
type Engine struct {
	admission *capacity.Controller
	registry  *call.Registry
	signals   *gate.SignalCache
	dialer    speech.Dialer
	guards    *bargein.Controller
	metrics   *observability.Metrics
	events    calllog.Store
	opts      Options
	log       *zap.Logger

	mu    sync.Mutex
	calls map[string]*activeCall
}

func New(admission *capacity.Controller, registry *call.Registry, signals *gate.SignalCache,
	dialer speech.Dialer, metrics *observability.Metrics, events calllog.Store,
	opts Options, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		admission: admission,
		registry:  registry,
		signals:   signals,
		dialer:    dialer,
		guards:    bargein.New(opts.Thresholds, log),
		metrics:   metrics,
		events:    events,
		opts:      opts,
		log:       log,
		calls:     make(map[string]*activeCall),
	}
}

type AnnounceRequest struct {
	CallID    string
	Direction call.Direction
	From      string
	To        string
}

type AnnounceResult struct {
	CallID    string         `json:"call_id"`
	Direction call.Direction `json:"direction"`
	GateState call.GateState `json:"outbound_gate_state"`
	MediaPath string         `json:"media_ws_path"`
}

// Announce admits one call attempt: it reserves a capacity slot, registers
// the session, and arms the outbound gate. The media socket connects
// separately through RunMedia.
func (e *Engine) Announce(ctx context.Context, req AnnounceRequest) (AnnounceResult, error) {
	callID := req.CallID
	if callID == "" {
		callID = uuid.NewString()
	}
	if req.Direction != call.DirectionOutbound {
		req.Direction = call.DirectionInbound
	}

	decision := e.admission.Admit(ctx, callID)
	e.metrics.AdmissionDecisions.WithLabelValues(string(decision)).Inc()
	if decision == capacity.DecisionDenied {
		e.record(ctx, callID, calllog.EventCallDenied, "all slots in use")
		e.log.Info("call denied, at capacity", zap.String("call_id", callID))
		return AnnounceResult{}, ErrOverCapacity
	}

	sess := call.NewSession(callID, req.Direction, req.From, req.To)
	if err := e.registry.Register(sess); err != nil {
		if errors.Is(err, call.ErrDuplicate) {
			// The acquire above only refreshed the live call's slot; keep it.
			return AnnounceResult{}, ErrAlreadyAnnounced
		}
		e.admission.Release(ctx, callID)
		return AnnounceResult{}, err
	}

	ac := &activeCall{sess: sess, announcedAt: time.Now()}
	if req.Direction == call.DirectionOutbound {
		ac.gate = gate.New()
		// A presence signal may have raced ahead of this announce.
		if e.signals.Consume(callID) {
			e.confirmPresence(ctx, ac)
		}
	}

	e.mu.Lock()
	e.calls[callID] = ac
	e.mu.Unlock()

	e.metrics.ActiveCalls.Inc()
	e.record(ctx, callID, calllog.EventCallAdmitted, string(decision))
	e.log.Info("call admitted",
		zap.String("call_id", callID),
		zap.String("direction", string(req.Direction)),
		zap.String("decision", string(decision)))

	return AnnounceResult{
		CallID:    callID,
		Direction: req.Direction,
		GateState: sess.GateState(),
		MediaPath: "/v1/calls/media/ws?call_id=" + callID,
	}, nil
}

// RunMedia binds the media socket to an announced call and runs the relay
// until the call ends. Teardown happens here exactly once.
func (e *Engine) RunMedia(ctx context.Context, callID string, leg relay.Leg) error {
	ac, err := e.lookup(callID)
	if err != nil {
		return err
	}
	ac.markMediaConnected()
	e.metrics.ObserveCallStage("announce_to_media_connect", time.Since(ac.announcedAt))

	defer e.teardown(callID, "media stream closed")

	backend, err := e.dialer.Dial(ctx, callID)
	if err != nil {
		e.record(ctx, callID, calllog.EventCallEnded, "speech backend unreachable")
		return fmt.Errorf("dial speech backend: %w", err)
	}
	defer backend.Close()

	e.record(ctx, callID, calllog.EventCallStarted, "media stream connected")
	e.openingTurn(ctx, ac, backend)

	r := relay.New(ac.sess, backend, leg, e.guards, e.metrics, e.events, relay.Config{
		FrameInterval:    e.opts.FrameInterval,
		CancelRetryDelay: e.opts.CancelRetryDelay,
	}, e.log)
	return r.Run(ctx)
}

// openingTurn starts the first reply. Inbound calls speak immediately;
// outbound calls wait behind the presence gate so a voicemail beep does not
// receive the greeting.
func (e *Engine) openingTurn(ctx context.Context, ac *activeCall, backend speech.Backend) {
	if ac.sess.Direction != call.DirectionOutbound {
		if err := backend.CreateResponse(ctx, openingInstructions); err != nil {
			e.log.Warn("opening response request failed", zap.Error(err))
		}
		return
	}

	go func() {
		outcome := ac.gate.Wait(ctx, e.opts.GateFallbackWindow)
		switch outcome {
		case gate.OutcomeConfirmed:
			// Session state was already flipped by the presence handler.
		case gate.OutcomeTimedOut:
			ac.sess.TimeoutGate()
			e.metrics.GateTransitions.WithLabelValues(string(call.GateTimedOut)).Inc()
			e.record(ctx, ac.sess.CallID, calllog.EventGateTimedOut, "no presence signal within window")
			e.log.Info("presence gate timed out, greeting anyway", zap.String("call_id", ac.sess.CallID))
		case gate.OutcomeAborted:
			return
		}
		if err := backend.CreateResponse(ctx, openingInstructions); err != nil {
			e.log.Warn("opening response request failed", zap.Error(err))
		}
	}()
}

// HandlePresence applies a human-presence signal. Signals for calls not yet
// announced are cached briefly; duplicates are no-ops.
func (e *Engine) HandlePresence(ctx context.Context, callID string) (confirmed bool, err error) {
	if callID == "" {
		return false, call.ErrEmptyCall
	}
	ac, err := e.lookup(callID)
	if errors.Is(err, call.ErrNotFound) {
		e.signals.Put(callID)
		e.log.Info("presence signal cached ahead of announce", zap.String("call_id", callID))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if ac.gate == nil {
		// Inbound calls have no gate; the signal is informational.
		return false, nil
	}
	return e.confirmPresence(ctx, ac), nil
}

func (e *Engine) confirmPresence(ctx context.Context, ac *activeCall) bool {
	if !ac.gate.Confirm() {
		return false
	}
	ac.sess.ConfirmHuman()
	e.metrics.GateTransitions.WithLabelValues(string(call.GateConfirmed)).Inc()
	e.record(ctx, ac.sess.CallID, calllog.EventGateConfirmed, "human presence confirmed")
	e.log.Info("presence confirmed", zap.String("call_id", ac.sess.CallID))
	return true
}

// Snapshot returns the live state of one call for inspection.
func (e *Engine) Snapshot(callID string) (call.Snapshot, bargein.State, error) {
	sess, err := e.registry.Lookup(callID)
	if err != nil {
		return call.Snapshot{}, "", err
	}
	snap := sess.Snapshot()
	return snap, bargein.StateOf(snap), nil
}

// Events returns recent call log records, newest first.
func (e *Engine) Events(ctx context.Context, callID string, limit int) ([]calllog.Record, error) {
	return e.events.Recent(ctx, callID, limit)
}

// Stats reports shared capacity alongside the local session count.
func (e *Engine) Stats(ctx context.Context) (capacity.Stats, int, error) {
	stats, err := e.admission.Stats(ctx)
	return stats, e.registry.ActiveCount(), err
}

// StartSweeper runs periodic maintenance until ctx ends: expired slot and
// signal purges, plus reaping calls whose media socket never arrived.
func (e *Engine) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.admission.Sweep(ctx)
				e.signals.Purge()
				e.reapUnconnected()
			}
		}
	}()
}

func (e *Engine) reapUnconnected() {
	cutoff := time.Now().Add(-e.opts.MediaConnectTimeout)
	e.mu.Lock()
	var stale []string
	for id, ac := range e.calls {
		if !ac.isMediaConnected() && ac.announcedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	e.mu.Unlock()
	for _, id := range stale {
		e.log.Info("reaping call that never connected media", zap.String("call_id", id))
		e.teardown(id, "media stream never connected")
	}
}

// Shutdown tears down every live call.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.calls))
	for id := range e.calls {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.teardown(id, "server shutting down")
	}
}

func (e *Engine) lookup(callID string) (*activeCall, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ac, ok := e.calls[callID]
	if !ok {
		return nil, call.ErrNotFound
	}
	return ac, nil
}

// teardown releases everything a call holds. The releaseOnce guard makes
// duplicate teardowns harmless, so the capacity slot is freed exactly once.
func (e *Engine) teardown(callID string, reason string) {
	ac, err := e.lookup(callID)
	if err != nil {
		return
	}
	ac.releaseOnce.Do(func() {
		if ac.gate != nil {
			ac.gate.Abort()
		}
		e.registry.Unregister(callID)

		// Release must not be lost to a cancelled request context.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.admission.Release(ctx, callID)

		e.mu.Lock()
		delete(e.calls, callID)
		e.mu.Unlock()

		e.metrics.ActiveCalls.Dec()
		e.metrics.CallEvents.WithLabelValues(string(calllog.EventCallEnded)).Inc()
		e.record(ctx, callID, calllog.EventCallEnded, reason)
		e.log.Info("call ended",
			zap.String("call_id", callID),
			zap.String("reason", reason),
			zap.Duration("duration", time.Since(ac.announcedAt)))
	})
}

func (e *Engine) record(ctx context.Context, callID string, eventType calllog.EventType, detail string) {
	if e.events == nil {
		return
	}
	if err := e.events.Append(ctx, calllog.Record{CallID: callID, Type: eventType, Detail: detail}); err != nil {
		e.log.Warn("call log append failed", zap.Error(err))
	}
}
