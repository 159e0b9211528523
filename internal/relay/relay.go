package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/oterra/callgate/internal/bargein"
	"github.com/oterra/callgate/internal/call"
	"github.com/oterra/callgate/internal/calllog"
	"github.com/oterra/callgate/internal/observability"
	"github.com/oterra/callgate/internal/reliability"
	"github.com/oterra/callgate/internal/speech"
	"github.com/oterra/callgate/internal/telephony"
)

// Leg is the caller side of the relay. telephony.Leg is the production
// implementation; tests substitute an in-process fake.
type Leg interface {
	ReadFrame() (string, error)
	WriteFrame(payloadBase64 string) error
	Close() error
}

type Config struct {
	// FrameInterval paces outbound audio: one frame per tick, regardless of
	// how fast the backend streams deltas.
	FrameInterval time.Duration
	// CancelRetryDelay is the wait before the single retry of a failed
	// cancel send.
	CancelRetryDelay time.Duration
}

// frame is one queued outbound audio chunk tagged with the response that
// produced it, so frames of a cancelled response can be dropped.
type frame struct {
	responseID string
	payload    string
}

// turnEvent funnels every response lifecycle change into the transmit loop,
// which is the only goroutine that mutates response state on the session.
type turnEvent struct {
	speech.Event
	localCancel bool
}

// Relay runs the duplex audio bridge for one call: the ingest loop forwards
// caller audio to the speech backend, the dispatcher routes backend events,
// and the paced transmit loop writes backend audio to the caller.
type Relay struct {
	sess    *call.Session
	backend speech.Backend
	leg     Leg
	guards  *bargein.Controller
	metrics *observability.Metrics
	events  calllog.Store
	cfg     Config
	log     *zap.Logger
}

func New(sess *call.Session, backend speech.Backend, leg Leg, guards *bargein.Controller,
	metrics *observability.Metrics, events calllog.Store, cfg Config, log *zap.Logger) *Relay {
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 20 * time.Millisecond
	}
	if cfg.CancelRetryDelay <= 0 {
		cfg.CancelRetryDelay = 200 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		sess:    sess,
		backend: backend,
		leg:     leg,
		guards:  guards,
		metrics: metrics,
		events:  events,
		cfg:     cfg,
		log:     log.With(zap.String("call_id", sess.CallID)),
	}
}

// Run blocks until the caller hangs up, the backend connection ends, or ctx
// is cancelled. Hangup is the normal outcome and returns nil.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	turnCh := make(chan turnEvent, 512)
	errCh := make(chan error, 3)

	go r.ingestLoop(ctx, cancel, errCh)
	go r.dispatchLoop(ctx, cancel, turnCh, errCh)

	r.transmitLoop(ctx, turnCh, errCh)

	select {
	case err := <-errCh:
		if errors.Is(err, telephony.ErrHangup) {
			return nil
		}
		return err
	default:
		return ctx.Err()
	}
}

// ingestLoop forwards caller audio frames to the backend until hangup.
func (r *Relay) ingestLoop(ctx context.Context, cancel context.CancelFunc, errCh chan<- error) {
	defer cancel()
	for {
		payload, err := r.leg.ReadFrame()
		if err != nil {
			if errors.Is(err, telephony.ErrHangup) {
				r.log.Info("caller hung up")
			} else {
				r.log.Warn("media stream read failed", zap.Error(err))
			}
			select {
			case errCh <- err:
			default:
			}
			return
		}
		if err := r.backend.SendAudio(ctx, payload); err != nil {
			if ctx.Err() == nil {
				r.log.Warn("forwarding caller audio failed", zap.Error(err))
				select {
				case errCh <- err:
				default:
				}
			}
			return
		}
		r.metrics.RelayFrames.WithLabelValues("inbound").Inc()
	}
}

// dispatchLoop routes backend events: response lifecycle goes to the
// transmit loop, speech activity feeds the barge-in guards.
func (r *Relay) dispatchLoop(ctx context.Context, cancel context.CancelFunc, turnCh chan<- turnEvent, errCh chan<- error) {
	defer cancel()
	for {
		var evt speech.Event
		var ok bool
		select {
		case <-ctx.Done():
			return
		case evt, ok = <-r.backend.Events():
			if !ok {
				select {
				case errCh <- errors.New("speech backend connection closed"):
				default:
				}
				return
			}
		}

		switch evt.Type {
		case speech.EventResponseCreated, speech.EventAudioDelta,
			speech.EventResponseDone, speech.EventCancelAcked, speech.EventCancelRejected:
			select {
			case turnCh <- turnEvent{Event: evt}:
			case <-ctx.Done():
				return
			}
		case speech.EventSpeechStarted:
			now := time.Now()
			r.sess.MarkUserSpeechStarted(now)
			r.considerInterruption(ctx, bargein.TriggerSpeechStarted, now, turnCh)
		case speech.EventTranscript:
			r.considerInterruption(ctx, bargein.TriggerTranscript, time.Now(), turnCh)
		case speech.EventError:
			r.metrics.BackendErrors.WithLabelValues(evt.Code).Inc()
			if evt.Retryable {
				r.log.Warn("transient backend error", zap.String("code", evt.Code), zap.String("detail", evt.Detail))
				continue
			}
			r.log.Error("backend error", zap.String("code", evt.Code), zap.String("detail", evt.Detail))
		}
	}
}

// considerInterruption runs the guards and, when the cancel is honored,
// resets local state through the transmit loop before telling the backend.
func (r *Relay) considerInterruption(ctx context.Context, trigger bargein.Trigger, now time.Time, turnCh chan<- turnEvent) {
	snap := r.sess.Snapshot()
	decision := r.guards.Evaluate(snap, trigger, now)
	r.metrics.CancelDecisions.WithLabelValues(decision.Reason).Inc()
	if !decision.Cancel {
		return
	}

	r.sess.MarkCancelIssued(now)
	if !snap.LastUserSpeechStart.IsZero() {
		r.metrics.ObserveCallStage("speech_start_to_cancel", now.Sub(snap.LastUserSpeechStart))
	}
	r.log.Info("interruption honored",
		zap.String("response_id", decision.ResponseID),
		zap.String("trigger", string(trigger)))
	r.record(ctx, calllog.EventBargeIn, fmt.Sprintf("response %s cancelled on %s", decision.ResponseID, trigger))

	select {
	case turnCh <- turnEvent{Event: speech.Event{Type: speech.EventCancelAcked, ResponseID: decision.ResponseID}, localCancel: true}:
	case <-ctx.Done():
		return
	}

	go r.issueCancel(ctx, decision.ResponseID, trigger == bargein.TriggerTranscript)
}

// issueCancel sends the cancel to the backend with one retry. A rejection
// for an already finished response is a soft success and needs no retry.
func (r *Relay) issueCancel(ctx context.Context, responseID string, thenRespond bool) {
	err := r.backend.CancelResponse(ctx, responseID)
	if err != nil && !errors.Is(err, speech.ErrCancelNotActive) && ctx.Err() == nil {
		r.log.Warn("cancel send failed, retrying once", zap.Error(err))
		select {
		case <-time.After(r.cfg.CancelRetryDelay):
		case <-ctx.Done():
			return
		}
		if err := r.backend.CancelResponse(ctx, responseID); err != nil {
			r.log.Warn("cancel retry failed", zap.Error(err))
		}
	}

	if thenRespond && ctx.Err() == nil {
		// The caller finished a thought; answer it instead of going silent.
		r.createWithRetry(ctx, "")
	}
}

// createWithRetry requests a response with a single backoff retry.
func (r *Relay) createWithRetry(ctx context.Context, instructions string) {
	for attempt := 0; ; attempt++ {
		err := r.backend.CreateResponse(ctx, instructions)
		if err == nil || ctx.Err() != nil || attempt >= 1 {
			if err != nil && ctx.Err() == nil {
				r.log.Warn("response request failed", zap.Error(err))
			}
			return
		}
		r.log.Warn("response request failed, retrying once", zap.Error(err))
		wait := reliability.ExponentialBackoff(attempt, r.cfg.CancelRetryDelay, time.Second)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// transmitLoop is the single writer of response state: it adopts created
// responses, queues deltas, drops frames of cancelled responses, and writes
// exactly one frame per pacing tick.
func (r *Relay) transmitLoop(ctx context.Context, turnCh <-chan turnEvent, errCh chan<- error) {
	ticker := time.NewTicker(r.cfg.FrameInterval)
	defer ticker.Stop()

	var queue []frame
	cancelled := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-turnCh:
			queue = r.applyTurnEvent(ctx, evt, queue, cancelled)
		case <-ticker.C:
			if len(queue) == 0 {
				continue
			}
			next := queue[0]
			queue = queue[1:]
			if _, dropped := cancelled[next.responseID]; dropped {
				continue
			}
			if err := r.leg.WriteFrame(next.payload); err != nil {
				r.log.Warn("media stream write failed", zap.Error(err))
				select {
				case errCh <- err:
				default:
				}
				return
			}
			now := time.Now()
			if r.sess.MarkFirstAudio(next.responseID, now) {
				snap := r.sess.Snapshot()
				if !snap.ResponseCreatedAt.IsZero() {
					latency := now.Sub(snap.ResponseCreatedAt)
					r.metrics.ObserveFirstAudioLatency(latency)
					r.metrics.ObserveCallStage("response_to_first_audio", latency)
				}
			} else {
				r.sess.MarkAudioSent(now)
			}
			r.metrics.RelayFrames.WithLabelValues("outbound").Inc()
		}
	}
}

func (r *Relay) applyTurnEvent(ctx context.Context, evt turnEvent, queue []frame, cancelled map[string]struct{}) []frame {
	switch evt.Type {
	case speech.EventResponseCreated:
		now := time.Now()
		snap := r.sess.Snapshot()
		if !snap.LastCancelAt.IsZero() && now.Sub(snap.LastCancelAt) < 5*time.Second {
			r.metrics.ObserveCallStage("cancel_to_new_response", now.Sub(snap.LastCancelAt))
		}
		if err := r.sess.BeginResponse(evt.ResponseID, now); err != nil {
			// The backend started a new response while the old one never
			// reached a terminal event. Retire the old one and adopt.
			r.log.Warn("response superseded without terminal event",
				zap.String("old", snap.ActiveResponseID),
				zap.String("new", evt.ResponseID))
			r.sess.FinishResponse(snap.ActiveResponseID)
			_ = r.sess.BeginResponse(evt.ResponseID, now)
		}
		r.metrics.CallEvents.WithLabelValues("response_created").Inc()

	case speech.EventAudioDelta:
		if _, dropped := cancelled[evt.ResponseID]; dropped {
			return queue
		}
		return append(queue, frame{responseID: evt.ResponseID, payload: evt.AudioBase64})

	case speech.EventResponseDone:
		// The speaking flag clears now; already queued frames still drain so
		// the tail of the reply is not clipped.
		r.sess.FinishResponse(evt.ResponseID)
		r.metrics.CallEvents.WithLabelValues("response_done").Inc()

	case speech.EventCancelAcked:
		r.sess.FinishResponse(evt.ResponseID)
		if evt.localCancel {
			cancelled[evt.ResponseID] = struct{}{}
			return dropFrames(queue, evt.ResponseID)
		}

	case speech.EventCancelRejected:
		// The response finished on its own before the cancel arrived. Same
		// terminal outcome, just recorded differently.
		snap := r.sess.Snapshot()
		target := evt.ResponseID
		if target == "" {
			target = snap.ActiveResponseID
		}
		r.sess.FinishResponse(target)
		r.metrics.CallEvents.WithLabelValues("cancel_not_active").Inc()
		r.record(ctx, calllog.EventCancelNotActive, fmt.Sprintf("response %s already finished", target))
	}
	return queue
}

func dropFrames(queue []frame, responseID string) []frame {
	kept := queue[:0]
	for _, f := range queue {
		if f.responseID != responseID {
			kept = append(kept, f)
		}
	}
	return kept
}

func (r *Relay) record(ctx context.Context, eventType calllog.EventType, detail string) {
	if r.events == nil {
		return
	}
	if err := r.events.Append(ctx, calllog.Record{CallID: r.sess.CallID, Type: eventType, Detail: detail}); err != nil {
		r.log.Warn("call log append failed", zap.Error(err))
	}
}
