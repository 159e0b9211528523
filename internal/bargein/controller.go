package bargein

import (
	"time"

	"go.uber.org/zap"

	"github.com/oterra/callgate/internal/call"
)

// State is the derived turn-taking state for one call.
type State string

const (
	StateIdle               State = "idle"
	StateAwaitingFirstAudio State = "awaiting_first_audio"
	StateAiSpeaking         State = "ai_speaking"
	StateCancelling         State = "cancelling"
)

// Trigger identifies which signal proposed the interruption.
type Trigger string

const (
	TriggerSpeechStarted Trigger = "speech_started"
	TriggerTranscript    Trigger = "transcript"
)

// Reasons a candidate interruption was declined, used for metrics and the
// call log. ReasonHonored is the single accepting outcome.
const (
	ReasonHonored          = "honored"
	ReasonNoActiveResponse = "no_active_response"
	ReasonResponseDone     = "response_done"
	ReasonAwaitingAudio    = "awaiting_first_audio"
	ReasonTooYoung         = "too_young"
	ReasonAudioStale       = "audio_stale"
	ReasonCooldown         = "cooldown"
	ReasonTranscriptLate   = "transcript_late"
)

type Decision struct {
	Cancel     bool
	ResponseID string
	Reason     string
}

// Thresholds are the empirically tuned cancellation guards. All of them are
// configuration; defaults live in the config package.
type Thresholds struct {
	// MinResponseAge is the grace period after the first transmitted frame
	// during which a reply is never interrupted. Cancelling earlier yields
	// the audible "starts speaking then stops" defect.
	MinResponseAge time.Duration
	// AudioRecency bounds how long ago the last frame may have been sent
	// for the response to still count as actively speaking.
	AudioRecency time.Duration
	// TranscriptStaleness is the maximum age of a transcript, measured from
	// the locally recorded speech-start instant, to still count as a live
	// interruption instead of ordinary next-turn input.
	TranscriptStaleness time.Duration
	// CancelCooldown suppresses duplicate cancel storms.
	CancelCooldown time.Duration
}

// Controller decides whether a candidate interruption may cut off the
// system's in-progress reply. It is pure decision logic: issuing the cancel
// and resetting state belong to the relay.
type Controller struct {
	thresholds Thresholds
	log        *zap.Logger
}

func New(thresholds Thresholds, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{thresholds: thresholds, log: log}
}

// StateOf derives the turn-taking state from a session snapshot.
func StateOf(snap call.Snapshot) State {
	switch {
	case snap.ActiveResponseID == "" || snap.ActiveResponseDone:
		return StateIdle
	case snap.FirstAudioSentAt.IsZero():
		return StateAwaitingFirstAudio
	case snap.AISpeaking:
		return StateAiSpeaking
	default:
		return StateCancelling
	}
}

// Evaluate applies the cancellation guards to one candidate interruption.
// Every guard must hold for the cancel to be honored.
func (c *Controller) Evaluate(snap call.Snapshot, trigger Trigger, now time.Time) Decision {
	if snap.ActiveResponseID == "" {
		return Decision{Reason: ReasonNoActiveResponse}
	}
	if snap.ActiveResponseDone {
		return Decision{ResponseID: snap.ActiveResponseID, Reason: ReasonResponseDone}
	}
	if snap.FirstAudioSentAt.IsZero() {
		// Nothing audible yet; cancelling now would cut a reply the caller
		// never heard begin.
		return Decision{ResponseID: snap.ActiveResponseID, Reason: ReasonAwaitingAudio}
	}
	if now.Sub(snap.FirstAudioSentAt) < c.thresholds.MinResponseAge {
		return Decision{ResponseID: snap.ActiveResponseID, Reason: ReasonTooYoung}
	}
	if snap.LastAudioOutAt.IsZero() || now.Sub(snap.LastAudioOutAt) > c.thresholds.AudioRecency {
		// Holding a stale response reference, not actively speaking.
		return Decision{ResponseID: snap.ActiveResponseID, Reason: ReasonAudioStale}
	}
	if !snap.LastCancelAt.IsZero() && now.Sub(snap.LastCancelAt) <= c.thresholds.CancelCooldown {
		return Decision{ResponseID: snap.ActiveResponseID, Reason: ReasonCooldown}
	}
	if trigger == TriggerTranscript {
		if snap.LastUserSpeechStart.IsZero() ||
			now.Sub(snap.LastUserSpeechStart) > c.thresholds.TranscriptStaleness {
			// The system has very likely finished speaking by the time this
			// transcript materialized; treat it as next-turn input.
			c.log.Debug("stale transcript suppressed",
				zap.String("call_id", snap.CallID),
				zap.Duration("age", now.Sub(snap.LastUserSpeechStart)))
			return Decision{ResponseID: snap.ActiveResponseID, Reason: ReasonTranscriptLate}
		}
	}

	return Decision{
		Cancel:     true,
		ResponseID: snap.ActiveResponseID,
		Reason:     ReasonHonored,
	}
}
