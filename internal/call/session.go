package call

import (
	"errors"
	"sync"
	"time"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// GateState tracks the outbound opening-turn gate.
type GateState string

const (
	GateNotApplicable GateState = "not_applicable"
	GatePending       GateState = "pending"
	GateConfirmed     GateState = "confirmed"
	GateTimedOut      GateState = "timed_out"
)

var ErrResponseActive = errors.New("another response is already active")

// Session is the live state of one call. Fields are mutated through
// transition methods with a single-writer discipline: the transmit loop owns
// the response lifecycle and speaking flag, the barge-in path owns the
// cancel cooldown, the backend event dispatcher owns the speech-start
// timestamp, and the gate owns its own state.
type Session struct {
	CallID    string
	Direction Direction
	From      string
	To        string
	StartedAt time.Time

	mu                  sync.Mutex
	aiSpeaking          bool
	activeResponseID    string
	responseCreatedAt   time.Time
	firstAudioSentAt    time.Time
	lastAudioOutAt      time.Time
	doneResponses       map[string]struct{}
	lastCancelAt        time.Time
	lastUserSpeechStart time.Time
	gateState           GateState
	humanConfirmed      bool
}

// Snapshot is a consistent read of the mutable session state, used by the
// barge-in guards and the inspection endpoint.
type Snapshot struct {
	CallID              string    `json:"call_id"`
	Direction           Direction `json:"direction"`
	From                string    `json:"from"`
	To                  string    `json:"to"`
	StartedAt           time.Time `json:"started_at"`
	AISpeaking          bool      `json:"is_ai_speaking"`
	ActiveResponseID    string    `json:"active_response_id,omitempty"`
	ActiveResponseDone  bool      `json:"-"`
	ResponseCreatedAt   time.Time `json:"response_created_at,omitzero"`
	FirstAudioSentAt    time.Time `json:"first_audio_sent_at,omitzero"`
	LastAudioOutAt      time.Time `json:"last_audio_out_at,omitzero"`
	LastCancelAt        time.Time `json:"last_cancel_at,omitzero"`
	LastUserSpeechStart time.Time `json:"last_user_speech_started_at,omitzero"`
	DoneResponses       int       `json:"done_responses"`
	GateState           GateState `json:"outbound_gate_state"`
	HumanConfirmed      bool      `json:"human_confirmed"`
}

func NewSession(callID string, direction Direction, from, to string) *Session {
	gate := GateNotApplicable
	if direction == DirectionOutbound {
		gate = GatePending
	}
	return &Session{
		CallID:        callID,
		Direction:     direction,
		From:          from,
		To:            to,
		StartedAt:     time.Now().UTC(),
		doneResponses: make(map[string]struct{}),
		gateState:     gate,
	}
}

// BeginResponse records a newly created backend response. The speaking flag
// stays false until the first frame is actually transmitted.
func (s *Session) BeginResponse(responseID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeResponseID != "" {
		if _, done := s.doneResponses[s.activeResponseID]; !done {
			return ErrResponseActive
		}
	}
	s.activeResponseID = responseID
	s.responseCreatedAt = now
	s.firstAudioSentAt = time.Time{}
	s.aiSpeaking = false
	return nil
}

// MarkFirstAudio flips the speaking flag on the first transmitted frame of
// the active response. Returns false for unknown or finished responses.
func (s *Session) MarkFirstAudio(responseID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if responseID != s.activeResponseID {
		return false
	}
	if _, done := s.doneResponses[responseID]; done {
		return false
	}
	if !s.firstAudioSentAt.IsZero() {
		return false
	}
	s.firstAudioSentAt = now
	s.lastAudioOutAt = now
	s.aiSpeaking = true
	return true
}

func (s *Session) MarkAudioSent(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAudioOutAt = now
}

// FinishResponse records a terminal event for a response: the speaking flag
// clears, the id joins the done set, and the active reference is released.
// Idempotent; cancel-after-done soft successes land here too.
func (s *Session) FinishResponse(responseID string) {
	if responseID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doneResponses[responseID] = struct{}{}
	if s.activeResponseID == responseID {
		s.activeResponseID = ""
		s.aiSpeaking = false
	}
}

func (s *Session) ResponseDone(responseID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, done := s.doneResponses[responseID]
	return done
}

// MarkUserSpeechStarted records the local arrival time of voice activity.
// Transcript age is always measured against this local clock, never a
// backend-supplied timestamp.
func (s *Session) MarkUserSpeechStarted(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUserSpeechStart = now
}

func (s *Session) MarkCancelIssued(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCancelAt = now
}

// ConfirmHuman transitions the gate Pending -> Confirmed. Returns false if
// the gate already fired or the call is inbound, so a duplicate signal can
// never double-apply.
func (s *Session) ConfirmHuman() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gateState != GatePending {
		return false
	}
	s.gateState = GateConfirmed
	s.humanConfirmed = true
	return true
}

// TimeoutGate transitions Pending -> TimedOut after the fallback window.
func (s *Session) TimeoutGate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gateState != GatePending {
		return false
	}
	s.gateState = GateTimedOut
	return true
}

func (s *Session) GateState() GateState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gateState
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	activeDone := false
	if s.activeResponseID != "" {
		_, activeDone = s.doneResponses[s.activeResponseID]
	}
	return Snapshot{
		CallID:              s.CallID,
		Direction:           s.Direction,
		From:                s.From,
		To:                  s.To,
		StartedAt:           s.StartedAt,
		AISpeaking:          s.aiSpeaking,
		ActiveResponseID:    s.activeResponseID,
		ActiveResponseDone:  activeDone,
		ResponseCreatedAt:   s.responseCreatedAt,
		FirstAudioSentAt:    s.firstAudioSentAt,
		LastAudioOutAt:      s.lastAudioOutAt,
		LastCancelAt:        s.lastCancelAt,
		LastUserSpeechStart: s.lastUserSpeechStart,
		DoneResponses:       len(s.doneResponses),
		GateState:           s.gateState,
		HumanConfirmed:      s.humanConfirmed,
	}
}
