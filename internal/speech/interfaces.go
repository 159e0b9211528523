package speech

import (
	"context"
	"errors"
)

type EventType string

const (
	EventResponseCreated EventType = "response_created"
	EventAudioDelta      EventType = "audio_delta"
	EventResponseDone    EventType = "response_done"
	EventSpeechStarted   EventType = "speech_started"
	EventTranscript      EventType = "transcript"
	EventCancelAcked     EventType = "cancel_acked"
	EventCancelRejected  EventType = "cancel_rejected"
	EventError           EventType = "error"
)

// ErrCancelNotActive reports that the targeted response already finished by
// the time the cancel reached the backend.
var ErrCancelNotActive = errors.New("response no longer active")

type Event struct {
	Type        EventType
	ResponseID  string
	AudioBase64 string
	Text        string
	Code        string
	Detail      string
	Retryable   bool
	Timestamp   int64
}

// Backend is one realtime conversation with the speech service. Events
// arrive on a single channel closed when the connection ends.
type Backend interface {
	Events() <-chan Event
	SendAudio(ctx context.Context, audioBase64 string) error
	CreateResponse(ctx context.Context, instructions string) error
	CancelResponse(ctx context.Context, responseID string) error
	Close() error
}

// Dialer opens one Backend per call.
type Dialer interface {
	Dial(ctx context.Context, callID string) (Backend, error)
}
