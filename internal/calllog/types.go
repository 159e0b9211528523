package calllog

import (
	"context"
	"time"
)

// EventType labels one call lifecycle event in the log.
type EventType string

const (
	EventCallAdmitted    EventType = "call_admitted"
	EventCallDenied      EventType = "call_denied"
	EventCallStarted     EventType = "call_started"
	EventCallEnded       EventType = "call_ended"
	EventBargeIn         EventType = "barge_in"
	EventCancelNotActive EventType = "cancel_not_active"
	EventGateConfirmed   EventType = "gate_confirmed"
	EventGateTimedOut    EventType = "gate_timed_out"
)

// Record is one persisted call event. Detail is free text and passes through
// contact redaction before it is stored anywhere.
type Record struct {
	ID     string    `json:"id"`
	CallID string    `json:"call_id"`
	Type   EventType `json:"event_type"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Store persists call events. Implementations must tolerate concurrent
// appends from multiple calls.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Recent(ctx context.Context, callID string, limit int) ([]Record, error)
	Close()
}
