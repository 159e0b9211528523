package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies media-stream websocket payload variants.
// Framing follows the common telephony media-stream shape: a start message
// describing the stream, media messages carrying base64 audio, optional
// marks, and a stop message on hangup.
type MessageType string

const (
	TypeStart MessageType = "start"
	TypeMedia MessageType = "media"
	TypeMark  MessageType = "mark"
	TypeStop  MessageType = "stop"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Event MessageType `json:"event"`
}

type StartMessage struct {
	Event      MessageType `json:"event"`
	CallID     string      `json:"call_id"`
	StreamID   string      `json:"stream_id"`
	Encoding   string      `json:"encoding"`
	SampleRate int         `json:"sample_rate"`
}

type MediaMessage struct {
	Event         MessageType `json:"event"`
	CallID        string      `json:"call_id"`
	Seq           int         `json:"seq"`
	PayloadBase64 string      `json:"payload"`
	TSMs          int64       `json:"ts_ms,omitempty"`
}

type MarkMessage struct {
	Event  MessageType `json:"event"`
	CallID string      `json:"call_id"`
	Name   string      `json:"name"`
}

type StopMessage struct {
	Event  MessageType `json:"event"`
	CallID string      `json:"call_id"`
	Reason string      `json:"reason,omitempty"`
}

// ParseMediaMessage decodes one inbound media-stream message.
func ParseMediaMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Event {
	case TypeStart:
		var msg StartMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.CallID == "" {
			return nil, errors.New("invalid start: missing call_id")
		}
		return msg, nil
	case TypeMedia:
		var msg MediaMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.PayloadBase64 == "" {
			return nil, errors.New("invalid media: missing payload")
		}
		return msg, nil
	case TypeMark:
		var msg MarkMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeStop:
		var msg StopMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
