package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/oterra/callgate/internal/reliability"
)

// RealtimeConfig configures the websocket speech backend client.
type RealtimeConfig struct {
	URL         string
	APIKey      string
	Voice       string
	DialTimeout time.Duration
	Logger      *zap.Logger
}

type RealtimeDialer struct {
	cfg RealtimeConfig
	log *zap.Logger
}

func NewRealtimeDialer(cfg RealtimeConfig) *RealtimeDialer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &RealtimeDialer{cfg: cfg, log: log}
}

func (d *RealtimeDialer) Dial(ctx context.Context, callID string) (Backend, error) {
	header := http.Header{}
	if d.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	}

	dialer := websocket.Dialer{HandshakeTimeout: d.cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, d.cfg.URL, header)
	if err != nil {
		if resp != nil && reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return nil, fmt.Errorf("dial speech backend (retryable, status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial speech backend: %w", err)
	}

	rt := &realtimeBackend{
		conn:   conn,
		events: make(chan Event, 256),
		log:    d.log.With(zap.String("call_id", callID)),
	}
	if err := rt.configureSession(d.cfg.Voice); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go rt.readLoop()
	return rt, nil
}

type realtimeBackend struct {
	conn    *websocket.Conn
	events  chan Event
	writeMu sync.Mutex
	log     *zap.Logger

	closeOnce sync.Once
}

// serverEvent is the wire shape of backend events; only the fields the
// engine consumes are decoded.
type serverEvent struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Response   struct {
		ID string `json:"id"`
	} `json:"response"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (b *realtimeBackend) Events() <-chan Event {
	return b.events
}

func (b *realtimeBackend) configureSession(voice string) error {
	return b.writeJSON(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"voice":               voice,
			"input_audio_format":  "g711_ulaw",
			"output_audio_format": "g711_ulaw",
			"turn_detection":      map[string]any{"type": "server_vad"},
		},
	})
}

func (b *realtimeBackend) SendAudio(_ context.Context, audioBase64 string) error {
	return b.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": audioBase64,
	})
}

func (b *realtimeBackend) CreateResponse(_ context.Context, instructions string) error {
	payload := map[string]any{"type": "response.create"}
	if instructions != "" {
		payload["response"] = map[string]any{"instructions": instructions}
	}
	return b.writeJSON(payload)
}

func (b *realtimeBackend) CancelResponse(_ context.Context, responseID string) error {
	return b.writeJSON(map[string]any{
		"type":        "response.cancel",
		"response_id": responseID,
	})
}

func (b *realtimeBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.conn.Close()
	})
	return err
}

func (b *realtimeBackend) writeJSON(v any) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := b.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write backend command: %w", err)
	}
	return nil
}

func (b *realtimeBackend) readLoop() {
	defer close(b.events)
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw serverEvent
		if err := json.Unmarshal(data, &raw); err != nil {
			b.log.Debug("undecodable backend event", zap.Error(err))
			continue
		}
		evt, ok := mapServerEvent(raw)
		if !ok {
			continue
		}
		b.events <- evt
	}
}

func mapServerEvent(raw serverEvent) (Event, bool) {
	now := time.Now().UnixMilli()
	switch raw.Type {
	case "response.created":
		return Event{Type: EventResponseCreated, ResponseID: raw.Response.ID, Timestamp: now}, true
	case "response.audio.delta":
		return Event{Type: EventAudioDelta, ResponseID: raw.ResponseID, AudioBase64: raw.Delta, Timestamp: now}, true
	case "response.done":
		id := raw.Response.ID
		if id == "" {
			id = raw.ResponseID
		}
		return Event{Type: EventResponseDone, ResponseID: id, Timestamp: now}, true
	case "input_audio_buffer.speech_started":
		return Event{Type: EventSpeechStarted, Timestamp: now}, true
	case "conversation.item.input_audio_transcription.completed":
		return Event{Type: EventTranscript, Text: raw.Transcript, Timestamp: now}, true
	case "response.cancelled":
		return Event{Type: EventCancelAcked, ResponseID: raw.ResponseID, Timestamp: now}, true
	case "error":
		if reliability.IsCancelNotActive(raw.Error.Code) {
			return Event{Type: EventCancelRejected, Code: raw.Error.Code, Detail: raw.Error.Message, Timestamp: now}, true
		}
		return Event{
			Type:      EventError,
			Code:      raw.Error.Code,
			Detail:    raw.Error.Message,
			Retryable: reliability.IsRetryableBackendCode(raw.Error.Code),
			Timestamp: now,
		}, true
	default:
		return Event{}, false
	}
}
