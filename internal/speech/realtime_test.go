package speech

import "testing"

func TestMapServerEvent(t *testing.T) {
	cases := []struct {
		name string
		raw  serverEvent
		want EventType
	}{
		{"created", serverEvent{Type: "response.created", Response: struct {
			ID string `json:"id"`
		}{ID: "r1"}}, EventResponseCreated},
		{"delta", serverEvent{Type: "response.audio.delta", ResponseID: "r1", Delta: "AAAA"}, EventAudioDelta},
		{"done", serverEvent{Type: "response.done", ResponseID: "r1"}, EventResponseDone},
		{"speech", serverEvent{Type: "input_audio_buffer.speech_started"}, EventSpeechStarted},
		{"transcript", serverEvent{Type: "conversation.item.input_audio_transcription.completed", Transcript: "hello"}, EventTranscript},
		{"cancel ack", serverEvent{Type: "response.cancelled", ResponseID: "r1"}, EventCancelAcked},
	}
	for _, tc := range cases {
		evt, ok := mapServerEvent(tc.raw)
		if !ok {
			t.Fatalf("%s: event dropped", tc.name)
		}
		if evt.Type != tc.want {
			t.Fatalf("%s: type = %q, want %q", tc.name, evt.Type, tc.want)
		}
	}
}

func TestMapServerEventCancelNotActive(t *testing.T) {
	raw := serverEvent{Type: "error"}
	raw.Error.Code = "response_cancel_not_active"
	evt, ok := mapServerEvent(raw)
	if !ok || evt.Type != EventCancelRejected {
		t.Fatalf("cancel-not-active should map to cancel_rejected, got %+v ok=%v", evt, ok)
	}
}

func TestMapServerEventRetryableError(t *testing.T) {
	raw := serverEvent{Type: "error"}
	raw.Error.Code = "rate_limited"
	evt, ok := mapServerEvent(raw)
	if !ok || evt.Type != EventError || !evt.Retryable {
		t.Fatalf("rate_limited should map to retryable error, got %+v", evt)
	}
}

func TestMapServerEventDropsUnknown(t *testing.T) {
	if _, ok := mapServerEvent(serverEvent{Type: "session.updated"}); ok {
		t.Fatalf("unknown event types should be dropped")
	}
}
