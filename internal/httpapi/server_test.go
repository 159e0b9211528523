package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oterra/callgate/internal/bargein"
	"github.com/oterra/callgate/internal/call"
	"github.com/oterra/callgate/internal/calllog"
	"github.com/oterra/callgate/internal/capacity"
	"github.com/oterra/callgate/internal/engine"
	"github.com/oterra/callgate/internal/gate"
	"github.com/oterra/callgate/internal/observability"
	"github.com/oterra/callgate/internal/protocol"
	"github.com/oterra/callgate/internal/speech"
)

func newTestServer(t *testing.T, ceiling int) (*httptest.Server, *speech.MockBackend) {
	t.Helper()
	backend := speech.NewMockBackend()
	metrics := observability.NewMetrics("test")
	eng := engine.New(
		capacity.NewController(capacity.NewMemoryStore(), ceiling, time.Hour, nil),
		call.NewRegistry(),
		gate.NewSignalCache(30*time.Second),
		speech.NewMockDialer(backend),
		metrics,
		calllog.NewMemoryStore(),
		engine.Options{
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
	srv := httptest.NewServer(NewServer(eng, metrics, true, nil).Router())
	t.Cleanup(srv.Close)
	return srv, backend
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, payload
}

func TestAnnounceEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, 5)

	resp, payload := postJSON(t, srv.URL+"/v1/calls", `{"call_id":"c1","direction":"inbound","from":"+15550001111"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if payload["call_id"] != "c1" {
		t.Fatalf("payload = %v", payload)
	}
	if !strings.Contains(payload["media_ws_path"].(string), "call_id=c1") {
		t.Fatalf("media path = %v", payload["media_ws_path"])
	}
}

func TestAnnounceOverCapacity(t *testing.T) {
	srv, _ := newTestServer(t, 1)

	resp, _ := postJSON(t, srv.URL+"/v1/calls", `{"call_id":"c1"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first announce status = %d", resp.StatusCode)
	}
	resp, payload := postJSON(t, srv.URL+"/v1/calls", `{"call_id":"c2"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if payload["error"] != "over_capacity" {
		t.Fatalf("payload = %v", payload)
	}
	if msg, _ := payload["message"].(string); msg == "" {
		t.Fatal("over-capacity response carries no caller-facing message")
	}
}

func TestAnnounceValidation(t *testing.T) {
	srv, _ := newTestServer(t, 5)

	resp, _ := postJSON(t, srv.URL+"/v1/calls", `{"direction":"sideways"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDuplicateAnnounceConflicts(t *testing.T) {
	srv, _ := newTestServer(t, 5)

	if resp, _ := postJSON(t, srv.URL+"/v1/calls", `{"call_id":"c1"}`); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first announce status = %d", resp.StatusCode)
	}
	resp, _ := postJSON(t, srv.URL+"/v1/calls", `{"call_id":"c1"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestMediaSocketRequiresAnnounce(t *testing.T) {
	srv, _ := newTestServer(t, 5)

	resp, err := http.Get(srv.URL + "/v1/calls/media/ws?call_id=ghost")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestMediaSocketRoundTrip(t *testing.T) {
	srv, backend := newTestServer(t, 5)

	if resp, _ := postJSON(t, srv.URL+"/v1/calls", `{"call_id":"c1"}`); resp.StatusCode != http.StatusCreated {
		t.Fatalf("announce status = %d", resp.StatusCode)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/calls/media/ws?call_id=c1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial media socket: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.MediaMessage{Event: protocol.TypeMedia, CallID: "c1", Seq: 1, PayloadBase64: "AAAA"}); err != nil {
		t.Fatalf("write media: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(backend.SentAudio()) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if got := backend.SentAudio(); len(got) != 1 || got[0] != "AAAA" {
		t.Fatalf("backend audio = %v", got)
	}

	// Backend audio is paced back out over the same socket.
	backend.Push(speech.Event{Type: speech.EventResponseCreated, ResponseID: "r9"})
	backend.Push(speech.Event{Type: speech.EventAudioDelta, ResponseID: "r9", AudioBase64: "QkJC"})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg protocol.MediaMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if msg.Event == protocol.TypeMedia {
			if msg.PayloadBase64 != "QkJC" {
				t.Fatalf("frame payload = %q", msg.PayloadBase64)
			}
			break
		}
	}

	if err := conn.WriteJSON(protocol.StopMessage{Event: protocol.TypeStop, CallID: "c1"}); err != nil {
		t.Fatalf("write stop: %v", err)
	}

	// Teardown frees the slot; the same id can be announced again.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, _ := postJSON(t, srv.URL+"/v1/calls", `{"call_id":"c1"}`)
		if resp.StatusCode == http.StatusCreated {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("slot never freed after hangup")
}

func TestPresenceEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, 5)

	if resp, _ := postJSON(t, srv.URL+"/v1/calls", `{"call_id":"c1","direction":"outbound"}`); resp.StatusCode != http.StatusCreated {
		t.Fatalf("announce failed")
	}

	resp, payload := postJSON(t, srv.URL+"/v1/calls/c1/presence", `{}`)
	if resp.StatusCode != http.StatusOK || payload["status"] != "confirmed" {
		t.Fatalf("presence response = %d %v", resp.StatusCode, payload)
	}

	// Unknown call: signal is cached for a near-future announce.
	resp, payload = postJSON(t, srv.URL+"/v1/calls/c2/presence", `{}`)
	if resp.StatusCode != http.StatusOK || payload["status"] != "cached" {
		t.Fatalf("presence response = %d %v", resp.StatusCode, payload)
	}
}

func TestInspectAndCapacityEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, 3)

	if resp, _ := postJSON(t, srv.URL+"/v1/calls", `{"call_id":"c1"}`); resp.StatusCode != http.StatusCreated {
		t.Fatalf("announce failed")
	}

	resp, err := http.Get(srv.URL + "/v1/calls/c1")
	if err != nil {
		t.Fatalf("GET inspect: %v", err)
	}
	var inspect map[string]any
	json.NewDecoder(resp.Body).Decode(&inspect)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("inspect status = %d", resp.StatusCode)
	}
	if inspect["turn_state"] != "idle" {
		t.Fatalf("turn_state = %v", inspect["turn_state"])
	}

	resp, err = http.Get(srv.URL + "/v1/capacity")
	if err != nil {
		t.Fatalf("GET capacity: %v", err)
	}
	var stats map[string]any
	json.NewDecoder(resp.Body).Decode(&stats)
	resp.Body.Close()
	if stats["active"].(float64) != 1 || stats["ceiling"].(float64) != 3 {
		t.Fatalf("capacity = %v", stats)
	}
}

func TestHealthAndLatencyEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, 3)

	for _, path := range []string{"/healthz", "/readyz", "/v1/perf/latency", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, resp.StatusCode)
		}
	}
}
