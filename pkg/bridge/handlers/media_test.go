package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/careloop/voicebridge/pkg/bridge/aiprovider"
	"github.com/careloop/voicebridge/pkg/bridge/outcome"
	"github.com/careloop/voicebridge/pkg/bridge/service"
	"github.com/careloop/voicebridge/pkg/bridge/session"
	"github.com/careloop/voicebridge/pkg/bridge/sessions"
)

func TestMediaStreamHandler_BridgesCall(t *testing.T) {
	aiCh := make(chan *stubAI, 1)
	svc, err := service.New(
		service.Config{Controller: session.Config{FrameBytes: 4, CloseTimeout: time.Second}},
		sessions.New(0, time.Second, nil),
		outcome.LogStore{},
		func(subjectName, customInstructions string) session.AILink {
			s := newStubAI()
			aiCh <- s
			return s
		},
		nil,
	)
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}

	sess, err := svc.StartSession(context.Background(), service.StartRequest{SubjectID: "p1"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	ts := httptest.NewServer(MediaStreamHandler{Service: svc})
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?session=" + sess.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	writeEvent := func(v any) {
		t.Helper()
		if err := conn.WriteJSON(v); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	writeEvent(map[string]any{"event": "connected"})
	writeEvent(map[string]any{
		"event": "start",
		"start": map[string]any{"streamSid": "SD1", "callSid": "CA1"},
	})

	var ai *stubAI
	select {
	case ai = <-aiCh:
	case <-time.After(3 * time.Second):
		t.Fatalf("provider link never built")
	}

	payload := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	writeEvent(map[string]any{"event": "media", "media": map[string]any{"payload": payload}})

	// Agent audio comes back as paced outbound frames.
	ai.events <- aiprovider.Event{Kind: aiprovider.EventAudioDelta, Audio: []byte{9, 9, 9, 9}}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read outbound frame: %v", err)
	}
	var out struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Track     string `json:"track"`
			Chunk     string `json:"chunk"`
			Timestamp string `json:"timestamp"`
			Payload   string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(frame, &out); err != nil {
		t.Fatalf("unmarshal outbound: %v", err)
	}
	if out.Event != "media" || out.StreamSID != "SD1" {
		t.Fatalf("outbound=%+v", out)
	}
	if out.Media.Track != "outbound" || out.Media.Chunk != "0" || out.Media.Timestamp != "0" {
		t.Fatalf("media=%+v", out.Media)
	}

	writeEvent(map[string]any{"event": "stop"})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := svc.SessionStatus(sess.ID); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session did not end after stop event")
}

func TestMediaStreamHandler_MissingSession(t *testing.T) {
	svc := newTestService(t)
	rec := httptest.NewRecorder()
	MediaStreamHandler{Service: svc}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media-stream", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
}

func TestMediaStreamHandler_UnknownSessionIs404(t *testing.T) {
	svc := newTestService(t)
	rec := httptest.NewRecorder()
	MediaStreamHandler{Service: svc}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media-stream?session=nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}
