package aiprovider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeConn struct {
	mu      sync.Mutex
	inbound chan []byte
	written []any
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.inbound
	if !ok {
		return 0, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	}
	return websocket.TextMessage, data, nil
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *fakeConn) sent() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.written))
	copy(out, c.written)
	return out
}

func dialFake(t *testing.T, cfg Config) (*Link, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	link := NewLink(cfg, nil)
	link.dial = func(ctx context.Context) (Conn, error) { return conn, nil }
	if err := link.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return link, conn
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestDial_SendsConfigurationFirst(t *testing.T) {
	link, conn := dialFake(t, Config{
		SubjectName:  "Ada Smith",
		Voice:        "verse",
		AudioFormat:  "g711_ulaw",
		VADThreshold: 0.6,
		VADSilenceMS: 700,
	})
	defer link.Close()

	sent := conn.sent()
	if len(sent) != 1 {
		t.Fatalf("sent=%d messages, want 1", len(sent))
	}
	update, ok := sent[0].(sessionUpdate)
	if !ok {
		t.Fatalf("first message is %T, want sessionUpdate", sent[0])
	}
	if update.Type != "session.update" {
		t.Fatalf("type=%q", update.Type)
	}
	if len(update.Session.Modalities) != 2 {
		t.Fatalf("modalities=%v", update.Session.Modalities)
	}
	if update.Session.Voice != "verse" || update.Session.InputAudioFormat != "g711_ulaw" {
		t.Fatalf("session=%+v", update.Session)
	}
	if update.Session.TurnDetection == nil || update.Session.TurnDetection.Type != "server_vad" ||
		update.Session.TurnDetection.SilenceDurationMS != 700 {
		t.Fatalf("turn detection=%+v", update.Session.TurnDetection)
	}
	if update.Session.InputTranscription == nil {
		t.Fatalf("input transcription not enabled")
	}
	if !strings.Contains(update.Session.Instructions, "Ada Smith") {
		t.Fatalf("instructions=%q missing subject name", update.Session.Instructions)
	}
}

func TestDial_CustomInstructionsOverrideDefault(t *testing.T) {
	link, conn := dialFake(t, Config{CustomInstructions: "Remind them about the appointment."})
	defer link.Close()

	update := conn.sent()[0].(sessionUpdate)
	if update.Session.Instructions != "Remind them about the appointment." {
		t.Fatalf("instructions=%q", update.Session.Instructions)
	}
}

func TestReady_ClosedOnSessionUpdated(t *testing.T) {
	link, conn := dialFake(t, Config{})
	defer link.Close()

	select {
	case <-link.Ready():
		t.Fatalf("ready before provider ack")
	default:
	}

	conn.inbound <- []byte(`{"type":"session.updated"}`)
	select {
	case <-link.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("ready not signaled after session.updated")
	}
}

func TestReadLoop_NormalizesEvents(t *testing.T) {
	link, conn := dialFake(t, Config{})
	defer link.Close()

	audio := base64.StdEncoding.EncodeToString([]byte{9, 8, 7})
	conn.inbound <- []byte(`{"type":"response.audio_transcript.delta","delta":"Hello"}`)
	conn.inbound <- []byte(`{"type":"response.audio.delta","delta":"` + audio + `"}`)
	conn.inbound <- []byte(`{"type":"response.done"}`)
	conn.inbound <- []byte(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"Hi there"}`)
	conn.inbound <- []byte(`{"type":"rate_limits.updated"}`)
	conn.inbound <- []byte(`{"type":"error","error":{"message":"boom"}}`)

	if ev := waitEvent(t, link.Events()); ev.Kind != EventTextDelta || ev.Text != "Hello" {
		t.Fatalf("event=%+v, want text delta", ev)
	}
	ev := waitEvent(t, link.Events())
	if ev.Kind != EventAudioDelta || len(ev.Audio) != 3 || ev.Audio[0] != 9 {
		t.Fatalf("event=%+v, want audio delta", ev)
	}
	if ev := waitEvent(t, link.Events()); ev.Kind != EventAudioDone {
		t.Fatalf("event=%+v, want audio done", ev)
	}
	if ev := waitEvent(t, link.Events()); ev.Kind != EventSubjectTranscript || ev.Text != "Hi there" {
		t.Fatalf("event=%+v, want subject transcript", ev)
	}
	// rate_limits.updated is ignored; next event is the error.
	ev = waitEvent(t, link.Events())
	if ev.Kind != EventError || ev.Err == nil || ev.Err.Error() != "boom" {
		t.Fatalf("event=%+v, want error", ev)
	}
}

func TestReadLoop_EmitsClosedOnAbnormalEnd(t *testing.T) {
	link, conn := dialFake(t, Config{})
	conn.Close()

	ev := waitEvent(t, link.Events())
	if ev.Kind != EventClosed || ev.Code != websocket.CloseAbnormalClosure {
		t.Fatalf("event=%+v, want abnormal close", ev)
	}
	select {
	case <-link.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("done not closed")
	}
}

func TestDial_SecondCallIsNoOp(t *testing.T) {
	link, conn := dialFake(t, Config{})
	defer link.Close()

	dialCount := 0
	link.dial = func(ctx context.Context) (Conn, error) {
		dialCount++
		return newFakeConn(), nil
	}
	if err := link.Dial(context.Background()); err != nil {
		t.Fatalf("second Dial: %v", err)
	}
	if dialCount != 0 {
		t.Fatalf("second Dial opened %d connections, want 0", dialCount)
	}
	if len(conn.sent()) != 1 {
		t.Fatalf("second Dial sent configuration again")
	}
}

func TestAppendAudio_Base64Envelope(t *testing.T) {
	link, conn := dialFake(t, Config{})
	defer link.Close()

	if err := link.AppendAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	sent := conn.sent()
	if len(sent) != 2 {
		t.Fatalf("sent=%d, want 2", len(sent))
	}
	app, ok := sent[1].(inputAudioAppend)
	if !ok {
		t.Fatalf("message is %T", sent[1])
	}
	if app.Type != "input_audio_buffer.append" {
		t.Fatalf("type=%q", app.Type)
	}
	raw, err := base64.StdEncoding.DecodeString(app.Audio)
	if err != nil || len(raw) != 4 {
		t.Fatalf("audio=%q, %v", app.Audio, err)
	}
}

func TestClose_IdempotentAndNeverDialed(t *testing.T) {
	link := NewLink(Config{}, nil)
	if err := link.Close(); err != nil {
		t.Fatalf("close undialed: %v", err)
	}
	if err := link.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	select {
	case <-link.Done():
	case <-time.After(time.Second):
		t.Fatalf("done not closed for undialed link")
	}
	if err := link.AppendAudio([]byte{1}); err == nil {
		t.Fatalf("expected error appending after close")
	}
}

func TestConfigMessage_JSONShape(t *testing.T) {
	link := NewLink(Config{}, nil)
	data, err := json.Marshal(link.configMessage())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	sess, ok := decoded["session"].(map[string]any)
	if !ok {
		t.Fatalf("session missing: %s", data)
	}
	for _, key := range []string{"modalities", "instructions", "voice", "input_audio_format", "output_audio_format", "input_audio_transcription", "turn_detection"} {
		if _, ok := sess[key]; !ok {
			t.Fatalf("session missing %q: %s", key, data)
		}
	}
}
