package aiprovider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultInstructions is used when the caller supplies no custom prompt.
// %s is replaced with the subject's display name.
const DefaultInstructions = "You are a friendly care-line assistant calling %s to check in on how they are doing. Speak clearly and briefly, ask one question at a time, and never give medical advice beyond encouraging them to contact their care team."

// ErrLinkClosed is returned by AppendAudio after the link has shut down.
var ErrLinkClosed = errors.New("ai provider link is closed")

// Config describes one realtime session's configuration handshake.
type Config struct {
	URL                string
	APIKey             string
	SubjectName        string
	CustomInstructions string
	Voice              string
	AudioFormat        string // g711_ulaw or pcm16
	VADThreshold       float64
	VADSilenceMS       int
	TranscriptionModel string
}

// Conn is the subset of *websocket.Conn the link uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Link wraps the realtime socket to the speech provider for one call. At most
// one socket per link may ever be opened; a second Dial is a no-op.
type Link struct {
	cfg    Config
	logger *slog.Logger

	dial func(ctx context.Context) (Conn, error)

	dialed atomic.Bool
	conn   Conn

	events chan Event
	ready  chan struct{}
	done   chan struct{}
	stop   chan struct{}

	readyOnce sync.Once
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewLink builds an undialed link.
func NewLink(cfg Config, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Link{
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, 64),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	l.dial = l.dialWebsocket
	return l
}

// Dial opens the realtime socket and sends the configuration message. Calling
// Dial again while a connection is pending or open is a no-op: provider-side
// reconnect races must never produce a duplicate socket.
func (l *Link) Dial(ctx context.Context) error {
	if !l.dialed.CompareAndSwap(false, true) {
		return nil
	}
	conn, err := l.dial(ctx)
	if err != nil {
		l.closed.Store(true)
		close(l.done)
		close(l.events)
		return fmt.Errorf("dial speech provider: %w", err)
	}
	l.conn = conn

	if err := l.sendJSON(l.configMessage()); err != nil {
		_ = conn.Close()
		l.closed.Store(true)
		close(l.done)
		close(l.events)
		return fmt.Errorf("send session configuration: %w", err)
	}

	go l.readLoop()
	return nil
}

func (l *Link) dialWebsocket(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if l.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+l.cfg.APIKey)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, l.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

func (l *Link) configMessage() sessionUpdate {
	instructions := strings.TrimSpace(l.cfg.CustomInstructions)
	if instructions == "" {
		name := l.cfg.SubjectName
		if name == "" {
			name = "the patient"
		}
		instructions = fmt.Sprintf(DefaultInstructions, name)
	}
	voice := l.cfg.Voice
	if voice == "" {
		voice = "alloy"
	}
	format := l.cfg.AudioFormat
	if format == "" {
		format = "g711_ulaw"
	}
	threshold := l.cfg.VADThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	silence := l.cfg.VADSilenceMS
	if silence <= 0 {
		silence = 500
	}
	model := l.cfg.TranscriptionModel
	if model == "" {
		model = "whisper-1"
	}
	return sessionUpdate{
		Type: "session.update",
		Session: sessionConfig{
			Modalities:         []string{"text", "audio"},
			Instructions:       instructions,
			Voice:              voice,
			InputAudioFormat:   format,
			OutputAudioFormat:  format,
			InputTranscription: &transcriptionConfig{Model: model},
			TurnDetection: &turnDetection{
				Type:              "server_vad",
				Threshold:         threshold,
				SilenceDurationMS: silence,
			},
		},
	}
}

// Ready is closed once the provider has acknowledged the configuration.
func (l *Link) Ready() <-chan struct{} { return l.ready }

// Events yields normalized provider events. Closed when the socket ends.
func (l *Link) Events() <-chan Event { return l.events }

// Done is closed once the read loop has exited.
func (l *Link) Done() <-chan struct{} { return l.done }

// AppendAudio appends bytes to the provider's input audio buffer. Turn
// boundaries are decided provider-side; no filtering happens here.
func (l *Link) AppendAudio(audio []byte) error {
	if l.closed.Load() {
		return ErrLinkClosed
	}
	return l.sendJSON(inputAudioAppend{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(audio),
	})
}

func (l *Link) sendJSON(v any) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.conn == nil {
		return fmt.Errorf("link is not connected")
	}
	return l.conn.WriteJSON(v)
}

// Close shuts the socket down. Idempotent; safe on dead transports and on a
// link that was never dialed.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.stop)
		if l.conn != nil {
			l.writeMu.Lock()
			_ = l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(2*time.Second))
			l.writeMu.Unlock()
			_ = l.conn.Close()
		}
		if l.dialed.CompareAndSwap(false, true) {
			// Never dialed: no read loop will close these.
			close(l.done)
			close(l.events)
		}
	})
	return nil
}

func (l *Link) markReady() {
	l.readyOnce.Do(func() { close(l.ready) })
}

func (l *Link) readLoop() {
	defer close(l.done)
	defer close(l.events)

	for {
		messageType, data, err := l.conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			}
			if l.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				code = websocket.CloseNormalClosure
			}
			l.emit(Event{Kind: EventClosed, Code: code})
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env serverEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			l.logger.Warn("dropping undecodable provider frame", "error", err)
			continue
		}

		switch env.Type {
		case "session.created", "session.updated":
			l.markReady()
		case "response.audio.delta":
			audio, err := base64.StdEncoding.DecodeString(env.Delta)
			if err != nil {
				l.logger.Warn("dropping undecodable audio delta", "error", err)
				continue
			}
			l.emit(Event{Kind: EventAudioDelta, Audio: audio})
		case "response.audio_transcript.delta":
			l.emit(Event{Kind: EventTextDelta, Text: env.Delta})
		case "response.done":
			l.emit(Event{Kind: EventAudioDone})
		case "conversation.item.input_audio_transcription.completed":
			l.emit(Event{Kind: EventSubjectTranscript, Text: env.Transcript})
		case "error":
			msg := "provider error"
			if env.Error != nil && env.Error.Message != "" {
				msg = env.Error.Message
			}
			l.emit(Event{Kind: EventError, Err: errors.New(msg)})
		default:
			// Unrecognized event types are ignored; the provider protocol
			// adds informational events freely.
		}
	}
}

func (l *Link) emit(ev Event) {
	select {
	case l.events <- ev:
	case <-l.stop:
	}
}
