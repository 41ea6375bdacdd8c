package telephony

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// FrameDuration is the nominal real-time duration of one outbound frame. The
// outbound timestamp advances by this much per chunk; the protocol requires
// the pacing metadata even though the transport itself is unthrottled.
const FrameDuration = 20 * time.Millisecond

// ErrLinkClosed is returned by SendAudio after the link has shut down.
var ErrLinkClosed = errors.New("telephony link is closed")

// Conn is the subset of *websocket.Conn the link uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Link wraps the media-stream socket for one call. Inbound events are decoded
// on a dedicated read loop and delivered on Events; outbound audio frames are
// stamped with a strictly increasing chunk counter and a timestamp advancing
// FrameDuration per frame.
type Link struct {
	conn   Conn
	logger *slog.Logger

	events chan Event
	done   chan struct{}
	stop   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	streamSID atomic.Value // string
	chunk     int64
}

// NewLink wraps an accepted media-stream connection and starts its read loop.
func NewLink(conn Conn, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Link{
		conn:   conn,
		logger: logger,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	go l.readLoop()
	return l
}

// Events yields decoded inbound media-stream events. The channel is closed
// when the socket ends.
func (l *Link) Events() <-chan Event {
	return l.events
}

// Done is closed once the read loop has exited.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// StreamSID reports the stream identifier from the start event, if seen.
func (l *Link) StreamSID() string {
	if v, ok := l.streamSID.Load().(string); ok {
		return v
	}
	return ""
}

// SendAudio wraps one encoded frame in the outbound media envelope. Chunk
// counters never reset for the lifetime of the link.
func (l *Link) SendAudio(frame []byte) error {
	if l.closed.Load() {
		return ErrLinkClosed
	}
	sid := l.StreamSID()
	if sid == "" {
		return fmt.Errorf("no stream identifier yet: start event not received")
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	chunk := l.chunk
	l.chunk++
	msg := outboundMedia{
		Event:     "media",
		StreamSID: sid,
		Media: outboundMediaPayload{
			Track:     "outbound",
			Chunk:     strconv.FormatInt(chunk, 10),
			Timestamp: strconv.FormatInt(chunk*FrameDuration.Milliseconds(), 10),
			Payload:   base64.StdEncoding.EncodeToString(frame),
		},
	}
	return l.conn.WriteJSON(msg)
}

// Close shuts the socket down. Safe to call more than once and safe when the
// transport is already gone.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.stop)
		l.writeMu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		l.writeMu.Unlock()
		_ = l.conn.Close()
	})
	return nil
}

func (l *Link) readLoop() {
	defer close(l.done)
	defer close(l.events)

	for {
		messageType, data, err := l.conn.ReadMessage()
		if err != nil {
			if !l.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.logger.Debug("media-stream read ended", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			l.logger.Warn("dropping undecodable media-stream frame", "error", err)
			continue
		}
		if ev.Kind == EventStart {
			l.streamSID.Store(ev.StreamSID)
		}
		select {
		case l.events <- ev:
		case <-l.stop:
			return
		}
	}
}
