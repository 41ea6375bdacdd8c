package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/careloop/voicebridge/pkg/bridge/aiprovider"
	"github.com/careloop/voicebridge/pkg/bridge/audio"
	"github.com/careloop/voicebridge/pkg/bridge/outcome"
	"github.com/careloop/voicebridge/pkg/bridge/telephony"
	"github.com/careloop/voicebridge/pkg/bridge/transcript"
)

// TelephonyLink is the controller's view of the media-stream adapter.
type TelephonyLink interface {
	Events() <-chan telephony.Event
	SendAudio(frame []byte) error
	Close() error
	Done() <-chan struct{}
}

// AILink is the controller's view of the speech provider adapter.
type AILink interface {
	Dial(ctx context.Context) error
	Ready() <-chan struct{}
	Events() <-chan aiprovider.Event
	AppendAudio(audio []byte) error
	Close() error
	Done() <-chan struct{}
}

// AILinkFactory builds the provider link for one session.
type AILinkFactory func(subjectName, customInstructions string) AILink

// EndReason records why a session left the active phase.
type EndReason string

const (
	ReasonTelephonyStop   EndReason = "telephony_stop"
	ReasonTelephonyClosed EndReason = "telephony_closed"
	ReasonAIClosed        EndReason = "ai_closed"
	ReasonHandshakeFailed EndReason = "handshake_failed"
	ReasonError           EndReason = "error"
	ReasonRequested       EndReason = "requested"
	ReasonEvicted         EndReason = "evicted"
	ReasonExpired         EndReason = "expired"
)

// Status maps the end reason to the persisted call status.
func (r EndReason) Status() string {
	switch r {
	case ReasonTelephonyStop, ReasonRequested:
		return "completed"
	case ReasonEvicted:
		return "evicted"
	case ReasonExpired:
		return "expired"
	default:
		return "failed"
	}
}

// ErrAlreadyAttached is returned when a second media stream connects for the
// same session.
var ErrAlreadyAttached = errors.New("telephony link already attached")

// ErrSessionEnded is returned when attaching to a terminated session.
var ErrSessionEnded = errors.New("session has ended")

// Config bounds one controller's behavior.
type Config struct {
	// FrameBytes is the outbound telephony frame size.
	FrameBytes int
	// CloseTimeout bounds the wait for each link's read loop during teardown.
	CloseTimeout time.Duration
	// MaxLifetime forcibly ends a session regardless of call state, bounding
	// leaks from stuck provider sockets.
	MaxLifetime time.Duration
	// CoalesceWindow is the transcript turn-merge window.
	CoalesceWindow time.Duration
	// MaxPendingFrames caps the pre-handshake audio buffer.
	MaxPendingFrames int
}

func (c Config) withDefaults() Config {
	if c.FrameBytes <= 0 {
		c.FrameBytes = 160
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 2 * time.Second
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = 30 * time.Minute
	}
	if c.MaxPendingFrames <= 0 {
		c.MaxPendingFrames = 1000
	}
	return c
}

// Controller drives one session's lifecycle on a single goroutine. Sessions
// never share mutable state; every link event, relay step, and transcript
// append happens on that goroutine.
type Controller struct {
	sess      *Session
	cfg       Config
	logger    *slog.Logger
	codec     audio.Codec
	newAILink AILinkFactory
	outcomes  outcome.Store
	onEnded   func()

	assembler *transcript.Assembler

	attached atomic.Bool
	attachCh chan TelephonyLink
	done     chan struct{}

	endOnce   sync.Once
	endSignal chan struct{}
	endReason EndReason

	persistOnce sync.Once

	tel     TelephonyLink
	ai      AILink
	pending [][]byte
}

// NewController wires a controller for sess. onEnded runs exactly once after
// the session reaches StateEnded and its persistence attempt has finished.
func NewController(sess *Session, cfg Config, codec audio.Codec, newAILink AILinkFactory, outcomes outcome.Store, logger *slog.Logger, onEnded func()) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Controller{
		sess:      sess,
		cfg:       cfg,
		logger:    logger.With("session_id", sess.ID, "subject_id", sess.SubjectID),
		codec:     codec,
		newAILink: newAILink,
		outcomes:  outcomes,
		onEnded:   onEnded,
		assembler: transcript.New(cfg.CoalesceWindow),
		attachCh:  make(chan TelephonyLink, 1),
		done:      make(chan struct{}),
		endSignal: make(chan struct{}),
	}
}

// Session returns the session this controller owns.
func (c *Controller) Session() *Session { return c.sess }

// Done is closed once the session has reached StateEnded.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Attach hands the accepted media-stream link to the session goroutine. Only
// the first link is accepted for the session's lifetime.
func (c *Controller) Attach(link TelephonyLink) error {
	select {
	case <-c.done:
		_ = link.Close()
		return ErrSessionEnded
	default:
	}
	if !c.attached.CompareAndSwap(false, true) {
		_ = link.Close()
		return ErrAlreadyAttached
	}
	c.attachCh <- link
	// The session may have ended between the check above and the send; once
	// done is closed nothing will ever read the channel again.
	select {
	case <-c.done:
		select {
		case raced := <-c.attachCh:
			_ = raced.Close()
			return ErrSessionEnded
		default:
		}
	default:
	}
	return nil
}

// End requests a graceful teardown. Safe to call any number of times, in any
// state.
func (c *Controller) End() { c.end(ReasonRequested) }

// Evict requests an immediate teardown on behalf of the session store.
func (c *Controller) Evict() { c.end(ReasonEvicted) }

func (c *Controller) end(reason EndReason) {
	c.endOnce.Do(func() {
		c.endReason = reason
		close(c.endSignal)
	})
}

// Run executes the session lifecycle until teardown completes. It must be
// called exactly once, on its own goroutine.
func (c *Controller) Run(ctx context.Context) {
	c.sess.setState(StateAwaitingTelephonyLink)

	lifetime := time.NewTimer(c.cfg.MaxLifetime)
	defer lifetime.Stop()

	var (
		telEvents <-chan telephony.Event
		aiEvents  <-chan aiprovider.Event
		readyCh   <-chan struct{}
		aiReady   bool
	)

	reason := ReasonRequested

loop:
	for {
		select {
		case <-ctx.Done():
			reason = ReasonRequested
			break loop

		case <-lifetime.C:
			c.logger.Warn("session exceeded max lifetime, forcing end", "max_lifetime", c.cfg.MaxLifetime)
			reason = ReasonExpired
			break loop

		case <-c.endSignal:
			reason = c.endReason
			break loop

		case link := <-c.attachCh:
			c.tel = link
			telEvents = link.Events()

		case ev, ok := <-telEvents:
			if !ok {
				reason = ReasonTelephonyClosed
				break loop
			}
			switch ev.Kind {
			case telephony.EventConnected:
				// Handshake ack, no payload.

			case telephony.EventStart:
				if c.ai != nil {
					// A repeated start must not redial the provider and orphan
					// the socket already in flight.
					c.logger.Warn("ignoring duplicate start event", "stream_sid", ev.StreamSID)
					continue
				}
				c.logger.Info("media stream started", "stream_sid", ev.StreamSID)
				c.sess.setState(StateAwaitingAIHandshake)
				c.ai = c.newAILink(c.sess.SubjectName, c.sess.CustomInstructions)
				if err := c.ai.Dial(ctx); err != nil {
					c.logger.Error("speech provider handshake failed", "error", err)
					reason = ReasonHandshakeFailed
					break loop
				}
				aiEvents = c.ai.Events()
				readyCh = c.ai.Ready()

			case telephony.EventMedia:
				if !aiReady && readyCh != nil {
					// The provider may have acked between events; check
					// before buffering so flushed frames stay ahead of this
					// one.
					select {
					case <-readyCh:
						readyCh = nil
						aiReady = true
						c.flushPending()
						c.sess.setState(StateActive)
					default:
					}
				}
				if aiReady {
					c.forwardInbound(ev.Audio)
				} else {
					c.buffer(ev.Audio)
				}

			case telephony.EventStop:
				reason = ReasonTelephonyStop
				break loop
			}

		case <-readyCh:
			readyCh = nil
			aiReady = true
			c.flushPending()
			c.sess.setState(StateActive)

		case ev, ok := <-aiEvents:
			if !ok {
				reason = ReasonAIClosed
				break loop
			}
			switch ev.Kind {
			case aiprovider.EventTextDelta:
				c.assembler.OnAgentTextDelta(ev.Text)
				c.sess.setTranscriptLength(len(c.assembler.FlatTranscript()))

			case aiprovider.EventAudioDelta:
				if err := c.relayOutbound(ev.Audio); err != nil {
					c.logger.Error("outbound relay failed", "error", err)
					reason = ReasonError
					break loop
				}

			case aiprovider.EventAudioDone:
				c.assembler.OnAgentTurnDone()

			case aiprovider.EventSubjectTranscript:
				c.assembler.OnSubjectTranscript(ev.Text)
				c.sess.setTranscriptLength(len(c.assembler.FlatTranscript()))

			case aiprovider.EventError:
				c.logger.Error("speech provider error", "error", ev.Err)
				reason = ReasonError
				break loop

			case aiprovider.EventClosed:
				c.logger.Warn("speech provider socket closed", "code", ev.Code)
				reason = ReasonAIClosed
				break loop
			}
		}
	}

	c.teardown(reason)
}

func (c *Controller) buffer(frame []byte) {
	if len(c.pending) >= c.cfg.MaxPendingFrames {
		c.logger.Warn("pending audio buffer full, dropping frame", "pending", len(c.pending))
		return
	}
	c.pending = append(c.pending, frame)
}

func (c *Controller) flushPending() {
	if len(c.pending) > 0 {
		c.logger.Debug("flushing pending audio", "frames", len(c.pending))
	}
	for _, frame := range c.pending {
		c.forwardInbound(frame)
	}
	c.pending = nil
}

func (c *Controller) forwardInbound(frame []byte) {
	decoded, err := c.codec.DecodeInbound(frame)
	if err != nil {
		c.logger.Warn("dropping undecodable inbound frame", "error", err)
		return
	}
	if err := c.ai.AppendAudio(decoded); err != nil {
		c.logger.Warn("append to provider input buffer failed", "error", err)
	}
}

func (c *Controller) relayOutbound(providerAudio []byte) error {
	if c.tel == nil {
		return nil
	}
	encoded, err := c.codec.EncodeOutbound(providerAudio)
	if err != nil {
		return err
	}
	for _, frame := range audio.Chunk(encoded, c.cfg.FrameBytes) {
		if err := c.tel.SendAudio(frame); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) teardown(reason EndReason) {
	c.sess.setState(StateEnding)
	c.logger.Info("session ending", "reason", string(reason))

	if c.tel != nil {
		_ = c.tel.Close()
		c.awaitClosed(c.tel.Done())
	}
	if c.ai != nil {
		_ = c.ai.Close()
		c.awaitClosed(c.ai.Done())
	}

	c.persistOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		out := outcome.Outcome{
			Transcript:      c.assembler.FlatTranscript(),
			DurationSeconds: int(c.sess.Duration().Seconds()),
			Status:          reason.Status(),
		}
		if err := c.outcomes.SaveCallOutcome(ctx, c.sess.CallRef, out); err != nil {
			// Persistence failure never blocks the Ended transition; retries,
			// if any, belong to the persistence side.
			c.logger.Error("persisting call outcome failed", "call_ref", c.sess.CallRef, "error", err)
		}
	})

	c.sess.setState(StateEnded)
	close(c.done)
	// A media stream may have raced the teardown. The drain must come after
	// done is closed: a sender that lands in the channel first sees done
	// closed on its re-check, so one of the two sides always drains and
	// closes the link.
	select {
	case link := <-c.attachCh:
		_ = link.Close()
	default:
	}
	if c.onEnded != nil {
		c.onEnded()
	}
	c.logger.Info("session ended",
		"reason", string(reason),
		"duration_s", int(c.sess.Duration().Seconds()),
		"turns", c.assembler.Len(),
	)
}

func (c *Controller) awaitClosed(ch <-chan struct{}) {
	select {
	case <-ch:
	case <-time.After(c.cfg.CloseTimeout):
		c.logger.Warn("link did not close within timeout, dropping")
	}
}
