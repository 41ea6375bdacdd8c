// Package service is the bridge orchestrator: it owns the session registry,
// spawns one controller goroutine per call, and exposes the operations the
// HTTP surface is built on.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/careloop/voicebridge/pkg/bridge/audio"
	"github.com/careloop/voicebridge/pkg/bridge/outcome"
	"github.com/careloop/voicebridge/pkg/bridge/session"
	"github.com/careloop/voicebridge/pkg/bridge/sessions"
)

// ErrNotFound is returned for operations on an unknown session id.
var ErrNotFound = errors.New("session not found")

// ErrSubjectRequired is returned when a start request has no subject.
var ErrSubjectRequired = errors.New("subject_id is required")

// Config carries the per-session knobs the service applies to every call.
type Config struct {
	// AudioFormat selects the codec, "g711_ulaw" or "pcm16".
	AudioFormat string
	Controller  session.Config
}

// StartRequest describes one session to create.
type StartRequest struct {
	SubjectID          string
	SubjectName        string
	CallRef            string
	CustomInstructions string
}

// Status is the externally visible snapshot of one session.
type Status struct {
	SessionID        string `json:"session_id"`
	SubjectID        string `json:"subject_id"`
	CallRef          string `json:"call_ref"`
	State            string `json:"state"`
	Active           bool   `json:"active"`
	DurationSeconds  int    `json:"duration_seconds"`
	TranscriptLength int    `json:"transcript_length"`
}

// Service wires sessions, controllers, and the outcome store together.
type Service struct {
	cfg       Config
	store     *sessions.Store
	outcomes  outcome.Store
	codec     audio.Codec
	newAILink session.AILinkFactory
	logger    *slog.Logger

	mu          sync.Mutex
	controllers map[string]*session.Controller

	wg sync.WaitGroup
}

// New builds the service. The codec is shared across sessions; it is
// stateless.
func New(cfg Config, store *sessions.Store, outcomes outcome.Store, newAILink session.AILinkFactory, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	codec, err := audio.NewCodec(cfg.AudioFormat)
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:         cfg,
		store:       store,
		outcomes:    outcomes,
		codec:       codec,
		newAILink:   newAILink,
		logger:      logger,
		controllers: make(map[string]*session.Controller),
	}, nil
}

// StartSession registers a session for the subject and starts its controller
// goroutine. Fails fast with sessions.ErrAlreadyActive when the subject is
// already on a call.
func (s *Service) StartSession(ctx context.Context, req StartRequest) (*session.Session, error) {
	if req.SubjectID == "" {
		return nil, ErrSubjectRequired
	}

	var ctrl *session.Controller
	sess, err := s.store.Create(req.SubjectID, func() (*session.Session, sessions.Handle) {
		sess := session.New(req.SubjectID, req.SubjectName, req.CallRef, req.CustomInstructions)
		if sess.CallRef == "" {
			sess.CallRef = sess.ID
		}
		ctrl = session.NewController(sess, s.cfg.Controller, s.codec, s.newAILink, s.outcomes, s.logger,
			func() { s.forget(sess.ID) })
		return sess, sessions.Handle{Evict: ctrl.Evict, Done: ctrl.Done()}
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.controllers[sess.ID] = ctrl
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// The session outlives the request that created it.
		ctrl.Run(context.Background())
	}()

	s.logger.Info("session started", "session_id", sess.ID, "subject_id", req.SubjectID, "call_ref", req.CallRef)
	return sess, nil
}

// AttachTelephonyLink hands an accepted media stream to its session.
func (s *Service) AttachTelephonyLink(sessionID string, link session.TelephonyLink) error {
	ctrl := s.controller(sessionID)
	if ctrl == nil {
		_ = link.Close()
		return ErrNotFound
	}
	return ctrl.Attach(link)
}

// EndSession requests a graceful teardown. Idempotent end to end: ending a
// session that is winding down, has already ended, or was never known is a
// no-op.
func (s *Service) EndSession(sessionID string) error {
	if ctrl := s.controller(sessionID); ctrl != nil {
		ctrl.End()
	}
	return nil
}

// EvictSubject force-ends every session held by the subject and reports how
// many were evicted.
func (s *Service) EvictSubject(subjectID string) int {
	return s.store.ForceEvictAll(subjectID)
}

// SessionStatus snapshots one session.
func (s *Service) SessionStatus(sessionID string) (Status, error) {
	sess, ok := s.store.Get(sessionID)
	if !ok {
		return Status{}, ErrNotFound
	}
	return snapshot(sess), nil
}

// ListSessions snapshots every registered session.
func (s *Service) ListSessions() []Status {
	active := s.store.Active()
	out := make([]Status, 0, len(active))
	for _, sess := range active {
		out = append(out, snapshot(sess))
	}
	return out
}

// Shutdown ends every live session and waits for their teardowns, bounded by
// ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ctrls := make([]*session.Controller, 0, len(s.controllers))
	for _, c := range s.controllers {
		ctrls = append(ctrls, c)
	}
	s.mu.Unlock()

	for _, c := range ctrls {
		c.End()
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) controller(sessionID string) *session.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controllers[sessionID]
}

func (s *Service) forget(sessionID string) {
	s.store.Remove(sessionID)
	s.mu.Lock()
	delete(s.controllers, sessionID)
	s.mu.Unlock()
}

func snapshot(sess *session.Session) Status {
	return Status{
		SessionID:        sess.ID,
		SubjectID:        sess.SubjectID,
		CallRef:          sess.CallRef,
		State:            string(sess.State()),
		Active:           sess.Active(),
		DurationSeconds:  int(sess.Duration().Seconds()),
		TranscriptLength: sess.TranscriptLength(),
	}
}
