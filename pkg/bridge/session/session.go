// Package session implements the per-call bridge session: the state machine
// that wires a telephony media stream to a speech provider's realtime
// channel, relays audio both ways, assembles the transcript, and persists the
// outcome on teardown.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle phase of one session.
type State string

const (
	StateCreated               State = "created"
	StateAwaitingTelephonyLink State = "awaiting_telephony_link"
	StateAwaitingAIHandshake   State = "awaiting_ai_handshake"
	StateActive                State = "active"
	StateEnding                State = "ending"
	StateEnded                 State = "ended"
)

// Session is one active or recently-ended call bridge. All mutation happens
// on the owning controller's goroutine; the mutex only guards the fields
// exposed to status queries.
type Session struct {
	ID                 string
	SubjectID          string
	SubjectName        string
	CallRef            string
	CustomInstructions string
	CreatedAt          time.Time

	mu            sync.Mutex
	state         State
	endedAt       time.Time
	transcriptLen int
}

// New creates a session in StateCreated.
func New(subjectID, subjectName, callRef, customInstructions string) *Session {
	return &Session{
		ID:                 uuid.NewString(),
		SubjectID:          subjectID,
		SubjectName:        subjectName,
		CallRef:            callRef,
		CustomInstructions: customInstructions,
		CreatedAt:          time.Now(),
		state:              StateCreated,
	}
}

// State reports the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	if st == StateEnded {
		s.endedAt = time.Now()
	}
}

// Active reports whether the session has not yet reached a terminal phase.
func (s *Session) Active() bool {
	st := s.State()
	return st != StateEnding && st != StateEnded
}

// Duration is the wall-clock span from creation to end (or now, if live).
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.endedAt.IsZero() {
		return s.endedAt.Sub(s.CreatedAt)
	}
	return time.Since(s.CreatedAt)
}

// TranscriptLength is the number of characters assembled so far.
func (s *Session) TranscriptLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcriptLen
}

func (s *Session) setTranscriptLength(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcriptLen = n
}
