// Package sessions is the concurrency-safe registry of active call sessions.
// It is the only structure shared across sessions; everything else is owned
// by a single session goroutine.
package sessions

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/careloop/voicebridge/pkg/bridge/session"
)

// ErrAlreadyActive is returned when the subject already has a live session.
// Callers must not retry immediately.
var ErrAlreadyActive = errors.New("subject already has an active session")

// ErrCapacity is returned when the store is at its live-session limit.
var ErrCapacity = errors.New("session capacity reached")

// Handle lets the store tear down a registered session it needs to evict.
type Handle struct {
	// Evict requests an immediate teardown. Must be idempotent.
	Evict func()
	// Done is closed once the session has fully ended.
	Done <-chan struct{}
}

type entry struct {
	sess   *session.Session
	handle Handle
}

// live reports whether the session is still running. An entry whose teardown
// has already completed is a stale leftover that may be swept.
func (e *entry) live() bool {
	if e.handle.Done != nil {
		select {
		case <-e.handle.Done:
			return false
		default:
		}
	}
	return e.sess.Active()
}

// subjectLock serializes creates for one subject. refs counts goroutines
// holding a pointer to it so the map entry can be dropped once the subject
// goes idle.
type subjectLock struct {
	mu   sync.Mutex
	refs int
}

// Store registers sessions by id and by subject, guaranteeing at most one
// live session per subject. Creation uses a per-subject lock so unrelated
// subjects never serialize against each other.
type Store struct {
	mu        sync.Mutex
	byID      map[string]*entry
	bySubject map[string]*entry
	locks     map[string]*subjectLock

	maxSessions  int
	evictTimeout time.Duration
	logger       *slog.Logger
}

// New builds a store. maxSessions <= 0 disables the capacity limit.
func New(maxSessions int, evictTimeout time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if evictTimeout <= 0 {
		evictTimeout = 5 * time.Second
	}
	return &Store{
		byID:         make(map[string]*entry),
		bySubject:    make(map[string]*entry),
		locks:        make(map[string]*subjectLock),
		maxSessions:  maxSessions,
		evictTimeout: evictTimeout,
		logger:       logger,
	}
}

// Create atomically registers a new session for subjectID. A subject with a
// live session fails with ErrAlreadyActive, whether the collision is
// concurrent (the subject lock is contended) or sequential (a live session is
// still registered). Only a stale leftover, one whose teardown has completed
// but which has not been removed yet, is torn down (bounded) before build
// runs, so the one-session-per-subject invariant holds the instant Create
// returns.
func (s *Store) Create(subjectID string, build func() (*session.Session, Handle)) (*session.Session, error) {
	s.mu.Lock()
	if s.maxSessions > 0 && len(s.byID) >= s.maxSessions {
		s.mu.Unlock()
		return nil, ErrCapacity
	}
	sl := s.locks[subjectID]
	if sl == nil {
		sl = &subjectLock{}
		s.locks[subjectID] = sl
	}
	sl.refs++
	s.mu.Unlock()
	defer s.release(subjectID, sl)

	if !sl.mu.TryLock() {
		return nil, ErrAlreadyActive
	}
	defer sl.mu.Unlock()

	s.mu.Lock()
	prev := s.bySubject[subjectID]
	s.mu.Unlock()

	if prev != nil {
		if prev.live() {
			return nil, ErrAlreadyActive
		}
		s.logger.Warn("sweeping stale session for subject",
			"subject_id", subjectID, "stale_session_id", prev.sess.ID)
		s.evict(prev)
	}

	sess, handle := build()
	e := &entry{sess: sess, handle: handle}
	s.mu.Lock()
	s.byID[sess.ID] = e
	s.bySubject[subjectID] = e
	s.mu.Unlock()
	return sess, nil
}

// release drops one reference to the subject lock and removes the map entry
// once the subject has no holders and no registered session.
func (s *Store) release(subjectID string, sl *subjectLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl.refs--
	s.cleanupLockLocked(subjectID)
}

// cleanupLockLocked must be called with s.mu held.
func (s *Store) cleanupLockLocked(subjectID string) {
	if sl := s.locks[subjectID]; sl != nil && sl.refs == 0 && s.bySubject[subjectID] == nil {
		delete(s.locks, subjectID)
	}
}

// Get looks a session up by id.
func (s *Store) Get(sessionID string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[sessionID]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// Remove drops the session from the registry. Called by the session itself
// once its terminal persistence step has completed.
func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[sessionID]
	if !ok {
		return
	}
	delete(s.byID, sessionID)
	if s.bySubject[e.sess.SubjectID] == e {
		delete(s.bySubject, e.sess.SubjectID)
	}
	s.cleanupLockLocked(e.sess.SubjectID)
}

// ForceEvictAll tears down whatever is registered for subjectID and reports
// how many sessions were evicted. Evicting an already-ended session is a
// no-op.
func (s *Store) ForceEvictAll(subjectID string) int {
	s.mu.Lock()
	e := s.bySubject[subjectID]
	s.mu.Unlock()
	if e == nil {
		return 0
	}
	s.evict(e)
	return 1
}

func (s *Store) evict(e *entry) {
	if e.handle.Evict != nil {
		e.handle.Evict()
	}
	if e.handle.Done != nil {
		select {
		case <-e.handle.Done:
		case <-time.After(s.evictTimeout):
			s.logger.Warn("evicted session did not end within timeout",
				"session_id", e.sess.ID)
		}
	}
	s.mu.Lock()
	if s.byID[e.sess.ID] == e {
		delete(s.byID, e.sess.ID)
	}
	if s.bySubject[e.sess.SubjectID] == e {
		delete(s.bySubject, e.sess.SubjectID)
	}
	s.cleanupLockLocked(e.sess.SubjectID)
	s.mu.Unlock()
}

// Active returns the registered sessions.
func (s *Store) Active() []*session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session.Session, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e.sess)
	}
	return out
}

// Count reports how many sessions are registered.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
