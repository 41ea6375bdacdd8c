package sessions

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/careloop/voicebridge/pkg/bridge/session"
)

func buildSession(subjectID string) func() (*session.Session, Handle) {
	return func() (*session.Session, Handle) {
		done := make(chan struct{})
		close(done)
		return session.New(subjectID, "Test Subject", "call-1", ""), Handle{Done: done}
	}
}

func TestCreate_RegistersAndGets(t *testing.T) {
	s := New(0, time.Second, nil)
	sess, err := s.Create("p1", buildSession("p1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, ok := s.Get(sess.ID)
	if !ok || got.ID != sess.ID {
		t.Fatalf("Get=%v,%v", got, ok)
	}
	if s.Count() != 1 {
		t.Fatalf("count=%d, want 1", s.Count())
	}
}

func TestCreate_RejectsLiveSession(t *testing.T) {
	s := New(0, time.Second, nil)

	done := make(chan struct{})
	first, err := s.Create("p1", func() (*session.Session, Handle) {
		return session.New("p1", "", "call-42", ""), Handle{
			Evict: func() {},
			Done:  done,
		}
	})
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}

	// A back-to-back second start for the same subject must fail fast while
	// the first call is still up, not displace it.
	if _, err := s.Create("p1", buildSession("p1")); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("err=%v, want ErrAlreadyActive", err)
	}
	if _, ok := s.Get(first.ID); !ok {
		t.Fatalf("live session was displaced")
	}

	// Once the first session has fully ended it no longer blocks the subject.
	close(done)
	if _, err := s.Create("p1", buildSession("p1")); err != nil {
		t.Fatalf("Create after end: %v", err)
	}
}

func TestCreate_SweepsStaleSessionFirst(t *testing.T) {
	s := New(0, time.Second, nil)

	// An ended session that was never removed (its Done already fired) is a
	// stale leftover; a new create sweeps it instead of failing.
	var evicted atomic.Int64
	done := make(chan struct{})
	close(done)
	first, err := s.Create("p1", func() (*session.Session, Handle) {
		return session.New("p1", "", "call-1", ""), Handle{
			Evict: func() { evicted.Add(1) },
			Done:  done,
		}
	})
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}

	second, err := s.Create("p1", buildSession("p1"))
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if evicted.Load() != 1 {
		t.Fatalf("evictions=%d, want 1", evicted.Load())
	}
	if _, ok := s.Get(first.ID); ok {
		t.Fatalf("stale session still registered")
	}
	if _, ok := s.Get(second.ID); !ok {
		t.Fatalf("new session not registered")
	}
	if s.Count() != 1 {
		t.Fatalf("count=%d, want 1", s.Count())
	}
}

func TestCreate_ConcurrentSameSubject_ExactlyOneWins(t *testing.T) {
	s := New(0, time.Second, nil)

	const n = 16
	var wg sync.WaitGroup
	var created, alreadyActive atomic.Int64
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Create("p1", func() (*session.Session, Handle) {
				// Hold the subject lock long enough for the others to collide.
				time.Sleep(20 * time.Millisecond)
				done := make(chan struct{})
				close(done)
				return session.New("p1", "", "call", ""), Handle{Done: done}
			})
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, ErrAlreadyActive):
				alreadyActive.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	// Losers fail fast; winners that ran after a full create/evict cycle are
	// also legal. Never more than one live registration.
	if created.Load() < 1 {
		t.Fatalf("created=%d, want >= 1", created.Load())
	}
	if created.Load()+alreadyActive.Load() != n {
		t.Fatalf("created=%d alreadyActive=%d, want total %d", created.Load(), alreadyActive.Load(), n)
	}
	if s.Count() != 1 {
		t.Fatalf("count=%d, want 1", s.Count())
	}
}

func TestCreate_DifferentSubjectsDoNotSerialize(t *testing.T) {
	s := New(0, time.Second, nil)
	blocker := make(chan struct{})

	go func() {
		_, _ = s.Create("p1", func() (*session.Session, Handle) {
			<-blocker
			done := make(chan struct{})
			close(done)
			return session.New("p1", "", "call", ""), Handle{Done: done}
		})
	}()
	time.Sleep(10 * time.Millisecond)

	// p1's create is parked inside build holding only p1's lock; p2 must
	// proceed immediately.
	ch := make(chan error, 1)
	go func() {
		_, err := s.Create("p2", buildSession("p2"))
		ch <- err
	}()
	select {
	case err := <-ch:
		if err != nil {
			t.Fatalf("p2 Create: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("p2 Create blocked behind p1")
	}
	close(blocker)
}

func TestCreate_CapacityLimit(t *testing.T) {
	s := New(1, time.Second, nil)
	if _, err := s.Create("p1", buildSession("p1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create("p2", buildSession("p2")); !errors.Is(err, ErrCapacity) {
		t.Fatalf("err=%v, want ErrCapacity", err)
	}
}

func TestForceEvictAll(t *testing.T) {
	s := New(0, time.Second, nil)
	var evicted atomic.Int64
	done := make(chan struct{})
	_, err := s.Create("p1", func() (*session.Session, Handle) {
		return session.New("p1", "", "call", ""), Handle{
			Evict: func() { evicted.Add(1); close(done) },
			Done:  done,
		}
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if n := s.ForceEvictAll("p1"); n != 1 {
		t.Fatalf("evicted=%d, want 1", n)
	}
	if n := s.ForceEvictAll("p1"); n != 0 {
		t.Fatalf("second evict=%d, want 0", n)
	}
	if s.Count() != 0 {
		t.Fatalf("count=%d, want 0", s.Count())
	}
}

func TestRemove_IsIdempotent(t *testing.T) {
	s := New(0, time.Second, nil)
	sess, _ := s.Create("p1", buildSession("p1"))
	s.Remove(sess.ID)
	s.Remove(sess.ID)
	if s.Count() != 0 {
		t.Fatalf("count=%d, want 0", s.Count())
	}
	// Subject is free again.
	if _, err := s.Create("p1", buildSession("p1")); err != nil {
		t.Fatalf("Create after remove: %v", err)
	}
}

func TestSubjectLocks_DroppedWhenIdle(t *testing.T) {
	s := New(0, time.Second, nil)
	for i := 0; i < 8; i++ {
		sess, err := s.Create("p1", buildSession("p1"))
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
		s.Remove(sess.ID)
	}
	sess, _ := s.Create("p2", buildSession("p2"))

	s.mu.Lock()
	n := len(s.locks)
	s.mu.Unlock()
	if n != 1 {
		t.Fatalf("locks=%d, want 1 (only the registered subject)", n)
	}

	s.Remove(sess.ID)
	s.mu.Lock()
	n = len(s.locks)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("locks=%d, want 0 after last remove", n)
	}
}

func TestActive_ListsSessions(t *testing.T) {
	s := New(0, time.Second, nil)
	_, _ = s.Create("p1", buildSession("p1"))
	_, _ = s.Create("p2", buildSession("p2"))
	if got := len(s.Active()); got != 2 {
		t.Fatalf("active=%d, want 2", got)
	}
}
