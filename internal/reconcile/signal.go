package reconcile

import (
	"errors"
	"fmt"
	"sync"
)

// ErrSyncAborted is returned when a pass stops because its AbortSignal fired.
// The pass is incomplete but nothing already committed is rolled back.
var ErrSyncAborted = errors.New("reconcile: sync aborted")

// AbortSignal is a one-shot cancellation flag shared by every step of a pass.
// Unlike context cancellation it never interrupts in-flight operations; it
// only prevents new ones from starting.
type AbortSignal struct {
	once  sync.Once
	done  chan struct{}
	mu    sync.Mutex
	cause error
	links map[*link]struct{}
}

// link ties the signal to an outside event, such as loss of the folder lock.
type link struct {
	fired <-chan struct{}
	cause error
}

// NewAbortSignal returns an unset signal.
func NewAbortSignal() *AbortSignal {
	return &AbortSignal{done: make(chan struct{})}
}

// Abort sets the signal. Later calls have no effect.
func (s *AbortSignal) Abort() {
	s.AbortWithCause(nil)
}

// AbortWithCause sets the signal, recording why. Only the first cause is
// kept.
func (s *AbortSignal) AbortWithCause(cause error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.cause = cause
		s.mu.Unlock()
		close(s.done)
	})
}

// AbortOn sets the signal with cause once fired is closed. Every checkpoint
// also polls fired directly, so a pass cannot pass a checkpoint after the
// event has happened. stop detaches the link; call it when the pass returns.
func (s *AbortSignal) AbortOn(fired <-chan struct{}, cause error) (stop func()) {
	l := &link{fired: fired, cause: cause}

	s.mu.Lock()
	if s.links == nil {
		s.links = make(map[*link]struct{})
	}
	s.links[l] = struct{}{}
	s.mu.Unlock()

	quit := make(chan struct{})

	go func() {
		select {
		case <-fired:
			s.AbortWithCause(cause)
		case <-quit:
		case <-s.done:
		}
	}()

	var once sync.Once

	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.links, l)
			s.mu.Unlock()
			close(quit)
		})
	}
}

// Aborted reports whether the signal has been set.
func (s *AbortSignal) Aborted() bool {
	select {
	case <-s.done:
		return true
	default:
	}

	if l := s.firedLink(); l != nil {
		s.AbortWithCause(l.cause)
		return true
	}

	return false
}

func (s *AbortSignal) firedLink() *link {
	s.mu.Lock()
	defer s.mu.Unlock()

	for l := range s.links {
		select {
		case <-l.fired:
			return l
		default:
		}
	}

	return nil
}

// Done is closed when the signal is set.
func (s *AbortSignal) Done() <-chan struct{} {
	return s.done
}

// Err returns nil before the signal is set. Afterwards it returns an error
// matching ErrSyncAborted and, when one was given, the cause.
func (s *AbortSignal) Err() error {
	if !s.Aborted() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cause == nil {
		return ErrSyncAborted
	}

	return fmt.Errorf("%w: %w", ErrSyncAborted, s.cause)
}
