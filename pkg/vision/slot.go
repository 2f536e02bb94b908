package vision

import (
	"errors"
	"sync"
	"sync/atomic"

	"skytrack/pkg/protocol"
)

// ErrClosed is returned by SignalSlot.Poll once vision has ended.
var ErrClosed = errors.New("vision: signal source closed")

// SignalSlot holds the most recent tracking signal. A newer signal replaces
// one nobody has taken yet.
type SignalSlot struct {
	mu      sync.Mutex
	latest  protocol.TrackingSignal
	has     bool
	fresh   bool
	done    chan struct{}
	closed  bool
	dropped atomic.Uint64
}

func NewSignalSlot() *SignalSlot {
	return &SignalSlot{
		done: make(chan struct{}),
	}
}

func (s *SignalSlot) Put(sig protocol.TrackingSignal) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.fresh {
		s.dropped.Add(1)
	}
	s.latest = sig
	s.has = true
	s.fresh = true
	s.mu.Unlock()
}

// Poll returns a signal that has not been returned before, without waiting.
// Once the slot is closed it reports ErrClosed.
func (s *SignalSlot) Poll() (protocol.TrackingSignal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fresh {
		s.fresh = false
		return s.latest, true, nil
	}
	if s.closed {
		return protocol.TrackingSignal{}, false, ErrClosed
	}
	return protocol.TrackingSignal{}, false, nil
}

// Latest returns the last signal put, taken or not.
func (s *SignalSlot) Latest() (protocol.TrackingSignal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.has
}

func (s *SignalSlot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.fresh = false
		close(s.done)
	}
}

// Reopen readies a closed slot for a new camera session.
func (s *SignalSlot) Reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.closed = false
		s.has = false
		s.done = make(chan struct{})
	}
}

func (s *SignalSlot) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *SignalSlot) Dropped() uint64 {
	return s.dropped.Load()
}
