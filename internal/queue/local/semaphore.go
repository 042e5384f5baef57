package local

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// semaphore is an unbounded counting semaphore. Release never blocks and
// Acquire waits for a permit, a deadline, cancellation, or close.
type semaphore struct {
	mu      sync.Mutex
	permits int64
	wake    chan struct{}
	closed  bool
}

func newSemaphore(permits int64) *semaphore {
	return &semaphore{permits: permits, wake: make(chan struct{})}
}

func (s *semaphore) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.permits++
	close(s.wake)
	s.wake = make(chan struct{})
}

// acquire reports whether a permit was taken. It returns false without error on
// timeout or close; timeout <= 0 waits indefinitely.
func (s *semaphore) acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return false, nil
		}
		if s.permits > 0 {
			s.permits--
			s.mu.Unlock()
			return true, nil
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-deadline:
			return false, nil
		case <-ctx.Done():
			return false, fmt.Errorf("receive canceled: %w", ctx.Err())
		}
	}
}

func (s *semaphore) available() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permits
}

func (s *semaphore) drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permits = 0
}

func (s *semaphore) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.wake)
}
