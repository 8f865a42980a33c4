package wrkqmgr

import (
	"context"
	"sync"
)

// Semaphore is an unbounded counting semaphore: every queued work item posts
// once and every worker waits once per item it looks for.
type Semaphore struct {
	mu    sync.Mutex
	count int
	ready chan struct{} // closed and replaced on every post
}

// NewSemaphore returns a semaphore with count 0.
func NewSemaphore() *Semaphore {
	return &Semaphore{ready: make(chan struct{})}
}

// Post adds one.
func (s *Semaphore) Post() { s.PostMultiple(1) }

// PostMultiple adds n.
func (s *Semaphore) PostMultiple(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.count += n
	close(s.ready)
	s.ready = make(chan struct{})
	s.mu.Unlock()
}

// Wait takes one, blocking until one is available or ctx ends.
func (s *Semaphore) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.count > 0 {
			s.count--
			s.mu.Unlock()
			return nil
		}
		ready := s.ready
		s.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryWait takes one if available.
func (s *Semaphore) TryWait() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return false
	}
	s.count--
	return true
}

// Value returns the current count.
func (s *Semaphore) Value() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
