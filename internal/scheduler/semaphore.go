package scheduler

import (
	"context"
	"sync"
)

// resizableSemaphore is a counting semaphore whose permit limit can change
// at runtime without disturbing in-flight holders: growing it wakes waiters
// immediately, shrinking it takes effect asymptotically as holders release.
// golang.org/x/sync/semaphore.Weighted cannot be resized once constructed,
// so this is hand-rolled instead, built on a mutex/cond/limit triple that
// the scheduler instantiates twice (one for chapter concurrency, one for
// image concurrency).
type resizableSemaphore struct {
	mu     sync.Mutex
	cond   *sync.Cond
	limit  int
	held   int
	closed bool
}

func newResizableSemaphore(limit int) *resizableSemaphore {
	if limit < 1 {
		limit = 1
	}
	s := &resizableSemaphore{limit: limit}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Acquire blocks until a permit is free, ctx is done, or the semaphore is
// closed (scheduler shutdown). Returns false in the latter two cases.
func (s *resizableSemaphore) Acquire(ctx context.Context) bool {
	stop := make(chan struct{})
	defer close(stop)
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.mu.Lock()
				s.cond.Broadcast()
				s.mu.Unlock()
			case <-stop:
			}
		}()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return false
		}
		if ctx != nil && ctx.Err() != nil {
			return false
		}
		if s.held < s.limit {
			s.held++
			return true
		}
		s.cond.Wait()
	}
}

// Release returns one permit and wakes a waiter, if any.
func (s *resizableSemaphore) Release() {
	s.mu.Lock()
	s.held--
	s.mu.Unlock()
	s.cond.Signal()
}

// SetLimit changes the permit count. Growing the limit wakes every waiter so
// the newly available permits can be claimed; shrinking it only takes
// effect asymptotically, as current holders call Release.
func (s *resizableSemaphore) SetLimit(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	s.limit = n
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Close wakes every waiter permanently; subsequent and in-flight Acquire
// calls return false. Used on scheduler shutdown.
func (s *resizableSemaphore) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *resizableSemaphore) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}
