package session

import (
	"context"
	"sync"
)

// DefaultMaxConcurrentRuns bounds simultaneous engine runs when no explicit
// limit is configured.
const DefaultMaxConcurrentRuns = 4

// Admission bounds the number of concurrent runs across all sessions. It is a
// counting semaphore with an explicit FIFO wait queue: permits are granted
// strictly in arrival order, and release wakes exactly the longest-waiting
// caller. A waiter can abandon its place via context cancellation without
// leaking a permit, even if it loses the race against a concurrent release.
type Admission struct {
	mu      sync.Mutex
	permits int
	waiters []chan struct{}
}

// NewAdmission creates an admission controller with n permits. Values below 1
// are clamped to 1.
func NewAdmission(n int) *Admission {
	if n < 1 {
		n = 1
	}
	return &Admission{permits: n}
}

// Acquire blocks until a permit is available or ctx is done. Arrival order is
// preserved: a caller never overtakes an earlier waiter even when a permit is
// free at the moment it arrives.
func (a *Admission) Acquire(ctx context.Context) error {
	a.mu.Lock()
	if a.permits > 0 && len(a.waiters) == 0 {
		a.permits--
		a.mu.Unlock()
		return nil
	}
	ready := make(chan struct{}, 1)
	a.waiters = append(a.waiters, ready)
	a.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		a.mu.Lock()
		for i, w := range a.waiters {
			if w == ready {
				a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
				a.mu.Unlock()
				return ctx.Err()
			}
		}
		a.mu.Unlock()
		// No longer queued: a concurrent Release already granted us the
		// permit. Take it and hand it straight back.
		<-ready
		a.Release()
		return ctx.Err()
	}
}

// Release returns a permit. If waiters exist the longest-waiting one is woken
// and receives the permit directly; otherwise the permit count is restored.
func (a *Admission) Release() {
	a.mu.Lock()
	if len(a.waiters) > 0 {
		w := a.waiters[0]
		a.waiters = a.waiters[1:]
		a.mu.Unlock()
		w <- struct{}{}
		return
	}
	a.permits++
	a.mu.Unlock()
}

// Saturated reports whether an Acquire would block right now.
func (a *Admission) Saturated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.permits == 0 || len(a.waiters) > 0
}

// QueueDepth returns the number of callers currently waiting for a permit.
func (a *Admission) QueueDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.waiters)
}
