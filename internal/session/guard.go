package session

import (
	"context"
	"sync"
)

// Run is the handle owned by exactly one in-flight run of a session. Its
// context is cancelled when the session is cancelled; the run pump observes
// that and stops consuming the engine stream.
type Run struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Context returns the cancellation context tied to this run.
func (r *Run) Context() context.Context { return r.ctx }

// RunGuard enforces at most one active run per session, independent of the
// global admission limit. It also holds the cancellation handle for each
// active run. RunGuard is safe for concurrent use.
type RunGuard struct {
	mu     sync.Mutex
	active map[string]*Run
}

// NewRunGuard creates an empty run guard.
func NewRunGuard() *RunGuard {
	return &RunGuard{active: make(map[string]*Run)}
}

// TryBegin attempts to mark a run in flight for the session. It never blocks:
// if a run is already active the second value is false. On success the caller
// uniquely owns the returned handle and must call End exactly once on every
// exit path.
func (g *RunGuard) TryBegin(id string) (*Run, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.active[id]; exists {
		return nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Run{ctx: ctx, cancel: cancel}
	g.active[id] = r
	return r, true
}

// End clears the in-flight marker unconditionally and releases the run's
// context resources.
func (g *RunGuard) End(id string) {
	g.mu.Lock()
	r := g.active[id]
	delete(g.active, id)
	g.mu.Unlock()
	if r != nil {
		r.cancel()
	}
}

// Cancel signals the active run's cancellation handle, if any, and reports
// whether a run was active. It does not clear the marker; the owning run's
// exit path does that via End.
func (g *RunGuard) Cancel(id string) bool {
	g.mu.Lock()
	r, ok := g.active[id]
	g.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel()
	return true
}

// Active reports whether a run is currently in flight for the session.
func (g *RunGuard) Active(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[id]
	return ok
}
