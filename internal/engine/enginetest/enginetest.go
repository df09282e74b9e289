// Package enginetest provides a scripted in-memory Engine for tests. Each
// queued run replays a fixed sequence of events, optionally blocking on a
// gate so tests can hold concurrency slots open deterministically.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/Tafka-4/codex-agent-management/internal/engine"
)

// Run is one scripted engine invocation.
type Run struct {
	// Events are replayed in order on the stream.
	Events []engine.Event
	// Gate, when non-nil, delays emission until the channel is closed. The
	// run still honors context cancellation while gated.
	Gate <-chan struct{}
	// Err, when non-nil, is returned from StartThread/ResumeThread instead
	// of a stream.
	Err error
}

// Call records one StartThread or ResumeThread invocation.
type Call struct {
	ThreadID string // empty for StartThread
	Opts     engine.ThreadOptions
}

// Engine replays queued runs in FIFO order across StartThread and
// ResumeThread. Safe for concurrent use.
type Engine struct {
	mu    sync.Mutex
	runs  []Run
	calls []Call
}

// New creates an empty scripted engine.
func New() *Engine {
	return &Engine{}
}

// Queue appends a scripted run.
func (e *Engine) Queue(r Run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs = append(e.runs, r)
}

// QueueEvents appends a scripted run that simply replays events.
func (e *Engine) QueueEvents(events ...engine.Event) {
	e.Queue(Run{Events: events})
}

// Calls returns a copy of the recorded invocations.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Call, len(e.calls))
	copy(out, e.calls)
	return out
}

// StartThread implements engine.Engine.
func (e *Engine) StartThread(ctx context.Context, opts engine.ThreadOptions) (engine.Stream, error) {
	return e.next(ctx, Call{Opts: opts})
}

// ResumeThread implements engine.Engine.
func (e *Engine) ResumeThread(ctx context.Context, threadID string, opts engine.ThreadOptions) (engine.Stream, error) {
	return e.next(ctx, Call{ThreadID: threadID, Opts: opts})
}

func (e *Engine) next(ctx context.Context, call Call) (engine.Stream, error) {
	e.mu.Lock()
	e.calls = append(e.calls, call)
	if len(e.runs) == 0 {
		e.mu.Unlock()
		return nil, fmt.Errorf("enginetest: no scripted run left")
	}
	run := e.runs[0]
	e.runs = e.runs[1:]
	e.mu.Unlock()

	if run.Err != nil {
		return nil, run.Err
	}

	ch := make(chan engine.Event)
	go func() {
		defer close(ch)
		if run.Gate != nil {
			select {
			case <-run.Gate:
			case <-ctx.Done():
				return
			}
		}
		for _, ev := range run.Events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &stream{ch: ch}, nil
}

type stream struct {
	ch chan engine.Event
}

func (s *stream) Events() <-chan engine.Event { return s.ch }

func (s *stream) Close() error { return nil }
