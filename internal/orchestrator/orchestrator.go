// Package orchestrator drives the session state machine: it admits runs
// against the global concurrency limit, guards each session against
// overlapping runs, pumps the engine's event stream through the normalizer
// and fans every update out to subscribers.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tafka-4/codex-agent-management/internal/engine"
	"github.com/Tafka-4/codex-agent-management/internal/hub"
	"github.com/Tafka-4/codex-agent-management/internal/observability"
	"github.com/Tafka-4/codex-agent-management/internal/session"
)

// Artifact is an optional input file attached to a session at creation.
type Artifact struct {
	Name string
	Data []byte
}

// Workspace prepares an isolated working directory for a session and writes
// the optional artifact into it. Implemented outside the core.
type Workspace interface {
	Prepare(ctx context.Context, problem session.Problem, artifact *Artifact) (session.RuntimePaths, error)
}

// Prompts builds the opaque task prompts submitted to the engine.
type Prompts interface {
	Initial(problem session.Problem, paths session.RuntimePaths) string
	Hint(problem session.Problem, hint string) string
}

// Archiver receives the final projection of a session that reached a terminal
// state. Optional; failures are logged, never propagated.
type Archiver interface {
	Archive(ctx context.Context, p session.Projection) error
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Store     *session.Store
	Guard     *session.RunGuard
	Admission *session.Admission
	Engine    engine.Engine
	Hub       *hub.Registry
	Workspace Workspace
	Prompts   Prompts
	Archiver  Archiver // optional
}

// Orchestrator is the top-level coordination component. One Orchestrator
// serves many sessions; each active run is one goroutine owned by runOnce.
type Orchestrator struct {
	store     *session.Store
	guard     *session.RunGuard
	admission *session.Admission
	engine    engine.Engine
	hub       *hub.Registry
	workspace Workspace
	prompts   Prompts
	archiver  Archiver
}

// New creates an orchestrator from cfg. Store, Guard, Admission, Engine, Hub,
// Workspace and Prompts are required.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		store:     cfg.Store,
		guard:     cfg.Guard,
		admission: cfg.Admission,
		engine:    cfg.Engine,
		hub:       cfg.Hub,
		workspace: cfg.Workspace,
		prompts:   cfg.Prompts,
		archiver:  cfg.Archiver,
	}
}

// CreateSession prepares a workspace, registers a new session and schedules
// its first run in the background. The caller receives the created record
// immediately. A workspace preparation failure surfaces as status "error" on
// the returned session; no run is attempted.
func (o *Orchestrator) CreateSession(ctx context.Context, problem session.Problem, artifact *Artifact) *session.Session {
	paths, prepErr := o.workspace.Prepare(ctx, problem, artifact)

	s := o.store.Create(problem, paths)
	o.appendEvent(s, session.LevelInfo, fmt.Sprintf("session created: %s", problem.Title), map[string]any{
		"category": problem.Category,
	})
	observability.RecordSessionCreated(problem.Category)

	if prepErr != nil {
		s.SetError(prepErr.Error())
		s.SetStatus(session.StatusError)
		o.appendEvent(s, session.LevelError, "workspace preparation failed", map[string]any{
			"error": prepErr.Error(),
		})
		return s
	}

	go o.runOnce(s.ID(), o.prompts.Initial(problem, paths), false)
	return s
}

// SubmitHint accepts operator input for a session waiting on a hint and
// schedules a resumed run. Precondition failures are returned synchronously
// and mutate nothing.
func (o *Orchestrator) SubmitHint(id, text string) error {
	if strings.TrimSpace(text) == "" {
		return session.ErrHintRequired
	}
	s, ok := o.store.Get(id)
	if !ok {
		return session.ErrNotFound
	}
	if o.guard.Active(id) {
		return session.ErrRunActive
	}
	st := s.Status()
	switch {
	case st.Terminal():
		return session.ErrTerminal
	case s.ThreadID() == "":
		return session.ErrNoThread
	case st != session.StatusAwaitingHint:
		return session.ErrRunActive
	}

	s.ClearResult()
	o.setStatus(s, session.StatusPending)
	o.appendEvent(s, session.LevelInfo, "hint received", map[string]any{"hint": text})

	go o.runOnce(id, o.prompts.Hint(s.Problem(), text), true)
	return nil
}

// Cancel transitions a session to cancelled, signals its active run if any,
// notifies all subscribers and disconnects them with a normal closure. It
// reports whether a transition happened; cancelling an already-terminal or
// unknown session is a no-op.
func (o *Orchestrator) Cancel(id string) bool {
	s, ok := o.store.Get(id)
	if !ok {
		return false
	}
	if !s.SetStatus(session.StatusCancelled) {
		return false
	}

	o.guard.Cancel(id)
	o.appendEvent(s, session.LevelInfo, "session cancelled", nil)
	o.hub.Broadcast(id, hub.StatusMessage(session.StatusCancelled))
	o.hub.CloseAll(id)
	o.archive(s)
	return true
}

// Delete cancels the session if needed and removes its record. Returns
// whether a record existed.
func (o *Orchestrator) Delete(id string) bool {
	o.Cancel(id)
	return o.store.Delete(id)
}

// runOnce executes one admission-bounded run for a session. It is safe
// against concurrent invocation for the same id: the run guard turns the
// loser into a no-op.
func (o *Orchestrator) runOnce(id, prompt string, fromHint bool) {
	run, ok := o.guard.TryBegin(id)
	if !ok {
		return
	}

	s, ok := o.store.Get(id)
	if !ok || s.Status().Terminal() {
		// Cancelled or deleted before the run got under way.
		o.guard.End(id)
		return
	}

	if o.admission.Saturated() {
		o.appendEvent(s, session.LevelInfo, "queued: waiting for an available run slot", nil)
	}
	observability.SetAdmissionQueueDepth(o.admission.QueueDepth())

	if err := o.admission.Acquire(run.Context()); err != nil {
		// Cancelled while queued; the permit was never held (or was handed
		// back by Acquire).
		o.guard.End(id)
		observability.SetAdmissionQueueDepth(o.admission.QueueDepth())
		return
	}
	observability.SetAdmissionQueueDepth(o.admission.QueueDepth())

	// The wait for a permit can outlive the session: re-check before paying
	// for an engine call, handing the permit straight back if the session
	// was cancelled or deleted while queued.
	if _, live := o.store.Get(id); !live || s.Status().Terminal() {
		o.guard.End(id)
		o.admission.Release()
		return
	}
	observability.AddActiveRuns(1)

	start := time.Now()
	outcome := "error"
	defer func() {
		// Guard release precedes permit release so a new run of this
		// session can never observe a freed guard while the permit count
		// still includes this run.
		o.guard.End(id)
		o.admission.Release()
		observability.AddActiveRuns(-1)
		observability.SetAdmissionQueueDepth(o.admission.QueueDepth())
		observability.RecordRun(outcome, time.Since(start))
	}()

	ctx, span := observability.StartSpan(run.Context(), "orchestrator.run",
		trace.WithAttributes(
			attribute.String("session.id", id),
			attribute.Bool("run.from_hint", fromHint),
		))
	defer span.End()

	s.ClearError()
	if fromHint {
		s.ClearResult()
	}
	o.setStatus(s, session.StatusRunning)
	o.appendEvent(s, session.LevelInfo, "starting agent run", nil)

	opts := engine.ThreadOptions{
		Prompt:     prompt,
		WorkingDir: s.Paths().WorkspacePath,
	}

	var (
		stream engine.Stream
		err    error
	)
	if tid := s.ThreadID(); tid == "" {
		stream, err = o.engine.StartThread(ctx, opts)
	} else {
		stream, err = o.engine.ResumeThread(ctx, tid, opts)
	}
	if err != nil {
		if run.Context().Err() != nil {
			outcome = "cancelled"
			return
		}
		o.failRun(s, fmt.Sprintf("engine start failed: %v", err))
		outcome = "awaiting_hint"
		return
	}
	defer func() { _ = stream.Close() }()

	for ev := range stream.Events() {
		if run.Context().Err() != nil {
			outcome = "cancelled"
			return
		}
		if _, live := o.store.Get(id); !live {
			// Record deleted mid-flight: implicit cancellation.
			outcome = "cancelled"
			return
		}
		o.applyEngineEvent(s, ev)
	}

	if run.Context().Err() != nil {
		outcome = "cancelled"
		return
	}

	// The stream is exhausted. A run must never silently leave its session
	// in running: without a structured-result transition this counts as
	// "needs operator attention".
	if s.Status() == session.StatusRunning {
		o.setStatus(s, session.StatusAwaitingHint)
		o.hub.BroadcastSnapshot(id)
	}

	switch s.Status() {
	case session.StatusCompleted:
		outcome = "completed"
		o.archive(s)
	case session.StatusCancelled:
		outcome = "cancelled"
	default:
		outcome = "awaiting_hint"
	}
}

// failRun converts a run-level failure into the awaiting_hint state with a
// recorded error message and an error event. Run errors never propagate past
// the orchestrator.
func (o *Orchestrator) failRun(s *session.Session, msg string) {
	s.SetError(msg)
	o.appendEvent(s, session.LevelError, msg, nil)
	o.setStatus(s, session.StatusAwaitingHint)
	o.hub.BroadcastSnapshot(s.ID())
}

// setStatus applies a state transition and broadcasts it. Transitions out of
// terminal states are refused by the session record itself.
func (o *Orchestrator) setStatus(s *session.Session, st session.Status) {
	if s.SetStatus(st) {
		o.hub.Broadcast(s.ID(), hub.StatusMessage(st))
	}
}

// appendEvent appends to the session's event log and immediately broadcasts
// the entry, preserving emission order for subscribers.
func (o *Orchestrator) appendEvent(s *session.Session, level session.EventLevel, msg string, details map[string]any) {
	ev := s.AppendEvent(level, msg, details)
	observability.RecordEventAppended(string(level))
	o.hub.Broadcast(s.ID(), hub.EventMessage(ev))
}

func (o *Orchestrator) archive(s *session.Session) {
	if o.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.archiver.Archive(ctx, s.Snapshot()); err != nil {
		log.Printf("orchestrator: archiving session %s failed: %v", s.ID(), err)
	}
}
