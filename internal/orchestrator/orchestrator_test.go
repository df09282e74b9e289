package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tafka-4/codex-agent-management/internal/engine"
	"github.com/Tafka-4/codex-agent-management/internal/engine/enginetest"
	"github.com/Tafka-4/codex-agent-management/internal/hub"
	"github.com/Tafka-4/codex-agent-management/internal/session"
)

type fakeWorkspace struct {
	mu       sync.Mutex
	err      error
	prepared int
	lastArt  *Artifact
}

func (w *fakeWorkspace) Prepare(ctx context.Context, problem session.Problem, artifact *Artifact) (session.RuntimePaths, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return session.RuntimePaths{}, w.err
	}
	w.prepared++
	w.lastArt = artifact
	paths := session.RuntimePaths{WorkspacePath: fmt.Sprintf("/tmp/ws-%d", w.prepared)}
	if artifact != nil {
		paths.ArtifactPath = paths.WorkspacePath + "/" + artifact.Name
	}
	return paths, nil
}

type fakePrompts struct{}

func (fakePrompts) Initial(problem session.Problem, paths session.RuntimePaths) string {
	return "initial:" + problem.Title
}

func (fakePrompts) Hint(problem session.Problem, hint string) string {
	return "hint:" + hint
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived []session.Projection
}

func (a *fakeArchiver) Archive(ctx context.Context, p session.Projection) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, p)
	return nil
}

func (a *fakeArchiver) list() []session.Projection {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]session.Projection, len(a.archived))
	copy(out, a.archived)
	return out
}

// subConn is a minimal hub.Conn for observing broadcasts.
type subConn struct {
	mu       sync.Mutex
	messages []hub.Message
	closed   bool
}

func (c *subConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, v.(hub.Message))
	return nil
}

func (c *subConn) CloseNormal() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *subConn) received() []hub.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]hub.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *subConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fixture struct {
	store    *session.Store
	guard    *session.RunGuard
	adm      *session.Admission
	eng      *enginetest.Engine
	registry *hub.Registry
	ws       *fakeWorkspace
	arch     *fakeArchiver
	orch     *Orchestrator
}

func newFixture(t *testing.T, permits int) *fixture {
	t.Helper()
	f := &fixture{
		store: session.NewStore(),
		guard: session.NewRunGuard(),
		adm:   session.NewAdmission(permits),
		eng:   enginetest.New(),
		ws:    &fakeWorkspace{},
		arch:  &fakeArchiver{},
	}
	f.registry = hub.NewRegistry(f.store)
	f.orch = New(Config{
		Store:     f.store,
		Guard:     f.guard,
		Admission: f.adm,
		Engine:    f.eng,
		Hub:       f.registry,
		Workspace: f.ws,
		Prompts:   fakePrompts{},
		Archiver:  f.arch,
	})
	return f
}

func waitForStatus(t *testing.T, s *session.Session, want session.Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session %s never reached %s (stuck at %s)", s.ID(), want, s.Status())
}

func waitForIdle(t *testing.T, f *fixture, id string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if !f.guard.Active(id) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("run for session %s never ended", id)
}

func solvedMessage(flag string) engine.Event {
	return engine.Event{
		Kind: engine.KindItemCompleted,
		Item: &engine.ThreadItem{
			Type: engine.ItemAgentMessage,
			Text: fmt.Sprintf(`{"outcome":"solved","flag":%q,"summary":"overflowed the buffer"}`, flag),
		},
	}
}

func needInfoMessage(summary string) engine.Event {
	return engine.Event{
		Kind: engine.KindItemCompleted,
		Item: &engine.ThreadItem{
			Type: engine.ItemAgentMessage,
			Text: fmt.Sprintf(`{"outcome":"need_more_info","summary":%q}`, summary),
		},
	}
}

func TestCreateSessionSolvedRun(t *testing.T) {
	f := newFixture(t, 4)
	f.eng.QueueEvents(
		engine.Event{Kind: engine.KindThreadStarted, ThreadID: "thread-1"},
		engine.Event{Kind: engine.KindTurnStarted},
		solvedMessage("FLAG{heap}"),
		engine.Event{Kind: engine.KindTurnCompleted, Usage: &engine.Usage{InputTokens: 10, OutputTokens: 5}},
	)

	s := f.orch.CreateSession(context.Background(), session.Problem{Category: "pwn", Title: "Heap playground"}, nil)
	require.NotNil(t, s)

	waitForStatus(t, s, session.StatusCompleted)
	waitForIdle(t, f, s.ID())

	assert.Equal(t, "thread-1", s.ThreadID())
	require.NotNil(t, s.Result())
	assert.Equal(t, session.OutcomeSolved, s.Result().Outcome)
	assert.Equal(t, "FLAG{heap}", s.Result().Flag)
	assert.Empty(t, s.Error())

	calls := f.eng.Calls()
	require.Len(t, calls, 1)
	assert.Empty(t, calls[0].ThreadID, "first run must start a new thread")
	assert.Equal(t, "initial:Heap playground", calls[0].Opts.Prompt)
	assert.Equal(t, s.Paths().WorkspacePath, calls[0].Opts.WorkingDir)

	archived := f.arch.list()
	require.Len(t, archived, 1)
	assert.Equal(t, session.StatusCompleted, archived[0].Status)
}

func TestCreateSessionWorkspaceFailure(t *testing.T) {
	f := newFixture(t, 4)
	f.ws.err = errors.New("disk full")

	s := f.orch.CreateSession(context.Background(), session.Problem{Category: "web", Title: "SQLi"}, nil)

	assert.Equal(t, session.StatusError, s.Status())
	assert.Contains(t, s.Error(), "disk full")
	assert.Empty(t, s.ThreadID())

	// No run is ever attempted for a session that failed setup.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.eng.Calls())
	assert.False(t, f.guard.Active(s.ID()))

	snap := s.Snapshot()
	require.GreaterOrEqual(t, len(snap.Events), 2)
	assert.Equal(t, session.LevelError, snap.Events[len(snap.Events)-1].Level)
}

func TestCreateSessionPassesArtifact(t *testing.T) {
	f := newFixture(t, 4)
	f.eng.QueueEvents(engine.Event{Kind: engine.KindThreadStarted, ThreadID: "t"})

	art := &Artifact{Name: "chall.tar.gz", Data: []byte("binary")}
	s := f.orch.CreateSession(context.Background(), session.Problem{Title: "x"}, art)

	waitForIdle(t, f, s.ID())
	assert.Same(t, art, f.ws.lastArt)
	assert.Contains(t, s.Paths().ArtifactPath, "chall.tar.gz")
}

func TestTurnFailedLeadsToAwaitingHint(t *testing.T) {
	f := newFixture(t, 4)
	f.eng.QueueEvents(
		engine.Event{Kind: engine.KindThreadStarted, ThreadID: "thread-1"},
		engine.Event{Kind: engine.KindTurnFailed, Message: "model overloaded"},
	)

	s := f.orch.CreateSession(context.Background(), session.Problem{Title: "x"}, nil)
	waitForStatus(t, s, session.StatusAwaitingHint)
	waitForIdle(t, f, s.ID())

	assert.Equal(t, "model overloaded", s.Error())
	assert.Nil(t, s.Result())
	assert.Empty(t, f.arch.list(), "non-terminal sessions are not archived")
}

func TestStreamExhaustionForcesAwaitingHint(t *testing.T) {
	f := newFixture(t, 4)
	// The stream ends while still "running": no result, no failure event.
	f.eng.QueueEvents(
		engine.Event{Kind: engine.KindThreadStarted, ThreadID: "thread-1"},
		engine.Event{Kind: engine.KindTurnStarted},
	)

	s := f.orch.CreateSession(context.Background(), session.Problem{Title: "x"}, nil)
	waitForStatus(t, s, session.StatusAwaitingHint)
	waitForIdle(t, f, s.ID())
	assert.Empty(t, s.Error())
}

func TestEngineStartFailure(t *testing.T) {
	f := newFixture(t, 4)
	f.eng.Queue(enginetest.Run{Err: errors.New("api unreachable")})

	s := f.orch.CreateSession(context.Background(), session.Problem{Title: "x"}, nil)
	waitForStatus(t, s, session.StatusAwaitingHint)
	waitForIdle(t, f, s.ID())

	assert.Contains(t, s.Error(), "engine start failed")
	assert.Contains(t, s.Error(), "api unreachable")
}

func TestSubmitHintPreconditions(t *testing.T) {
	f := newFixture(t, 4)

	t.Run("empty hint", func(t *testing.T) {
		assert.ErrorIs(t, f.orch.SubmitHint("whatever", "   "), session.ErrHintRequired)
	})

	t.Run("unknown session", func(t *testing.T) {
		assert.ErrorIs(t, f.orch.SubmitHint("missing", "try harder"), session.ErrNotFound)
	})

	t.Run("run in flight", func(t *testing.T) {
		gate := make(chan struct{})
		f.eng.Queue(enginetest.Run{
			Gate:   gate,
			Events: []engine.Event{{Kind: engine.KindThreadStarted, ThreadID: "t-busy"}},
		})
		s := f.orch.CreateSession(context.Background(), session.Problem{Title: "busy"}, nil)
		waitForStatus(t, s, session.StatusRunning)

		assert.ErrorIs(t, f.orch.SubmitHint(s.ID(), "look at libc"), session.ErrRunActive)
		close(gate)
		waitForIdle(t, f, s.ID())
	})

	t.Run("terminal session", func(t *testing.T) {
		f.eng.QueueEvents(
			engine.Event{Kind: engine.KindThreadStarted, ThreadID: "t-done"},
			solvedMessage("FLAG{done}"),
		)
		s := f.orch.CreateSession(context.Background(), session.Problem{Title: "done"}, nil)
		waitForStatus(t, s, session.StatusCompleted)
		waitForIdle(t, f, s.ID())

		assert.ErrorIs(t, f.orch.SubmitHint(s.ID(), "more"), session.ErrTerminal)
	})

	t.Run("no thread established", func(t *testing.T) {
		f.eng.Queue(enginetest.Run{Err: errors.New("down")})
		s := f.orch.CreateSession(context.Background(), session.Problem{Title: "failed"}, nil)
		waitForStatus(t, s, session.StatusAwaitingHint)
		waitForIdle(t, f, s.ID())

		assert.ErrorIs(t, f.orch.SubmitHint(s.ID(), "retry"), session.ErrNoThread)
	})
}

func TestSubmitHintResumesThread(t *testing.T) {
	f := newFixture(t, 4)
	f.eng.QueueEvents(
		engine.Event{Kind: engine.KindThreadStarted, ThreadID: "thread-1"},
		needInfoMessage("need the libc version"),
	)

	s := f.orch.CreateSession(context.Background(), session.Problem{Title: "pwn me"}, nil)
	waitForStatus(t, s, session.StatusAwaitingHint)
	waitForIdle(t, f, s.ID())
	require.NotNil(t, s.Result())
	assert.Equal(t, session.OutcomeNeedMoreInfo, s.Result().Outcome)

	f.eng.QueueEvents(solvedMessage("FLAG{after-hint}"))
	require.NoError(t, f.orch.SubmitHint(s.ID(), "libc is 2.35"))

	waitForStatus(t, s, session.StatusCompleted)
	waitForIdle(t, f, s.ID())

	require.NotNil(t, s.Result())
	assert.Equal(t, "FLAG{after-hint}", s.Result().Flag)

	calls := f.eng.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "thread-1", calls[1].ThreadID, "hint run must resume the established thread")
	assert.Equal(t, "hint:libc is 2.35", calls[1].Opts.Prompt)
}

func TestSubmitHintClearsStaleResult(t *testing.T) {
	f := newFixture(t, 4)
	f.eng.QueueEvents(
		engine.Event{Kind: engine.KindThreadStarted, ThreadID: "thread-1"},
		needInfoMessage("stuck"),
	)
	s := f.orch.CreateSession(context.Background(), session.Problem{Title: "x"}, nil)
	waitForStatus(t, s, session.StatusAwaitingHint)
	waitForIdle(t, f, s.ID())

	gate := make(chan struct{})
	f.eng.Queue(enginetest.Run{Gate: gate})
	require.NoError(t, f.orch.SubmitHint(s.ID(), "try this"))

	waitForStatus(t, s, session.StatusRunning)
	assert.Nil(t, s.Result(), "stale result must be cleared before the resumed run")

	close(gate)
	waitForIdle(t, f, s.ID())
}

func TestCancelReleasesPermitAndDisconnects(t *testing.T) {
	f := newFixture(t, 1)

	gate := make(chan struct{})
	defer close(gate)
	f.eng.Queue(enginetest.Run{
		Gate:   gate,
		Events: []engine.Event{{Kind: engine.KindThreadStarted, ThreadID: "t1"}},
	})
	s := f.orch.CreateSession(context.Background(), session.Problem{Title: "long"}, nil)
	waitForStatus(t, s, session.StatusRunning)

	c := &subConn{}
	require.NoError(t, f.registry.Register(s.ID(), c))

	require.True(t, f.orch.Cancel(s.ID()))
	assert.Equal(t, session.StatusCancelled, s.Status())
	assert.True(t, c.isClosed(), "subscribers must be disconnected on cancel")

	// The sole permit must come back so another session can run.
	waitForIdle(t, f, s.ID())
	f.eng.QueueEvents(
		engine.Event{Kind: engine.KindThreadStarted, ThreadID: "t2"},
		solvedMessage("FLAG{next}"),
	)
	next := f.orch.CreateSession(context.Background(), session.Problem{Title: "next"}, nil)
	waitForStatus(t, next, session.StatusCompleted)

	// Cancelled sessions are archived once.
	var cancelled int
	for _, p := range f.arch.list() {
		if p.Status == session.StatusCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 1, cancelled)
}

func TestCancelIdempotent(t *testing.T) {
	f := newFixture(t, 4)
	f.eng.QueueEvents(engine.Event{Kind: engine.KindThreadStarted, ThreadID: "t"})
	s := f.orch.CreateSession(context.Background(), session.Problem{Title: "x"}, nil)
	waitForIdle(t, f, s.ID())

	assert.True(t, f.orch.Cancel(s.ID()))
	assert.False(t, f.orch.Cancel(s.ID()), "second cancel must be a no-op")
	assert.False(t, f.orch.Cancel("missing"))
}

func TestCancelDoesNotResurrectCompleted(t *testing.T) {
	f := newFixture(t, 4)
	f.eng.QueueEvents(
		engine.Event{Kind: engine.KindThreadStarted, ThreadID: "t"},
		solvedMessage("FLAG{x}"),
	)
	s := f.orch.CreateSession(context.Background(), session.Problem{Title: "x"}, nil)
	waitForStatus(t, s, session.StatusCompleted)
	waitForIdle(t, f, s.ID())

	assert.False(t, f.orch.Cancel(s.ID()))
	assert.Equal(t, session.StatusCompleted, s.Status())
}

func TestDeleteRemovesRecordAndStopsRun(t *testing.T) {
	f := newFixture(t, 1)
	gate := make(chan struct{})
	defer close(gate)
	f.eng.Queue(enginetest.Run{Gate: gate})

	s := f.orch.CreateSession(context.Background(), session.Problem{Title: "x"}, nil)
	waitForStatus(t, s, session.StatusRunning)

	assert.True(t, f.orch.Delete(s.ID()))
	assert.Zero(t, f.store.Len())
	assert.False(t, f.orch.Delete(s.ID()))

	waitForIdle(t, f, s.ID())
}

func TestConcurrencyCapQueuesExcessRuns(t *testing.T) {
	f := newFixture(t, 2)

	gates := make([]chan struct{}, 3)
	sessions := make([]*session.Session, 3)
	for i := range gates {
		gates[i] = make(chan struct{})
		f.eng.Queue(enginetest.Run{
			Gate: gates[i],
			Events: []engine.Event{
				{Kind: engine.KindThreadStarted, ThreadID: fmt.Sprintf("t%d", i)},
				solvedMessage(fmt.Sprintf("FLAG{%d}", i)),
			},
		})
	}

	sessions[0] = f.orch.CreateSession(context.Background(), session.Problem{Title: "a"}, nil)
	waitForStatus(t, sessions[0], session.StatusRunning)
	sessions[1] = f.orch.CreateSession(context.Background(), session.Problem{Title: "b"}, nil)
	waitForStatus(t, sessions[1], session.StatusRunning)
	sessions[2] = f.orch.CreateSession(context.Background(), session.Problem{Title: "c"}, nil)

	// The third session must stay pending behind the cap.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, session.StatusPending, sessions[2].Status())
	assert.Empty(t, sessions[2].ThreadID())

	snap := sessions[2].Snapshot()
	var queued bool
	for _, ev := range snap.Events {
		if ev.Message == "queued: waiting for an available run slot" {
			queued = true
		}
	}
	assert.True(t, queued, "queued session must log a queue event")

	// Freeing one slot lets exactly the queued session proceed.
	close(gates[0])
	waitForStatus(t, sessions[0], session.StatusCompleted)
	waitForStatus(t, sessions[2], session.StatusRunning)

	close(gates[1])
	close(gates[2])
	waitForStatus(t, sessions[1], session.StatusCompleted)
	waitForStatus(t, sessions[2], session.StatusCompleted)
}

func TestRunOnceSkipsCancelledSession(t *testing.T) {
	f := newFixture(t, 4)
	s := f.store.Create(session.Problem{Title: "x"}, session.RuntimePaths{})
	require.True(t, f.orch.Cancel(s.ID()))
	before := s.EventCount()

	f.orch.runOnce(s.ID(), "prompt", false)

	assert.Empty(t, f.eng.Calls(), "a cancelled session must never reach the engine")
	assert.Equal(t, before, s.EventCount(), "no events may be appended after cancellation")
	assert.Equal(t, session.StatusCancelled, s.Status())
	assert.False(t, f.guard.Active(s.ID()))
	assert.False(t, f.adm.Saturated())
}

func TestRunOnceAbandonsRunCancelledWhileQueued(t *testing.T) {
	f := newFixture(t, 1)

	gate := make(chan struct{})
	f.eng.Queue(enginetest.Run{Gate: gate})
	first := f.orch.CreateSession(context.Background(), session.Problem{Title: "hold"}, nil)
	waitForStatus(t, first, session.StatusRunning)

	second := f.store.Create(session.Problem{Title: "queued"}, session.RuntimePaths{})
	go f.orch.runOnce(second.ID(), "prompt", false)

	deadline := time.Now().Add(3 * time.Second)
	for f.adm.QueueDepth() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("second run never queued for admission")
		}
		time.Sleep(2 * time.Millisecond)
	}

	// The session reaches a terminal state while its run is still waiting
	// for a permit; the run must hand the permit straight back.
	require.True(t, second.SetStatus(session.StatusCancelled))
	close(gate)
	waitForIdle(t, f, first.ID())
	waitForIdle(t, f, second.ID())

	assert.Len(t, f.eng.Calls(), 1, "only the first session may reach the engine")

	// The permit freed by the abandoned run still cycles.
	f.eng.QueueEvents(
		engine.Event{Kind: engine.KindThreadStarted, ThreadID: "t-next"},
		solvedMessage("FLAG{next}"),
	)
	third := f.orch.CreateSession(context.Background(), session.Problem{Title: "next"}, nil)
	waitForStatus(t, third, session.StatusCompleted)
}

func TestRunOnceLosesGuardRace(t *testing.T) {
	f := newFixture(t, 4)
	f.eng.QueueEvents(engine.Event{Kind: engine.KindThreadStarted, ThreadID: "t"})
	s := f.store.Create(session.Problem{Title: "x"}, session.RuntimePaths{})

	_, ok := f.guard.TryBegin(s.ID())
	require.True(t, ok)

	// A concurrent runOnce for the same session must be a no-op.
	f.orch.runOnce(s.ID(), "prompt", false)
	assert.Empty(t, f.eng.Calls())
	assert.Equal(t, session.StatusPending, s.Status())

	f.guard.End(s.ID())
}

func TestSubscriberSeesOrderedUpdates(t *testing.T) {
	f := newFixture(t, 1)
	gate := make(chan struct{})
	f.eng.Queue(enginetest.Run{
		Gate: gate,
		Events: []engine.Event{
			{Kind: engine.KindThreadStarted, ThreadID: "t1"},
			solvedMessage("FLAG{live}"),
		},
	})

	s := f.orch.CreateSession(context.Background(), session.Problem{Title: "x"}, nil)
	waitForStatus(t, s, session.StatusRunning)

	c := &subConn{}
	require.NoError(t, f.registry.Register(s.ID(), c))

	close(gate)
	waitForStatus(t, s, session.StatusCompleted)
	waitForIdle(t, f, s.ID())

	msgs := c.received()
	require.NotEmpty(t, msgs)
	assert.Equal(t, "snapshot", msgs[0].Type, "late joiner starts from a snapshot")

	var sawResult, sawCompleted bool
	for _, m := range msgs[1:] {
		switch m.Type {
		case "agent_result":
			sawResult = true
			require.NotNil(t, m.Result)
			assert.Equal(t, "FLAG{live}", m.Result.Flag)
		case "status":
			if m.Status == session.StatusCompleted {
				sawCompleted = true
			}
		}
	}
	assert.True(t, sawResult)
	assert.True(t, sawCompleted)
}
