// Package session holds the data model and shared state for tracked agent
// sessions: the session record with its append-only event log, the in-memory
// store, the per-session run guard, and the global admission controller.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusPending means a run is scheduled but has not started yet.
	StatusPending Status = "pending"
	// StatusRunning means an engine run is actively in flight.
	StatusRunning Status = "running"
	// StatusAwaitingHint means the last run ended without solving the task
	// and the session is waiting for operator input.
	StatusAwaitingHint Status = "awaiting_hint"
	// StatusCompleted means the engine reported the task solved. Terminal.
	StatusCompleted Status = "completed"
	// StatusCancelled means the session was cancelled. Terminal.
	StatusCancelled Status = "cancelled"
	// StatusError means setup failed before a run could begin. Terminal in
	// practice: the session never retries on its own.
	StatusError Status = "error"
)

// Terminal reports whether no further transition exists out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// EventLevel classifies an event log entry.
type EventLevel string

const (
	LevelInfo    EventLevel = "info"
	LevelTask    EventLevel = "task"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

// Problem is the immutable descriptive metadata supplied at creation.
type Problem struct {
	Category    string `json:"category"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// RuntimePaths are the opaque filesystem locations prepared for a session by
// the workspace collaborator. Stored verbatim, never interpreted.
type RuntimePaths struct {
	WorkspacePath string `json:"workspacePath"`
	ArtifactPath  string `json:"artifactPath,omitempty"`
}

// Event is one entry in a session's append-only event log. Immutable once
// appended.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`
	// Timestamp is assigned at append time and is non-decreasing within a
	// session's log.
	Timestamp time.Time `json:"timestamp"`
	// Level classifies the event.
	Level EventLevel `json:"level"`
	// Message is a human-readable summary.
	Message string `json:"message"`
	// Details is an optional opaque payload passed through to subscribers.
	Details map[string]any `json:"details,omitempty"`
}

// Result outcome values produced by the engine's structured output.
const (
	OutcomeSolved       = "solved"
	OutcomeNeedMoreInfo = "need_more_info"
)

// AgentResult is the decoded structured output of an engine run.
type AgentResult struct {
	// Outcome is the engine's inference outcome, one of OutcomeSolved or
	// OutcomeNeedMoreInfo.
	Outcome string `json:"outcome"`
	// Flag is the recovered flag, if any.
	Flag string `json:"flag,omitempty"`
	// Summary describes how the engine reached the outcome.
	Summary string `json:"summary,omitempty"`
}

// Projection is the read-only view of a session exposed to transports and
// subscribers. It carries every field of the session record.
type Projection struct {
	ID            string       `json:"id"`
	Status        Status       `json:"status"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	Problem       Problem      `json:"problem"`
	WorkspacePath string       `json:"workspacePath,omitempty"`
	ArtifactPath  string       `json:"artifactPath,omitempty"`
	ThreadID      *string      `json:"threadId"`
	Result        *AgentResult `json:"result"`
	Error         *string      `json:"error"`
	Events        []Event      `json:"events"`
}

// Session is the aggregate root of one tracked task attempt. All field access
// goes through methods; the embedded mutex guards every read-modify-write so
// the record is safe for concurrent use by the run pump, hint submission and
// cancellation paths.
type Session struct {
	mu sync.RWMutex

	id        string
	status    Status
	createdAt time.Time
	updatedAt time.Time
	problem   Problem
	paths     RuntimePaths
	threadID  string
	result    *AgentResult
	errMsg    string
	events    []Event

	// lastEventAt keeps event timestamps non-decreasing even if the wall
	// clock steps backwards.
	lastEventAt time.Time
}

func newSession(problem Problem, paths RuntimePaths) *Session {
	now := time.Now().UTC()
	return &Session{
		id:        uuid.New().String(),
		status:    StatusPending,
		createdAt: now,
		updatedAt: now,
		problem:   problem,
		paths:     paths,
		events:    make([]Event, 0, 8),
	}
}

// ID returns the immutable session identifier.
func (s *Session) ID() string { return s.id }

// Problem returns the immutable problem metadata.
func (s *Session) Problem() Problem { return s.problem }

// Paths returns the immutable runtime paths supplied at creation.
func (s *Session) Paths() RuntimePaths { return s.paths }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus transitions the session to st and bumps UpdatedAt. It refuses to
// leave a terminal state.
func (s *Session) SetStatus(st Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.status = st
	s.touch()
	return true
}

// ThreadID returns the engine thread identifier, or "" if none established.
func (s *Session) ThreadID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threadID
}

// EstablishThread records the engine thread identifier. Only the first call
// has effect; the thread id is immutable once set.
func (s *Session) EstablishThread(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.threadID != "" || threadID == "" {
		return false
	}
	s.threadID = threadID
	s.touch()
	return true
}

// Result returns the last decoded structured output, or nil.
func (s *Session) Result() *AgentResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

// SetResult replaces the structured output wholesale.
func (s *Session) SetResult(r *AgentResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = r
	s.touch()
}

// ClearResult drops the structured output, used when a new run starts from a
// hint.
func (s *Session) ClearResult() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = nil
	s.touch()
}

// Error returns the last recorded failure message, or "".
func (s *Session) Error() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errMsg
}

// SetError records a failure message.
func (s *Session) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errMsg = msg
	s.touch()
}

// ClearError drops the recorded failure message when a run starts.
func (s *Session) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errMsg = ""
	s.touch()
}

// UpdatedAt returns the time of the last mutation.
func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// EventCount returns the current length of the event log.
func (s *Session) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// AppendEvent appends a new entry to the event log and returns it. Timestamps
// are non-decreasing within the log.
func (s *Session) AppendEvent(level EventLevel, message string, details map[string]any) Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := time.Now().UTC()
	if ts.Before(s.lastEventAt) {
		ts = s.lastEventAt
	}
	s.lastEventAt = ts

	ev := Event{
		ID:        uuid.New().String(),
		Timestamp: ts,
		Level:     level,
		Message:   message,
		Details:   details,
	}
	s.events = append(s.events, ev)
	s.touch()
	return ev
}

// Snapshot returns a consistent copy of every session field for transports
// and late-joining subscribers.
func (s *Session) Snapshot() Projection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := Projection{
		ID:            s.id,
		Status:        s.status,
		CreatedAt:     s.createdAt,
		UpdatedAt:     s.updatedAt,
		Problem:       s.problem,
		WorkspacePath: s.paths.WorkspacePath,
		ArtifactPath:  s.paths.ArtifactPath,
		Events:        make([]Event, len(s.events)),
	}
	copy(p.Events, s.events)

	if s.threadID != "" {
		tid := s.threadID
		p.ThreadID = &tid
	}
	if s.result != nil {
		r := *s.result
		p.Result = &r
	}
	if s.errMsg != "" {
		msg := s.errMsg
		p.Error = &msg
	}
	return p
}

// touch bumps updatedAt keeping it monotonically non-decreasing. Callers must
// hold the write lock.
func (s *Session) touch() {
	now := time.Now().UTC()
	if now.After(s.updatedAt) {
		s.updatedAt = now
	}
}
