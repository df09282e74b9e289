package session

import (
	"errors"
	"sort"
	"sync"
)

// Domain errors surfaced synchronously to callers. The transport maps these
// to response codes; none of them mutate session state.
var (
	// ErrNotFound is returned when no session exists for an identifier.
	ErrNotFound = errors.New("session not found")
	// ErrHintRequired is returned when a hint submission carries no text.
	ErrHintRequired = errors.New("hint text is required")
	// ErrNoThread is returned when a hint targets a session whose engine
	// thread has not been established yet.
	ErrNoThread = errors.New("session has no established thread")
	// ErrRunActive is returned when a hint targets a session with a run in
	// flight or about to start.
	ErrRunActive = errors.New("session already has an active run")
	// ErrTerminal is returned when an operation targets a completed or
	// cancelled session.
	ErrTerminal = errors.New("session is in a terminal state")
)

// Store is the in-memory table of session records. It exclusively owns every
// Session it creates; records do not survive process restarts. Store is safe
// for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Create allocates a new session record in the pending state with an empty
// event log and registers it under a fresh identifier.
func (st *Store) Create(problem Problem, paths RuntimePaths) *Session {
	s := newSession(problem, paths)

	st.mu.Lock()
	st.sessions[s.ID()] = s
	st.mu.Unlock()

	return s
}

// Get retrieves a session by identifier.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Delete removes a session record and reports whether one existed. The caller
// is responsible for having released the run guard and any admission slot.
func (st *Store) Delete(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; !ok {
		return false
	}
	delete(st.sessions, id)
	return true
}

// List returns every live session ordered by creation time.
func (st *Store) List() []*Session {
	st.mu.RLock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	st.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].id < out[j].id
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Clear drops every session record. Intended for shutdown and tests.
func (st *Store) Clear() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions = make(map[string]*Session)
}
