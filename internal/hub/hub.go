// Package hub tracks live transport-level subscribers per session and fans
// session updates out to them in emission order.
package hub

import (
	"errors"
	"log"
	"sync"

	"github.com/Tafka-4/codex-agent-management/internal/session"
)

// ErrUnknownSession is returned when a subscriber registers for a session
// that does not exist.
var ErrUnknownSession = errors.New("hub: unknown session")

// Conn is the transport-level connection a subscriber lives on. The hub owns
// neither the connection nor its lifetime; a failed write is the only signal
// that a subscriber is gone.
type Conn interface {
	// WriteJSON sends one message to the subscriber.
	WriteJSON(v any) error

	// CloseNormal closes the connection signalling normal closure.
	CloseNormal() error
}

// Message is the wire shape pushed to subscribers. Exactly one of the payload
// fields is set, according to Type.
type Message struct {
	Type    string               `json:"type"`
	Status  session.Status       `json:"status,omitempty"`
	Event   *session.Event       `json:"event,omitempty"`
	Result  *session.AgentResult `json:"result,omitempty"`
	Session *session.Projection  `json:"session,omitempty"`
}

// StatusMessage builds a status-transition message.
func StatusMessage(st session.Status) Message {
	return Message{Type: "status", Status: st}
}

// EventMessage builds an event-log append message.
func EventMessage(ev session.Event) Message {
	return Message{Type: "event", Event: &ev}
}

// ResultMessage builds a structured-result message.
func ResultMessage(r session.AgentResult) Message {
	return Message{Type: "agent_result", Result: &r}
}

// SnapshotMessage builds a full-projection message.
func SnapshotMessage(p session.Projection) Message {
	return Message{Type: "snapshot", Session: &p}
}

// Registry is the per-session set of live subscribers. Writes to one
// session's subscribers happen under the registry lock, so a subscriber
// observes updates in exactly the order they were produced. Dead connections
// are pruned lazily on write failure, never polled.
type Registry struct {
	store *session.Store

	mu   sync.Mutex
	subs map[string][]Conn
}

// NewRegistry creates a registry resolving sessions against store.
func NewRegistry(store *session.Store) *Registry {
	return &Registry{
		store: store,
		subs:  make(map[string][]Conn),
	}
}

// Register adds a subscriber for a session and immediately sends it a full
// snapshot, so a late joiner never waits for the next event to learn current
// state. If the session does not exist the connection is closed and
// ErrUnknownSession is returned.
//
// An event appended just before registration can arrive twice: once inside
// the snapshot and again as the event frame whose broadcast was waiting on
// the registry lock. Events carry unique ids, so consumers that care can
// drop frames already present in the snapshot; order is never violated.
func (r *Registry) Register(sessionID string, c Conn) error {
	s, ok := r.store.Get(sessionID)
	if !ok {
		_ = c.CloseNormal()
		return ErrUnknownSession
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := c.WriteJSON(SnapshotMessage(s.Snapshot())); err != nil {
		_ = c.CloseNormal()
		return err
	}
	r.subs[sessionID] = append(r.subs[sessionID], c)
	return nil
}

// Unregister drops a subscriber without closing it. The transport calls this
// when the peer goes away on its own.
func (r *Registry) Unregister(sessionID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sessionID] = removeConn(r.subs[sessionID], c)
	if len(r.subs[sessionID]) == 0 {
		delete(r.subs, sessionID)
	}
}

// Broadcast sends msg to every live subscriber of the session. Subscribers
// whose write fails are dropped as a side effect.
func (r *Registry) Broadcast(sessionID string, msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.subs[sessionID]
	if len(conns) == 0 {
		return
	}

	alive := conns[:0]
	for _, c := range conns {
		if err := c.WriteJSON(msg); err != nil {
			log.Printf("hub: dropping subscriber of session %s: %v", sessionID, err)
			continue
		}
		alive = append(alive, c)
	}
	if len(alive) == 0 {
		delete(r.subs, sessionID)
		return
	}
	r.subs[sessionID] = alive
}

// BroadcastSnapshot sends the full current projection of the session to its
// subscribers.
func (r *Registry) BroadcastSnapshot(sessionID string) {
	s, ok := r.store.Get(sessionID)
	if !ok {
		return
	}
	r.Broadcast(sessionID, SnapshotMessage(s.Snapshot()))
}

// CloseAll disconnects every subscriber of the session with a normal-closure
// signal and forgets them.
func (r *Registry) CloseAll(sessionID string) {
	r.mu.Lock()
	conns := r.subs[sessionID]
	delete(r.subs, sessionID)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.CloseNormal()
	}
}

// Count returns the number of live subscribers for the session.
func (r *Registry) Count(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[sessionID])
}

func removeConn(conns []Conn, target Conn) []Conn {
	for i, c := range conns {
		if c == target {
			return append(conns[:i], conns[i+1:]...)
		}
	}
	return conns
}
