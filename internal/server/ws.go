package server

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Tafka-4/codex-agent-management/internal/observability"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is consumed by local tooling; origin checks are left to a
	// fronting proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn adapts a gorilla connection to the hub's Conn interface. The write
// mutex serializes broadcast writes with the close handshake.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) CloseNormal() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
	return c.conn.Close()
}

// handleSubscribe upgrades the connection and registers it as a subscriber
// of the session. The hub sends the initial snapshot during registration.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: websocket upgrade failed: %v", err)
		return
	}

	c := &wsConn{conn: conn}
	if err := s.hub.Register(id, c); err != nil {
		// Register already closed the connection.
		return
	}
	observability.AddSubscribers(1)

	// Read pump: the client never sends data frames; reading surfaces
	// close/error so the subscriber can be dropped.
	go func() {
		defer func() {
			s.hub.Unregister(id, c)
			_ = conn.Close()
			observability.AddSubscribers(-1)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
