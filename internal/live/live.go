// Package live broadcasts newly fired alert events to connected websocket
// clients, grounded on the teacher's dashboard websocket hub
// (cmd/server/websocket.go): a gorilla/websocket upgrader, a
// connection-set guarded by a mutex, and a per-client write mutex since
// gorilla/websocket connections are not safe for concurrent writers.
package live

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"apiwatch/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	conn  *websocket.Conn
	write sync.Mutex
}

// Hub fans out alert events to every connected client.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	log     *slog.Logger
}

// NewHub returns an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{clients: make(map[*client]struct{}), log: log}
}

// ServeWS upgrades the request to a websocket connection and registers it
// with the hub until the client disconnects. It blocks for the connection
// lifetime, so callers invoke it directly from an HTTP handler.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &client{conn: conn}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	// The hub is write-only from the client's perspective; draining reads
	// is just how we notice the peer closed the connection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// alertMessage is the wire shape pushed to connected clients.
type alertMessage struct {
	Type  string          `json:"type"`
	Event model.AlertEvent `json:"event"`
}

// Broadcast pushes event to every connected client, dropping any client
// whose write fails (assumed dead; it will be cleaned up by ServeWS's read
// loop once its connection actually closes).
func (h *Hub) Broadcast(event model.AlertEvent) {
	data, err := json.Marshal(alertMessage{Type: "alert", Event: event})
	if err != nil {
		h.log.Error("marshal alert event for broadcast", "error", err)
		return
	}

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.write.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, data)
		c.write.Unlock()
		if err != nil {
			h.log.Debug("dropping unreachable websocket client", "error", err)
		}
	}
}
