package notify

import (
	"net/http"
	"sync"

	"github.com/hashfleet/hashfleet/internal/models"
	"github.com/hashfleet/hashfleet/pkg/debug"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboard origin checking is the reverse proxy's concern
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub pushes triggers to subscribed dashboard connections, filtered by
// project scope. A slow consumer is dropped rather than allowed to
// back-pressure the emitter.
type Hub struct {
	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	conn      *websocket.Conn
	projectID uuid.UUID // uuid.Nil subscribes to all projects
	send      chan models.Trigger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*hubClient]struct{})}
}

// Notify implements Notifier.
func (h *Hub) Notify(trigger models.Trigger) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.projectID != uuid.Nil && client.projectID != trigger.ProjectID {
			continue
		}
		select {
		case client.send <- trigger:
		default:
			// At-most-once: drop instead of blocking
			debug.Warning("Dropping trigger for slow event subscriber")
		}
	}
}

// ServeHTTP upgrades the connection and streams triggers until the
// client disconnects. The optional ?project= query parameter narrows
// the subscription.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var projectID uuid.UUID
	if p := r.URL.Query().Get("project"); p != "" {
		id, err := uuid.Parse(p)
		if err != nil {
			http.Error(w, "invalid project id", http.StatusBadRequest)
			return
		}
		projectID = id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Error("Failed to upgrade event subscriber: %v", err)
		return
	}

	client := &hubClient{
		conn:      conn,
		projectID: projectID,
		send:      make(chan models.Trigger, 64),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	debug.Info("Event subscriber connected (project=%s)", projectID)

	go h.writeLoop(client)
	h.readLoop(client)
}

func (h *Hub) writeLoop(client *hubClient) {
	for trigger := range client.send {
		if err := client.conn.WriteJSON(trigger); err != nil {
			debug.Debug("Event subscriber write failed: %v", err)
			client.conn.Close()
			return
		}
	}
}

// readLoop discards inbound frames; the channel is push-only. It
// returns when the connection drops, which unregisters the client.
func (h *Hub) readLoop(client *hubClient) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
		close(client.send)
		client.conn.Close()
		debug.Info("Event subscriber disconnected")
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
