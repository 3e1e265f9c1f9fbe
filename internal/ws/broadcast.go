package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/steam-nexus/backend/internal/session"
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Hub fans session status updates out to websocket subscribers. It is
// the status channel the callback host publishes into: Publish never
// blocks, and a subscriber that cannot keep up is dropped rather than
// stalling the broadcast loop.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	store   *session.Store
}

func NewHub(store *session.Store) *Hub {
	return &Hub{
		clients: make(map[*client]bool),
		store:   store,
	}
}

// Publish implements manager.StatusPublisher.
func (h *Hub) Publish(sessionID, status string) {
	h.broadcast(WSMessage{
		Type:    MsgStatus,
		Payload: StatusPayload{SessionID: sessionID, Status: status},
	})
}

// AddClient registers a subscriber and sends it a snapshot of every
// session that currently has a status worth showing.
func (h *Hub) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	var statuses []StatusPayload
	for _, sess := range h.store.Snapshot() {
		if status := sess.Status(); status != "" {
			statuses = append(statuses, StatusPayload{SessionID: sess.ID, Status: status})
		}
	}
	data, _ := json.Marshal(WSMessage{
		Type:    MsgSnapshot,
		Payload: SnapshotPayload{Statuses: statuses},
	})

	select {
	case c.send <- data:
	default:
		// Client too slow, drop the snapshot
	}

	return c
}

func (h *Hub) RemoveClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

func (h *Hub) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("broadcast marshal error")
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			// Client can't keep up, disconnect it
			log.Warn().Msg("ws client too slow, disconnecting")
			h.RemoveClient(c)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
