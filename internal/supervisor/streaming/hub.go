// Package streaming runs a WebSocket hub broadcasting activity feed and
// chat updates to connected operator clients. The supervisor's feed and
// chat are workspace-spanning, not per-task, so every registered client
// receives every broadcast.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/supervisor/internal/common/logger"
	"github.com/kandev/supervisor/internal/supervisor"
)

// Client represents one operator WebSocket connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
	log  *logger.Logger
}

// NewClient wraps an upgraded connection as a hub client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:   id,
		conn: conn,
		send: make(chan []byte, 256),
		hub:  hub,
		log:  log.With(zap.String("client_id", id)),
	}
}

// Hub fans activity/chat broadcasts out to every registered client.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	mu  sync.RWMutex
	log *logger.Logger
}

// NewHub constructs an idle hub; call Run to start its dispatch loop.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		log:        log.With(zap.String("component", "supervisor_ws_hub")),
	}
}

// Run processes register/unregister/broadcast events until ctx is
// cancelled, at which point every client connection is closed.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("websocket hub started")
	defer h.log.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.log.Debug("client unregistered", zap.String("client_id", client.ID))

		case data := <-h.broadcast:
			// Run is the sole writer of h.clients; the lock here only
			// guards against concurrent readers (ClientCount).
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// wireMessage is the envelope every broadcast is wrapped in, letting
// clients dispatch on Type without guessing from shape.
type wireMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func (h *Hub) send(msgType string, payload any) {
	data, err := json.Marshal(wireMessage{Type: msgType, Payload: payload})
	if err != nil {
		h.log.Error("failed to marshal broadcast message", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("broadcast channel full, dropping message", zap.String("type", msgType))
	}
}

// BroadcastActivity fans a newly pushed activity entry out to clients.
func (h *Hub) BroadcastActivity(entry supervisor.ActivityEntry) {
	h.send("activity", entry)
}

// BroadcastChat fans a newly appended chat message out to clients.
func (h *Hub) BroadcastChat(msg supervisor.ChatMessage) {
	h.send("chat", msg)
}

// OnActivity and OnChatMessage implement supervisor.Observer, letting a
// Hub be installed directly via Loop.SetObserver.
func (h *Hub) OnActivity(entry supervisor.ActivityEntry) { h.BroadcastActivity(entry) }
func (h *Hub) OnChatMessage(msg supervisor.ChatMessage)  { h.BroadcastChat(msg) }

// ClientCount returns the number of currently registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
