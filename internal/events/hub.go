package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xtrntr/stocksim/internal/models"
)

const writeWait = 10 * time.Second

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub pushes each user's transactions to that user's open websockets.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[int]map[*wsClient]bool
}

// NewHub creates a hub. checkOrigin may be nil to accept any origin.
func NewHub(checkOrigin func(r *http.Request) bool) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		clients:  make(map[int]map[*wsClient]bool),
	}
}

// Serve upgrades the request and blocks until the client disconnects.
// The caller must have authenticated userID.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID int) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn}
	h.add(userID, client)
	defer func() {
		h.remove(userID, client)
		conn.Close()
	}()

	// Clients never send anything meaningful; reading detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Publish sends t to the owner's connections, dropping any that fail.
func (h *Hub) Publish(_ context.Context, t models.Transaction) error {
	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients[t.UserID]))
	for c := range h.clients[t.UserID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return nil
	}

	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	for _, c := range targets {
		if err := c.write(data); err != nil {
			zap.L().Info("Dropping websocket client", zap.Int("user_id", t.UserID), zap.Error(err))
			h.remove(t.UserID, c)
			c.conn.Close()
		}
	}
	return nil
}

// Clients returns the number of open connections for userID.
func (h *Hub) Clients(userID int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, set := range h.clients {
		for c := range set {
			c.conn.Close()
		}
		delete(h.clients, userID)
	}
}

func (h *Hub) add(userID int, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*wsClient]bool)
	}
	h.clients[userID][c] = true
}

func (h *Hub) remove(userID int, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[userID], c)
	if len(h.clients[userID]) == 0 {
		delete(h.clients, userID)
	}
}
