// Package realtime pushes balance changes to the signed-in user's open
// browser tabs over WebSocket, so cached balances are refreshed after every
// mutation instead of being updated optimistically.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JojoDuke/papermind-ai/internal/auth"
	"github.com/JojoDuke/papermind-ai/internal/ledger"
	"github.com/JojoDuke/papermind-ai/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// EventType for real-time events
type EventType string

const (
	EventBalance EventType = "balance"
)

// Event represents a real-time event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type envelope struct {
	accountID string
	event     *Event
}

// Client is one WebSocket connection bound to one account.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	accountID string
	send      chan []byte
}

const (
	// MaxClients is the maximum number of concurrent WebSocket connections.
	MaxClients = 10000
	// MaxClientsPerAccount bounds tabs per user.
	MaxClientsPerAccount = 16
)

// Hub routes events to the connections of the account they concern.
type Hub struct {
	accounts   map[string]map[*Client]struct{}
	count      int
	publish    chan envelope
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	dropped      atomic.Int64
}

// NewHub creates a hub. Browser upgrades are accepted from the same host
// and from allowedOrigins.
func NewHub(logger *slog.Logger, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		accounts:   make(map[string]map[*Client]struct{}),
		publish:    make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			if origin == "http://"+r.Host || origin == "https://"+r.Host {
				return true
			}
			return slices.Contains(allowedOrigins, origin)
		},
	}
	return h
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, set := range h.accounts {
				for client := range set {
					close(client.send) // writePump sends CloseMessage on closed channel
				}
				delete(h.accounts, id)
			}
			h.count = 0
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			set := h.accounts[client.accountID]
			if set == nil {
				set = make(map[*Client]struct{})
				h.accounts[client.accountID] = set
			}
			set[client] = struct{}{}
			h.count++
			n := h.count
			h.mu.Unlock()
			h.totalClients.Add(1)
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "account_id", client.accountID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			n := h.count
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))

		case env := <-h.publish:
			h.totalEvents.Add(1)
			data, err := json.Marshal(env.event)
			if err != nil {
				h.logger.Warn("event not serializable", "error", err)
				continue
			}
			var slow []*Client
			h.mu.RLock()
			for client := range h.accounts[env.accountID] {
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					h.remove(client)
				}
				n := h.count
				h.mu.Unlock()
				metrics.ActiveWebSocketClients.Set(float64(n))
			}
		}
	}
}

// remove drops client and closes its send channel. Caller must hold h.mu.
func (h *Hub) remove(client *Client) {
	set, ok := h.accounts[client.accountID]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	close(client.send)
	h.count--
	if len(set) == 0 {
		delete(h.accounts, client.accountID)
	}
}

// Publish queues an event for accountID's connections. It never blocks.
func (h *Hub) Publish(accountID string, event *Event) {
	select {
	case h.publish <- envelope{accountID: accountID, event: event}:
	default:
		h.dropped.Add(1)
		h.logger.Warn("publish channel full, dropping event", "account_id", accountID)
	}
}

// BalanceChanged implements ledger.Notifier.
func (h *Hub) BalanceChanged(accountID string, bal *ledger.Balance) {
	h.Publish(accountID, &Event{Type: EventBalance, Timestamp: time.Now().UTC(), Data: bal})
}

// Connections returns the number of open connections for accountID.
func (h *Hub) Connections(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.accounts[accountID])
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients":  h.count,
		"connectedAccounts": len(h.accounts),
		"totalEvents":       h.totalEvents.Load(),
		"totalClients":      h.totalClients.Load(),
		"droppedEvents":     h.dropped.Load(),
	}
}

// RegisterRoutes sets up the socket route. r must sit behind the session gate.
func (h *Hub) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ws", h.ServeWS)
}

// ServeWS upgrades an authenticated request to a WebSocket bound to the
// caller's account.
func (h *Hub) ServeWS(c *gin.Context) {
	accountID := auth.AccountID(c)
	if accountID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Sign in required."})
		return
	}

	select {
	case <-h.done:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting_down", "message": "Server shutting down"})
		return
	default:
	}

	h.mu.RLock()
	total, mine := h.count, len(h.accounts[accountID])
	h.mu.RUnlock()
	if total >= h.maxClients || mine >= MaxClientsPerAccount {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too_many_connections", "message": "Too many connections"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:       h,
		conn:      conn,
		accountID: accountID,
		send:      make(chan []byte, 32),
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump drains the socket to process control frames. Clients send
// nothing meaningful.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
