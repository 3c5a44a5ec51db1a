// Package realtime streams committed settlement events to connected admin
// dashboards over WebSocket.
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

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/settlement"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

const (
	// MaxClients is the maximum number of concurrent feed connections.
	MaxClients = 1000

	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 256
)

// Frame is the JSON pushed to feed clients. It carries amounts and parties
// but never the confirmation token or contact details.
type Frame struct {
	Type         settlement.EventType `json:"type"`
	At           time.Time            `json:"at"`
	EscrowID     string               `json:"escrowId"`
	OrderID      string               `json:"orderId"`
	BuyerID      string               `json:"buyerId"`
	SellerID     string               `json:"sellerId"`
	Amount       int64                `json:"amount"`
	Status       string               `json:"status"`
	SellerAmount int64                `json:"sellerAmount,omitempty"`
	PlatformFee  int64                `json:"platformFee,omitempty"`
	Reason       string               `json:"reason,omitempty"`
}

// FrameFromEvent flattens a settlement event for the wire.
func FrameFromEvent(ev settlement.Event) Frame {
	f := Frame{
		Type:         ev.Type,
		At:           ev.At,
		SellerAmount: ev.SellerAmount,
		PlatformFee:  ev.PlatformFee,
		Reason:       ev.Reason,
	}
	if e := ev.Escrow; e != nil {
		f.EscrowID = e.ID
		f.OrderID = e.OrderID
		f.BuyerID = e.BuyerID
		f.SellerID = e.SellerID
		f.Amount = e.Amount
		f.Status = string(e.Status)
	}
	if ev.Problem != nil && f.Reason == "" {
		f.Reason = ev.Problem.Description
	}
	if f.At.IsZero() {
		f.At = time.Now().UTC()
	}
	return f
}

// Subscription filters what a client receives. The zero value (or
// AllEvents) receives everything.
type Subscription struct {
	AllEvents  bool                   `json:"allEvents"`
	EventTypes []settlement.EventType `json:"eventTypes"`
	UserIDs    []string               `json:"userIds"` // buyer or seller
	MinAmount  int64                  `json:"minAmount"`
}

func (s Subscription) matches(f *Frame) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, f.Type) {
		return false
	}
	if len(s.UserIDs) > 0 && !slices.Contains(s.UserIDs, f.BuyerID) && !slices.Contains(s.UserIDs, f.SellerID) {
		return false
	}
	if s.MinAmount > 0 && f.Amount < s.MinAmount {
		return false
	}
	return true
}

// Client is one feed connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// Hub fans settlement frames out to feed clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Frame
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
	dropped      atomic.Int64
}

var _ settlement.EventSink = (*Hub)(nil)

// NewHub creates a hub. Call Run before serving connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Frame, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run is the hub's main loop. It closes every client when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("settlement feed started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("settlement feed stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("feed client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("feed client disconnected", "total", n)

		case frame := <-h.broadcast:
			h.totalEvents.Add(1)
			payload, err := json.Marshal(frame)
			if err != nil {
				h.logger.Error("feed frame marshal failed", "type", frame.Type, "error", err)
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if !client.subscription().matches(frame) {
					continue
				}
				select {
				case client.send <- payload:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				n := len(h.clients)
				h.mu.Unlock()
				metrics.ActiveWebSocketClients.Set(float64(n))
			}
		}
	}
}

// Publish implements settlement.EventSink. It never blocks: when the
// broadcast buffer is full the frame is dropped.
func (h *Hub) Publish(_ context.Context, ev settlement.Event) {
	f := FrameFromEvent(ev)
	h.Broadcast(&f)
}

// Broadcast queues a frame for fan-out.
func (h *Hub) Broadcast(f *Frame) {
	select {
	case h.broadcast <- f:
	default:
		h.dropped.Add(1)
		h.logger.Warn("feed broadcast buffer full, dropping frame", "type", f.Type)
	}
}

// Stats returns hub counters.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
		"droppedFrames":    h.dropped.Load(),
	}
}

// RegisterRoutes mounts the feed under an admin-only group.
func (h *Hub) RegisterRoutes(r gin.IRoutes) {
	r.GET("/admin/stream", h.Stream)
	r.GET("/admin/stream/stats", h.GetStats)
}

// Stream upgrades the request to a feed connection.
func (h *Hub) Stream(c *gin.Context) {
	h.HandleWebSocket(c.Writer, c.Request)
}

// GetStats reports hub counters.
func (h *Hub) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.Stats())
}

// HandleWebSocket upgrades HTTP to WebSocket.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		sub:  Subscription{AllEvents: true},
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

// readPump applies subscription updates sent by the client.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
