package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"vigil/core"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum message size allowed from peer.
	maxMessageSize = 512

	sendChannelSize      = 256
	broadcastChannelSize = 1024
)

// StreamMessage is one alert change pushed to stream subscribers.
type StreamMessage struct {
	Type      string      `json:"type"`
	Alert     *core.Alert `json:"alert"`
	Timestamp time.Time   `json:"timestamp"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub maintains the set of connected stream clients and fans alert changes
// out to them.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	logger     *zap.SugaredLogger

	allowedOrigins []string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub. It must be started with Start before clients
// connect. allowedOrigins restricts browser connections; requests without
// an Origin header are always accepted.
func NewHub(logger *zap.SugaredLogger, ctx context.Context, allowedOrigins []string) *Hub {
	hubCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		clients:        make(map[*client]bool),
		broadcast:      make(chan []byte, broadcastChannelSize),
		register:       make(chan *client),
		unregister:     make(chan *client),
		logger:         logger,
		allowedOrigins: allowedOrigins,
		ctx:            hubCtx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
}

// Start runs the hub's event loop until Stop is called or the parent
// context is cancelled. Must be called exactly once.
func (h *Hub) Start() {
	defer close(h.done)

	h.logger.Info("Alert stream hub started")

	for {
		select {
		case <-h.ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
			}
			h.clients = make(map[*client]bool)
			h.mu.Unlock()
			h.logger.Info("Alert stream hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debugw("Stream client registered", "total_clients", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debugw("Stream client unregistered", "total_clients", total)

		case message := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					// Slow client, disconnect it rather than block the others
					go h.drop(c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) drop(c *client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
	c.conn.Close()
}

// PublishAlert queues an alert change for every connected client. It never
// blocks; when the broadcast buffer is full the message is dropped.
func (h *Hub) PublishAlert(event string, alert *core.Alert) {
	data, err := json.Marshal(StreamMessage{
		Type:      event,
		Alert:     alert,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Errorw("Failed to marshal stream message", "type", event, "error", err)
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warnw("Alert stream buffer full, dropping message",
			"type", event,
			"alert_id", alert.AlertID)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop shuts the hub down and waits for the event loop to exit.
func (h *Hub) Stop() {
	h.cancel()
	<-h.done
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// readPump only detects disconnection; clients are not expected to send.
func (c *client) readPump() {
	defer c.hub.drop(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debugw("Stream client closed unexpectedly", "error", err)
			}
			return
		}
	}
}

// writePump writes one frame per message and keeps the connection alive
// with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
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

// serveWs upgrades the request and registers the client with the hub.
func (h *Hub) serveWs(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("Stream upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendChannelSize),
	}
	select {
	case h.register <- c:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (a *API) streamAlerts(w http.ResponseWriter, r *http.Request) {
	a.hub.serveWs(w, r)
}
