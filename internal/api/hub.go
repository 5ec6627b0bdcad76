package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 512
	clientBuffer   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamMessage is the frame pushed to WebSocket clients
type StreamMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// EventHub fans bus events out to every connected WebSocket client
type EventHub struct {
	logger  *zap.Logger
	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

// NewEventHub creates an empty hub
func NewEventHub(logger *zap.Logger) *EventHub {
	return &EventHub{
		logger:  logger.Named("event-hub"),
		clients: make(map[*hubClient]struct{}),
	}
}

// Run broadcasts events from ch until ctx is done or ch is closed
func (h *EventHub) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			h.Broadcast(StreamMessage{Type: event.Type, Data: event})
		}
	}
}

// Broadcast queues msg for every client. Clients whose queue is full are
// disconnected.
func (h *EventHub) Broadcast(msg StreamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal stream message", zap.String("type", msg.Type), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("Dropping slow WebSocket client", zap.String("remote", c.conn.RemoteAddr().String()))
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and streams events to it.
//
// Route: GET /ws
//
// Client messages:
//
//	{"type": "ping"} -> {"type": "pong"}
func (h *EventHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &hubClient{conn: conn, send: make(chan []byte, clientBuffer)}
	h.add(c)
	h.logger.Debug("WebSocket client connected", zap.String("remote", conn.RemoteAddr().String()))

	go h.writePump(c)
	h.readPump(c)
}

func (h *EventHub) add(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *EventHub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Close disconnects every client
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *EventHub) readPump(c *hubClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pong, _ := json.Marshal(StreamMessage{Type: "pong"})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket read failed", zap.Error(err))
			}
			return
		}

		var msg StreamMessage
		if json.Unmarshal(raw, &msg) != nil || msg.Type != "ping" {
			continue
		}
		h.mu.RLock()
		_, ok := h.clients[c]
		if ok {
			select {
			case c.send <- pong:
			default:
			}
		}
		h.mu.RUnlock()
	}
}

// writePump is the only writer on the connection
func (h *EventHub) writePump(c *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("WebSocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
