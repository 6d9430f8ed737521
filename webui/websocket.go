package webui

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"thumbgen/logging"
	"thumbgen/studio"
)

// HubConfig configures a Hub.
type HubConfig struct {
	// PingInterval is how often clients are pinged (default: 30s)
	PingInterval time.Duration
	// PongWait is how long to wait for a pong (default: 60s)
	PongWait time.Duration
	// WriteWait is the time allowed per write (default: 10s)
	WriteWait time.Duration
	// MaxMessageSize bounds client messages (default: 512 bytes)
	MaxMessageSize int64
	// SendBuffer is the per-client queue (default: 64)
	SendBuffer int
	// OnDrop is called for each event dropped for a slow client.
	OnDrop func()
}

// DefaultHubConfig returns the default configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 512,
		SendBuffer:     64,
	}
}

// Hub keeps the websocket clients of every user and implements
// studio.Notifier by fanning events out to the user's clients.
//
// Thread-safe.
type Hub struct {
	config   HubConfig
	logger   *logging.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	closed  bool
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
}

// NewHub creates a Hub.
func NewHub(config HubConfig, logger *logging.Logger) *Hub {
	def := DefaultHubConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.PongWait <= 0 {
		config.PongWait = def.PongWait
	}
	if config.WriteWait <= 0 {
		config.WriteWait = def.WriteWait
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = def.MaxMessageSize
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = def.SendBuffer
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Hub{
		config:  config,
		logger:  logger.Named("ws"),
		clients: make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Same-origin deployment; the bearer token authenticates.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Notify implements studio.Notifier.
func (h *Hub) Notify(userID string, ev studio.Event) {
	h.Send(userID, fromEvent(ev))
}

// Send queues msg for every client of userID. A client whose queue is full
// misses the message; the next session_state push brings it back in sync.
func (h *Hub) Send(userID string, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("failed to marshal websocket message",
			zap.String("type", msg.Type), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[userID] {
		select {
		case c.send <- data:
		default:
			if h.config.OnDrop != nil {
				h.config.OnDrop()
			}
			h.logger.Debug("client send buffer full, dropping message",
				zap.String("user_id", userID), zap.String("type", msg.Type))
		}
	}
}

// Serve upgrades the request for userID and runs the client until it
// disconnects. initial, if not nil, is sent first.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string, initial *WSMessage) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("ip", getClientIP(r)), zap.Error(err))
		return
	}
	c := &client{userID: userID, conn: conn, send: make(chan []byte, h.config.SendBuffer)}
	if initial != nil {
		if data, err := json.Marshal(initial); err == nil {
			c.send <- data
		}
	}
	if !h.add(c) {
		conn.Close()
		return
	}

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	h.logger.Debug("client connected", zap.String("user_id", c.userID), zap.Int("user_clients", len(set)))
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if set, ok := h.clients[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.userID)
		}
	}
	h.mu.Unlock()
	c.once.Do(func() { close(c.send) })
}

// readPump discards client messages and keeps the read deadline fresh.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(h.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.config.PongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("unexpected websocket close", zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ClientCount returns the number of connected clients of userID, or of
// every user when userID is empty.
func (h *Hub) ClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if userID != "" {
		return len(h.clients[userID])
	}
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	var all []*client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[*client]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.once.Do(func() { close(c.send) })
	}
	return nil
}

var _ studio.Notifier = (*Hub)(nil)
