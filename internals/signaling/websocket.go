package signaling

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is one WebSocket connection. UserID and RoomID are empty until the
// connection identifies itself with user_online; until then it receives
// nothing but its connected greeting and error replies.
type Client struct {
	ID string

	Conn *websocket.Conn
	Send chan Message

	// Identity, guarded by mu: written when the connection announces
	// itself, read by hub lookups on other goroutines.
	userID string
	roomID string
	name   string

	readLimit    int64
	writeTimeout time.Duration
	pongWait     time.Duration
	pingInterval time.Duration

	lastSeen  time.Time
	mu        sync.RWMutex
	closeOnce sync.Once
	closed    atomic.Bool
	logger    *zap.Logger

	// Callbacks
	OnMessage    func(*Client, Message)
	OnDisconnect func(*Client)
}

// ClientOptions carries the transport tuning a client is constructed with.
type ClientOptions struct {
	ReadLimit    int64
	WriteTimeout time.Duration
	PongWait     time.Duration
	PingInterval time.Duration
}

func NewClient(id string, conn *websocket.Conn, opts ClientOptions, logger *zap.Logger) *Client {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 65536
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingInterval <= 0 {
		// Must fire comfortably inside the pong wait.
		opts.PingInterval = opts.PongWait * 9 / 10
	}
	return &Client{
		ID:           id,
		Conn:         conn,
		Send:         make(chan Message, 256),
		readLimit:    opts.ReadLimit,
		writeTimeout: opts.WriteTimeout,
		pongWait:     opts.PongWait,
		pingInterval: opts.PingInterval,
		lastSeen:     time.Now(),
		logger:       logger,
	}
}

// SetIdentity binds the connection to an announced user. Safe to call from
// the dispatcher while hub lookups run elsewhere.
func (c *Client) SetIdentity(userID, userName, roomID string) {
	c.mu.Lock()
	c.userID = userID
	c.name = userName
	c.roomID = roomID
	c.mu.Unlock()
}

// ClearIdentity detaches the connection from its user.
func (c *Client) ClearIdentity() {
	c.SetIdentity("", "", "")
}

func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) RoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

func (c *Client) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// Touch refreshes the connection's liveness clock. Both transport pongs and
// application heartbeat commands land here, giving the heartbeat sweep a
// single contract to check.
func (c *Client) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// SilentFor returns how long the connection has gone without any sign of
// life.
func (c *Client) SilentFor(now time.Time) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return now.Sub(c.lastSeen)
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.Send)
	})
}

func (c *Client) ReadPump() {
	defer func() {
		if c.OnDisconnect != nil {
			c.OnDisconnect(c)
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.readLimit)
	c.Conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.pongWait))
		c.Touch()
		return nil
	})

	for {
		var message Message
		err := c.Conn.ReadJSON(&message)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error",
					zap.String("clientID", c.ID),
					zap.Error(err),
				)
			}
			break
		}

		c.Conn.SetReadDeadline(time.Now().Add(c.pongWait))
		c.Touch()

		if c.OnMessage != nil {
			c.OnMessage(c, message)
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(message); err != nil {
				c.logger.Error("Failed to write message",
					zap.String("clientID", c.ID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage enqueues a message without ever blocking: a full buffer means
// the recipient is too slow and loses this message, not that anyone else
// waits for it.
func (c *Client) SendMessage(message Message) {
	if c.closed.Load() {
		return
	}
	select {
	case c.Send <- message:
	default:
		c.logger.Warn("Client send channel full, dropping message",
			zap.String("clientID", c.ID),
			zap.String("type", string(message.Type)),
		)
	}
}

// SendEvent marshals payload and enqueues it under the given type.
func (c *Client) SendEvent(msgType MessageType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("Failed to marshal event",
			zap.String("type", string(msgType)),
			zap.Error(err),
		)
		return
	}
	c.SendMessage(Message{Type: msgType, Data: data, Timestamp: time.Now()})
}

// SendError sends a targeted error reply to this connection only.
func (c *Client) SendError(code int, msg string) {
	c.SendEvent(MessageTypeError, ErrorMessage{
		Code:      code,
		Message:   msg,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Hub tracks every live connection and resolves room-scoped fan-out. It is
// deliberately unaware of protocol semantics; the dispatcher owns those.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
	logger     *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()

			h.logger.Info("Client registered",
				zap.String("clientID", client.ID),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				client.closeSend()
			}
			h.mu.Unlock()

			h.logger.Info("Client unregistered",
				zap.String("clientID", client.ID),
				zap.String("userID", client.UserID()),
			)

		case <-h.done:
			return
		}
	}
}

func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) RegisterClient(client *Client) {
	h.register <- client
}

func (h *Hub) UnregisterClient(client *Client) {
	h.unregister <- client
}

func (h *Hub) GetClient(clientID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, exists := h.clients[clientID]
	return client, exists
}

// GetClientByUserID resolves the connection currently asserting userID.
func (h *Hub) GetClientByUserID(userID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		if client.UserID() == userID {
			return client, true
		}
	}
	return nil, false
}

// GetClientsByRoom returns every connection registered into roomID.
// Registration happens on successful user_online, so broadcasts do not need
// per-message membership resolution.
func (h *Hub) GetClientsByRoom(roomID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := make([]*Client, 0)
	for _, client := range h.clients {
		if client.RoomID() == roomID {
			clients = append(clients, client)
		}
	}
	return clients
}

// Clients returns a snapshot of all connections, for sweep loops.
func (h *Hub) Clients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DisconnectClientsByUserID closes and unregisters all existing clients for
// a given userID, except the one with excludeClientID. This handles the
// page-refresh scenario where a new connection arrives before the old one
// is cleaned up.
func (h *Hub) DisconnectClientsByUserID(userID, excludeClientID string) {
	h.mu.RLock()
	var stale []*Client
	for _, c := range h.clients {
		if c.UserID() == userID && c.ID != excludeClientID {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		if c.Conn != nil {
			c.Conn.Close()
		}
		h.unregister <- c
	}
}
