package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/puyokura/relaychat/model"
	"github.com/puyokura/relaychat/transport"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Terminal clients send no Origin
	},
}

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu           sync.Mutex
	sessionID    string
	username     string
	disconnected bool
}

// delivery is a frame addressed to a single client.
type delivery struct {
	client *Client
	data   []byte
}

// Hub bridges websocket clients onto the event stream. Requests from
// clients are published on the backbone; authority broadcasts from the
// backbone are fanned out to every client.
type Hub struct {
	backbone transport.Transport
	config   *Config
	log      *zap.Logger

	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	direct     chan delivery
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.Mutex

	cancel func()
}

func NewHub(backbone transport.Transport, config *Config, log *zap.Logger) *Hub {
	h := &Hub{
		backbone:   backbone,
		config:     config,
		log:        log.Named("hub"),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		direct:     make(chan delivery),
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
	}
	h.cancel = backbone.Subscribe(h.fromBackbone)
	return h
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			client.leave()
		case d := <-h.direct:
			h.mu.Lock()
			if h.clients[d.client] {
				select {
				case d.client.send <- d.data:
				default:
				}
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.log.Warn("client too slow, dropping", zap.String("session", client.id()))
					close(client.send)
					delete(h.clients, client)
					go client.leave()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Close stops the hub and disconnects every client.
func (h *Hub) Close(context.Context) error {
	h.stopOnce.Do(func() {
		h.cancel()
		close(h.done)
	})
	return nil
}

// Count returns the number of connected websocket clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) fromBackbone(env *model.Envelope) {
	if !env.Authority {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	}
}

// Kick closes the connection of the client with the given session id.
func (h *Hub) Kick(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if client.id() == sessionID {
			client.conn.Close()
			return true
		}
	}
	return false
}

func (c *Client) id() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.log.Warn("read failed", zap.Error(err))
			}
			break
		}

		var env model.Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
			c.hub.log.Debug("dropping malformed envelope", zap.Error(err))
			continue
		}
		c.forward(&env)
	}
}

// forward publishes a client request on the backbone. Clients cannot
// speak for the authority.
func (c *Client) forward(env *model.Envelope) {
	env.Authority = false

	switch env.Event {
	case model.EventUserConnected:
		var p model.ConnectPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.ID != "" {
			c.mu.Lock()
			c.sessionID, c.username = p.ID, p.Username
			c.mu.Unlock()
			defer c.welcome()
		}
	case model.EventUserDisconnected:
		c.mu.Lock()
		c.disconnected = true
		c.mu.Unlock()
	}

	if err := c.hub.backbone.Publish(context.Background(), env); err != nil {
		c.hub.log.Warn("publish failed", zap.String("event", env.Event), zap.Error(err))
	}
}

// leave announces a disconnect for clients that dropped without saying
// goodbye.
func (c *Client) leave() {
	c.mu.Lock()
	id, name, done := c.sessionID, c.username, c.disconnected
	c.disconnected = true
	c.mu.Unlock()
	if id == "" || done {
		return
	}

	env, err := model.NewEnvelope(model.EventUserDisconnected, model.TopicGlobal, model.DisconnectPayload{ID: id, Username: name})
	if err != nil {
		return
	}
	if err := c.hub.backbone.Publish(context.Background(), env); err != nil {
		c.hub.log.Warn("publish disconnect", zap.String("session", id), zap.Error(err))
	}
	c.hub.log.Info("client dropped", zap.String("session", id), zap.String("username", name))
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// welcome sends the configured greeting to this client only, as a System
// message in the first configured room. It is ephemeral, so neither the
// authority nor client caches store it. Sent once the client has announced
// itself so its session is listening.
func (c *Client) welcome() {
	cfg := c.hub.config
	if cfg.WelcomeMessage == "" {
		return
	}
	room := model.DefaultRooms[0]
	if len(cfg.Rooms) > 0 {
		room = cfg.Rooms[0]
	}
	now := time.Now()
	env, err := model.NewEnvelope(model.EventRoomMessage, room, model.Message{
		ID:        model.NewMessageID(now),
		Room:      room,
		From:      model.SystemSender,
		Time:      now,
		Type:      model.MessageText,
		Text:      cfg.WelcomeMessage,
		Ephemeral: true,
	})
	if err != nil {
		return
	}
	env.ID = uuid.NewString()
	env.Authority = true
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.hub.direct <- delivery{client: c, data: data}:
	case <-c.hub.done:
	}
}

// serveWs handles websocket requests from the peer.
func serveWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	client := &Client{hub: hub, conn: conn, send: make(chan []byte, 256)}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
}
