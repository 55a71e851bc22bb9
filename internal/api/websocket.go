package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/regime-engine/internal/events"
	"github.com/atlas-desktop/regime-engine/pkg/utils"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType defines WebSocket message types.
type MessageType string

const (
	// Server -> Client messages
	MsgTypeDecision     MessageType = "decision"
	MsgTypeRegimeChange MessageType = "regime_change"
	MsgTypeDegradation  MessageType = "degradation"
	MsgTypeHeartbeat    MessageType = "heartbeat"

	// Client -> Server messages
	MsgTypeSubscribe   MessageType = "subscribe"
	MsgTypeUnsubscribe MessageType = "unsubscribe"
)

// Channels clients can subscribe to. Decisions are also published on
// "decisions:<INSTRUMENT>".
const (
	ChannelDecisions    = "decisions"
	ChannelRegimes      = "regimes"
	ChannelDegradations = "degradations"
)

// WSMessage is a WebSocket message.
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client is a WebSocket client connection.
type Client struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
}

// Hub fans bus events out to subscribed WebSocket clients.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	clients  map[*Client]bool
	channels map[string]map[*Client]bool

	done chan struct{}
	once sync.Once
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:  make(map[*Client]bool),
		channels: make(map[string]map[*Client]bool),
		done:     make(chan struct{}),
	}
}

// Attach forwards engine events from the bus to the matching channels.
func (h *Hub) Attach(bus *events.Bus) {
	bus.SubscribeAll(func(e events.Event) error {
		switch ev := e.(type) {
		case *events.DecisionEvent:
			h.PublishToChannel(ChannelDecisions, MsgTypeDecision, ev.Decision)
			h.PublishToChannel(ChannelDecisions+":"+utils.NormalizeInstrument(ev.InstrumentID), MsgTypeDecision, ev.Decision)
		case *events.RegimeChangeEvent:
			h.PublishToChannel(ChannelRegimes, MsgTypeRegimeChange, ev)
		case *events.DegradationEvent:
			h.PublishToChannel(ChannelDegradations, MsgTypeDegradation, ev)
		}
		return nil
	})
}

// Run sends heartbeats until Close.
func (h *Hub) Run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.Broadcast(MsgTypeHeartbeat, nil)
		}
	}
}

// Close disconnects every client and stops Run.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.removeLocked(client)
		client.conn.Close()
	}
}

// ServeWS upgrades the request and subscribes the client to the channels named
// in the comma-separated "channels" query parameter, or to decisions.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		id:            uuid.NewString(),
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
	}
	channels := []string{ChannelDecisions}
	if q := r.URL.Query().Get("channels"); q != "" {
		channels = strings.Split(q, ",")
	}

	h.mu.Lock()
	h.clients[client] = true
	for _, ch := range channels {
		h.subscribeLocked(client, strings.TrimSpace(ch))
	}
	h.mu.Unlock()
	h.logger.Debug("Client registered", zap.String("id", client.id), zap.Strings("channels", channels))

	go client.writePump()
	go client.readPump()
}

func (h *Hub) subscribeLocked(client *Client, channel string) {
	if channel == "" {
		return
	}
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][client] = true
	client.subscriptions[channel] = true
}

func (h *Hub) removeLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for channel := range client.subscriptions {
		if clients, ok := h.channels[channel]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.channels, channel)
			}
		}
	}
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	h.removeLocked(client)
	h.mu.Unlock()
	h.logger.Debug("Client unregistered", zap.String("id", client.id))
}

// Subscribe subscribes a client to a channel.
func (h *Hub) Subscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		h.subscribeLocked(client, channel)
	}
}

// Unsubscribe unsubscribes a client from a channel.
func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.channels[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.channels, channel)
		}
	}
	delete(client.subscriptions, channel)
}

func encode(msgType MessageType, channel string, data interface{}) ([]byte, error) {
	msg := WSMessage{
		Type:      msgType,
		Channel:   channel,
		Timestamp: time.Now().UnixMilli(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}

// PublishToChannel publishes a message to a channel. Slow clients miss
// messages rather than block the publisher.
func (h *Hub) PublishToChannel(channel string, msgType MessageType, data interface{}) {
	msg, err := encode(msgType, channel, data)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.channels[channel] {
		select {
		case client.send <- msg:
		default:
		}
	}
}

// Broadcast sends a message to all clients.
func (h *Hub) Broadcast(msgType MessageType, data interface{}) {
	msg, err := encode(msgType, "", data)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// readPump handles subscribe and unsubscribe requests until the connection
// closes.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.logger.Warn("Invalid WebSocket message", zap.Error(err))
			continue
		}
		switch msg.Type {
		case MsgTypeSubscribe:
			c.hub.Subscribe(c, msg.Channel)
		case MsgTypeUnsubscribe:
			c.hub.Unsubscribe(c, msg.Channel)
		}
	}
}

// writePump writes queued messages one per frame and keeps the connection
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
