package serve

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Dicklesworthstone/ntmd/internal/events"
	"github.com/Dicklesworthstone/ntmd/internal/metrics"
)

// WSMessageType defines WebSocket message types.
type WSMessageType string

const (
	WSMsgSubscribe   WSMessageType = "subscribe"
	WSMsgUnsubscribe WSMessageType = "unsubscribe"
	WSMsgEvent       WSMessageType = "event"
	WSMsgError       WSMessageType = "error"
	WSMsgAck         WSMessageType = "ack"
	WSMsgPing        WSMessageType = "ping"
	WSMsgPong        WSMessageType = "pong"
)

// Topics. Session events go to sessions:<id>, everything else to global.
const (
	TopicAll      = "*"
	TopicGlobal   = "global"
	TopicSessions = "sessions:"
)

// WSMessage is the envelope for client requests and server replies.
type WSMessage struct {
	Type      WSMessageType  `json:"type"`
	Timestamp string         `json:"ts"`
	RequestID string         `json:"request_id,omitempty"`
	Topics    []string       `json:"topics,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// WSEvent is an event pushed to clients.
type WSEvent struct {
	Type      WSMessageType `json:"type"`
	Timestamp string        `json:"ts"`
	Seq       int64         `json:"seq"`
	Topic     string        `json:"topic"`
	EventType string        `json:"event_type"`
	Data      any           `json:"data"`
}

// WSError represents a WebSocket error frame.
type WSError struct {
	Type      WSMessageType `json:"type"`
	Timestamp string        `json:"ts"`
	RequestID string        `json:"request_id,omitempty"`
	Code      string        `json:"code"`
	Message   string        `json:"message"`
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	id       string
	conn     *websocket.Conn
	hub      *WSHub
	send     chan []byte
	topics   map[string]struct{}
	topicsMu sync.RWMutex
}

// WSHub manages WebSocket connections and topic routing.
type WSHub struct {
	clients    map[*WSClient]struct{}
	clientsMu  sync.RWMutex
	register   chan *WSClient
	unregister chan *WSClient
	broadcast  chan *WSEvent
	seq        int64
	done       chan struct{}
	stopOnce   sync.Once
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *zap.Logger, m *metrics.Metrics) *WSHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHub{
		clients:    make(map[*WSClient]struct{}),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		broadcast:  make(chan *WSEvent, 256),
		done:       make(chan struct{}),
		logger:     logger,
		metrics:    m,
	}
}

// Run starts the hub's main event loop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.clientsMu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
				h.metrics.DecWSConnections()
			}
			h.clientsMu.Unlock()
			return
		case client := <-h.register:
			h.clientsMu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.clientsMu.Unlock()
			h.metrics.IncWSConnections()
			h.logger.Debug("ws client connected", zap.String("id", client.id), zap.Int("total", total))
		case client := <-h.unregister:
			h.clientsMu.Lock()
			_, ok := h.clients[client]
			if ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.clientsMu.Unlock()
			if ok {
				h.metrics.DecWSConnections()
			}
			h.logger.Debug("ws client disconnected", zap.String("id", client.id), zap.Int("total", total))
		case event := <-h.broadcast:
			h.broadcastEvent(event)
		}
	}
}

// Stop shuts down the hub and disconnects every client.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// broadcastEvent sends an event to all subscribed clients. Only Run calls it.
func (h *WSHub) broadcastEvent(event *WSEvent) {
	h.seq++
	event.Seq = h.seq
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("ws marshal failed", zap.String("event_type", event.EventType), zap.Error(err))
		return
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for client := range h.clients {
		if !client.isSubscribed(event.Topic) {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.logger.Warn("ws client buffer full, dropping event", zap.String("id", client.id))
		}
	}
}

// Publish publishes an event to a topic.
func (h *WSHub) Publish(topic, eventType string, data any) {
	event := &WSEvent{
		Type:      WSMsgEvent,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Topic:     topic,
		EventType: eventType,
		Data:      data,
	}
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("ws broadcast buffer full, dropping event", zap.String("topic", topic))
	}
}

// PublishEvent routes a bus event to its topic.
func (h *WSHub) PublishEvent(e events.BusEvent) {
	topic := TopicGlobal
	if session := e.EventSession(); session != "" {
		topic = TopicSessions + session
	}
	h.Publish(topic, e.EventType(), e)
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (c *WSClient) isSubscribed(topic string) bool {
	c.topicsMu.RLock()
	defer c.topicsMu.RUnlock()
	if _, ok := c.topics[topic]; ok {
		return true
	}
	for pattern := range c.topics {
		if matchTopic(pattern, topic) {
			return true
		}
	}
	return false
}

// matchTopic checks if a pattern matches a topic.
// Supports:
//   - "*" matches everything
//   - "prefix:*" matches prefix:anything
//   - exact match
func matchTopic(pattern, topic string) bool {
	if pattern == TopicAll {
		return true
	}
	if strings.HasSuffix(pattern, ":*") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == topic
}

func isValidTopic(topic string) bool {
	switch {
	case topic == TopicAll, topic == TopicGlobal:
		return true
	case strings.HasPrefix(topic, TopicSessions):
		return len(topic) > len(TopicSessions)
	default:
		return false
	}
}

// Subscribe adds topics to the client's subscription.
func (c *WSClient) Subscribe(topics []string) {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	for _, topic := range topics {
		c.topics[topic] = struct{}{}
	}
}

// Unsubscribe removes topics from the client's subscription.
func (c *WSClient) Unsubscribe(topics []string) {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	for _, topic := range topics {
		delete(c.topics, topic)
	}
}

func (c *WSClient) topicCount() int {
	c.topicsMu.RLock()
	defer c.topicsMu.RUnlock()
	return len(c.topics)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameOriginOrLocal,
}

// sameOriginOrLocal admits non-browser clients, same-origin pages and pages
// served from loopback.
func sameOriginOrLocal(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, prefix := range []string{"http://" + r.Host, "https://" + r.Host, "http://localhost", "http://127.0.0.1"} {
		if origin == prefix || strings.HasPrefix(origin, prefix+":") {
			return true
		}
	}
	return false
}

// WebSocket timeouts.
const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4096
)

// handleWebSocket upgrades the connection. Clients start subscribed to the
// topics in ?topics= (comma separated), or to everything.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	topics := []string{TopicAll}
	if raw := r.URL.Query().Get("topics"); raw != "" {
		topics = topics[:0]
		for _, t := range strings.Split(raw, ",") {
			t = strings.TrimSpace(t)
			if !isValidTopic(t) {
				writeErrorResponse(w, http.StatusBadRequest, ErrCodeBadRequest,
					fmt.Sprintf("invalid topic: %s", t), requestIDFromContext(r.Context()))
				return
			}
			topics = append(topics, t)
		}
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws upgrade failed", zap.Error(err))
		return
	}

	client := &WSClient{
		id:     generateRequestID(),
		conn:   conn,
		hub:    s.wsHub,
		send:   make(chan []byte, 256),
		topics: make(map[string]struct{}),
	}
	client.Subscribe(topics)

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("ws read error", zap.String("id", c.id), zap.Error(err))
			}
			return
		}
		c.handleMessage(message)
	}
}

// writePump sends one JSON message per frame.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "parse_error", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSMsgSubscribe:
		if len(msg.Topics) == 0 {
			c.sendError(msg.RequestID, "empty_topics", "at least one topic required")
			return
		}
		for _, t := range msg.Topics {
			if !isValidTopic(t) {
				c.sendError(msg.RequestID, "invalid_topic", fmt.Sprintf("invalid topic: %s", t))
				return
			}
		}
		c.Subscribe(msg.Topics)
		c.reply(WSMsgAck, msg.RequestID, map[string]any{"subscribed": msg.Topics, "total": c.topicCount()})
	case WSMsgUnsubscribe:
		c.Unsubscribe(msg.Topics)
		c.reply(WSMsgAck, msg.RequestID, map[string]any{"unsubscribed": msg.Topics, "total": c.topicCount()})
	case WSMsgPing:
		c.reply(WSMsgPong, msg.RequestID, nil)
	default:
		c.sendError(msg.RequestID, "unknown_type", fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (c *WSClient) sendError(requestID, code, message string) {
	c.enqueue(WSError{
		Type:      WSMsgError,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		RequestID: requestID,
		Code:      code,
		Message:   message,
	})
}

func (c *WSClient) reply(t WSMessageType, requestID string, data map[string]any) {
	c.enqueue(WSMessage{
		Type:      t,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		RequestID: requestID,
		Data:      data,
	})
}

// enqueue is called from readPump. The hub owns closing send, so this takes
// the clients lock to avoid sending on a closed channel.
func (c *WSClient) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.hub.clientsMu.RLock()
	defer c.hub.clientsMu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn("ws client buffer full, dropping reply", zap.String("id", c.id))
	}
}
