// Package feed fans ledger events out to subscribers: a WebSocket hub for
// interactive clients and a NATS publisher for downstream services. Both
// implement vault.EventSink and never block the engine.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/luxfi/margin/pkg/vault"
)

// Hub is a WebSocket event feed. Clients subscribe to channels named after
// the event type prefix ("position", "queue") or "all".
type Hub struct {
	logger log.Logger

	clients    map[*client]bool
	clientsMu  sync.RWMutex
	register   chan *client
	unregister chan *client
	broadcast  chan vault.Event

	subscriptions map[string]map[*client]bool
	subMu         sync.RWMutex

	messagesOut uint64
	clientCount int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type client struct {
	id       string
	conn     *websocket.Conn
	hub      *Hub
	send     chan []byte
	channels map[string]bool
	mu       sync.Mutex
}

// envelope is the wire form of a feed message.
type envelope struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewHub creates a stopped hub; call Start to serve.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		logger:        log.Root().New("module", "feed"),
		clients:       make(map[*client]bool),
		register:      make(chan *client, 100),
		unregister:    make(chan *client, 100),
		broadcast:     make(chan vault.Event, 1000),
		subscriptions: make(map[string]map[*client]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Emit implements vault.EventSink. Events are dropped, never blocked on,
// when the broadcast buffer is full.
func (h *Hub) Emit(event vault.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("feed buffer full, dropping event", "type", event.Type)
	}
}

// Start serves the feed on /ws until Stop is called.
func (h *Hub) Start(port int) error {
	h.wg.Add(1)
	go h.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWebSocket)
	mux.HandleFunc("/health", h.handleHealth)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-h.ctx.Done()
		server.Shutdown(context.Background())
	}()

	h.logger.Info("event feed starting", "port", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("feed: %w", err)
	}
	return nil
}

// Stop shuts the hub down and closes all client connections.
func (h *Hub) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *Hub) run() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			h.clientsMu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clientsMu.Unlock()
			return

		case c := <-h.register:
			h.clientsMu.Lock()
			h.clients[c] = true
			atomic.AddInt32(&h.clientCount, 1)
			h.clientsMu.Unlock()
			h.logger.Debug("client connected", "id", c.id, "total", atomic.LoadInt32(&h.clientCount))

		case c := <-h.unregister:
			h.clientsMu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				atomic.AddInt32(&h.clientCount, -1)
				h.unsubscribeAll(c)
			}
			h.clientsMu.Unlock()
			h.logger.Debug("client disconnected", "id", c.id, "total", atomic.LoadInt32(&h.clientCount))

		case event := <-h.broadcast:
			h.broadcastEvent(event)
		}
	}
}

// Channel returns the subscription channel an event belongs to: the event
// type up to the first dot.
func Channel(eventType string) string {
	if i := strings.IndexByte(eventType, '.'); i > 0 {
		return eventType[:i]
	}
	return eventType
}

func (h *Hub) broadcastEvent(event vault.Event) {
	msg := envelope{
		Type:      "event",
		Channel:   Channel(event.Type),
		Data:      event,
		Timestamp: time.Now().Unix(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal event", "error", err)
		return
	}

	h.subMu.RLock()
	targets := make(map[*client]bool, 8)
	for c := range h.subscriptions[msg.Channel] {
		targets[c] = true
	}
	for c := range h.subscriptions["all"] {
		targets[c] = true
	}
	h.subMu.RUnlock()

	for c := range targets {
		select {
		case c.send <- data:
			atomic.AddUint64(&h.messagesOut, 1)
		default:
			// Slow consumer, disconnect it.
			h.unregister <- c
		}
	}
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:       fmt.Sprintf("client-%d-%d", time.Now().Unix(), time.Now().Nanosecond()),
		conn:     conn,
		hub:      h,
		send:     make(chan []byte, 256),
		channels: make(map[string]bool),
	}
	h.register <- c

	go c.writePump()
	go c.readPump()

	c.sendEnvelope(envelope{
		Type:      "welcome",
		Data:      map[string]interface{}{"id": c.id},
		Timestamp: time.Now().Unix(),
	})
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "healthy",
		"clients":  atomic.LoadInt32(&h.clientCount),
		"messages": atomic.LoadUint64(&h.messagesOut),
	})
}

func (h *Hub) subscribe(channel string, c *client) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if h.subscriptions[channel] == nil {
		h.subscriptions[channel] = make(map[*client]bool)
	}
	h.subscriptions[channel][c] = true
}

func (h *Hub) unsubscribe(channel string, c *client) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if clients, ok := h.subscriptions[channel]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.subscriptions, channel)
		}
	}
}

func (h *Hub) unsubscribeAll(c *client) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for channel, clients := range h.subscriptions {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.subscriptions, channel)
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var raw json.RawMessage
		if err := c.conn.ReadJSON(&raw); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket read error", "error", err)
			}
			return
		}
		c.handleMessage(raw)
	}
}

func (c *client) writePump() {
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
			c.conn.WriteMessage(websocket.TextMessage, message)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) handleMessage(raw json.RawMessage) {
	var msg struct {
		Type     string   `json:"type"`
		Channels []string `json:"channels"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("invalid message format")
		return
	}

	switch msg.Type {
	case "subscribe":
		for _, channel := range msg.Channels {
			c.mu.Lock()
			c.channels[channel] = true
			c.mu.Unlock()
			c.hub.subscribe(channel, c)
		}
		c.sendEnvelope(envelope{Type: "subscribed", Data: msg.Channels, Timestamp: time.Now().Unix()})
	case "unsubscribe":
		for _, channel := range msg.Channels {
			c.mu.Lock()
			delete(c.channels, channel)
			c.mu.Unlock()
			c.hub.unsubscribe(channel, c)
		}
		c.sendEnvelope(envelope{Type: "unsubscribed", Data: msg.Channels, Timestamp: time.Now().Unix()})
	case "ping":
		c.sendEnvelope(envelope{Type: "pong", Timestamp: time.Now().Unix()})
	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}

func (c *client) sendEnvelope(msg envelope) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Error("marshal message", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.unregister <- c
	}
}

func (c *client) sendError(message string) {
	c.sendEnvelope(envelope{
		Type:      "error",
		Data:      map[string]interface{}{"message": message},
		Timestamp: time.Now().Unix(),
	})
}

// Fanout duplicates events to multiple sinks.
type Fanout []vault.EventSink

// Emit implements vault.EventSink.
func (f Fanout) Emit(event vault.Event) {
	for _, sink := range f {
		sink.Emit(event)
	}
}
