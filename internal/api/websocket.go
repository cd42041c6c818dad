package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/khryptorgraphics/orchestrall/internal/ports"
)

// eventMessage is one frame sent down a websocket connection: either a
// change event fan-out or a control message (welcome, heartbeat, error).
type eventMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Code      string      `json:"code,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Error     string      `json:"error,omitempty"`
}

const (
	msgTypeWelcome   = "welcome"
	msgTypeHeartbeat = "heartbeat"
	msgTypeChange    = "change_event"
	msgTypeError     = "error"
	msgTypeSubscribe = "subscribe"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// eventClient is one connected operator watching change events.
// prefixes holds the partition-key prefixes ("[ns]" or "[ns].(cluster)")
// this client asked to see; an empty set means "everything".
type eventClient struct {
	id       string
	conn     *websocket.Conn
	send     chan eventMessage
	mu       sync.RWMutex
	prefixes map[string]bool
}

func (c *eventClient) wants(partitionKey string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.prefixes) == 0 {
		return true
	}
	for p := range c.prefixes {
		if len(partitionKey) >= len(p) && partitionKey[:len(p)] == p {
			return true
		}
	}
	return false
}

// eventHub fans change events read off the Redis change stream out to
// every connected websocket client. Subscriptions are partition-key
// prefixes rather than topic strings since every message here is
// already a change event keyed by cluster.
type eventHub struct {
	clients    map[*eventClient]bool
	register   chan *eventClient
	unregister chan *eventClient
	logger     *slog.Logger
	mu         sync.RWMutex
}

func newEventHub(logger *slog.Logger) *eventHub {
	return &eventHub{
		clients:    make(map[*eventClient]bool),
		register:   make(chan *eventClient),
		unregister: make(chan *eventClient),
		logger:     logger,
	}
}

func (h *eventHub) run(stop <-chan struct{}) {
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-stop:
			h.mu.Lock()
			for c := range h.clients {
				c.conn.Close()
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			c.send <- eventMessage{Type: msgTypeWelcome, Timestamp: time.Now(), Payload: map[string]string{"client_id": c.id}}

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case <-heartbeat.C:
			h.broadcastFiltered(eventMessage{Type: msgTypeHeartbeat, Timestamp: time.Now()}, "")
		}
	}
}

// broadcastEvent fans a change event out only to clients whose
// subscription prefixes match its partition key.
func (h *eventHub) broadcastEvent(ev ports.Event) {
	msg := eventMessage{Type: msgTypeChange, Timestamp: time.Now(), Code: ev.Code, Payload: ev.Payload}
	h.broadcastFiltered(msg, ev.PartitionKey)
}

func (h *eventHub) broadcastFiltered(msg eventMessage, partitionKey string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if partitionKey != "" && !c.wants(partitionKey) {
			continue
		}
		select {
		case c.send <- msg:
		default:
		}
	}
}

// handleEventStream upgrades the connection and registers a new client;
// the optional "prefix" query parameter (repeatable) scopes the stream
// to one or more namespace/cluster partition keys.
func (s *Server) handleEventStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &eventClient{
		id:       uuid.New().String(),
		conn:     conn,
		send:     make(chan eventMessage, 256),
		prefixes: map[string]bool{},
	}
	for _, p := range c.QueryArray("prefix") {
		client.prefixes[p] = true
	}

	s.hub.register <- client
	go client.writePump()
	go client.readPump(s.hub)
}

func (c *eventClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
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

func (c *eventClient) readPump(hub *eventHub) {
	defer func() {
		hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg eventMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Type != msgTypeSubscribe {
			continue
		}
		prefixes, _ := msg.Payload.([]interface{})
		c.mu.Lock()
		for _, p := range prefixes {
			if s, ok := p.(string); ok {
				c.prefixes[s] = true
			}
		}
		c.mu.Unlock()
	}
}
