// Package hub implements the broadcast hub (spec §4.G): a duplex
// WebSocket channel per client, live event forwarding filtered by a
// per-client subscription pattern, request/response history queries, and
// back-pressure disconnection.
//
// Grounded directly on
// _examples/Livepeer-FrameWorks-monorepo/api_realtime/internal/websocket/hub.go:
// the same register/unregister/broadcast channel trio driving a single
// Run loop, the same writePump/readPump client goroutine pair, the same
// ping/pong keepalive constants. Channel-based subscription is
// generalized into MQTT topic-pattern subscription, and the teacher's
// typed signalman.Message envelope is replaced by this gateway's own
// {type, ...} JSON message shapes (spec §4.G).
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"unsgateway/internal/logging"
	"unsgateway/internal/models"
	"unsgateway/internal/store"
	"unsgateway/internal/topicmatch"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	outboxSize     = 256
	historyWindow  = 50
	inboundRateHz  = 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventSource is the narrow event-store surface the hub needs to answer
// history requests and seed new connections.
type EventSource interface {
	GetHistory(ctx context.Context, brokerID, topic string, limit int) ([]models.Event, error)
	Range(ctx context.Context, start, end time.Time, pattern string, limit int) ([]models.Event, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// ConfigSource supplies the active mapper config for a new connection's
// initial batch.
type ConfigSource interface {
	Config() *models.MapperConfig
}

// Hub maintains the set of connected clients and multiplexes messages to
// them (spec §4.G).
type Hub struct {
	logger logging.Logger
	store  EventSource
	mapper ConfigSource

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan outboundEvent

	mu sync.RWMutex
}

type outboundEvent struct {
	brokerID  string
	topic     string
	payload   []byte
	timestamp time.Time
	generated bool
}

// New builds a Hub bound to the event store. cs may be nil if the mapper
// config provider isn't available yet; wire it in later with
// SetConfigSource before accepting connections.
func New(logger logging.Logger, es EventSource, cs ConfigSource) *Hub {
	return &Hub{
		logger:     logger,
		store:      es,
		mapper:     cs,
		clients:    map[*Client]bool{},
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outboundEvent, 256),
	}
}

// SetConfigSource wires the mapper config provider in after construction,
// for callers that build the Hub before the mapper engine exists.
func (h *Hub) SetConfigSource(cs ConfigSource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mapper = cs
}

// Run drives the hub's register/unregister/broadcast loop. Call in its own
// goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.WithFields(logging.Fields{"client_count": len(h.clients)}).Info("hub client connected")
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case e := <-h.broadcast:
			h.dispatch(e)
		}
	}
}

func (h *Hub) dispatch(e outboundEvent) {
	msg := map[string]interface{}{
		"type":      "event",
		"broker_id": e.brokerID,
		"topic":     e.topic,
		"payload":   json.RawMessage(e.payload),
		"timestamp": e.timestamp,
	}
	if e.generated {
		msg["generated"] = true
	}
	body, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithFields(logging.Fields{"error": err.Error()}).Error("hub: marshal event failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.filter != nil && !c.filter.Match(e.topic) {
			continue
		}
		select {
		case c.send <- body:
		default:
			h.disconnectLocked(c)
		}
	}
}

// disconnectLocked must be called with h.mu held (as a write path already
// iterating h.clients); it closes the client's send channel directly
// rather than going through the unregister channel to avoid deadlocking
// on a held lock.
func (h *Hub) disconnectLocked(c *Client) {
	delete(h.clients, c)
	close(c.send)
}

// BroadcastEvent forwards a live inbound event to every subscribed client
// (spec §4.G).
func (h *Hub) BroadcastEvent(brokerID, topic string, payload []byte, ts time.Time) {
	select {
	case h.broadcast <- outboundEvent{brokerID: brokerID, topic: topic, payload: payload, timestamp: ts}:
	default:
		h.logger.Warn("hub: broadcast channel full, dropping event")
	}
}

// BroadcastGenerated forwards a mapper-produced event tagged so the UI can
// distinguish it from a broker-sourced one (spec §4.E step 2.c).
func (h *Hub) BroadcastGenerated(brokerID, topic string, payload []byte, ts time.Time) {
	select {
	case h.broadcast <- outboundEvent{brokerID: brokerID, topic: topic, payload: payload, timestamp: ts, generated: true}:
	default:
		h.logger.Warn("hub: broadcast channel full, dropping generated event")
	}
}

// BroadcastMapperMetrics pushes a mapper metrics snapshot to every client.
func (h *Hub) BroadcastMapperMetrics(snapshot map[string]models.TargetMetrics) {
	h.broadcastRaw(map[string]interface{}{"type": "mapper-metrics", "metrics": snapshot})
}

// BroadcastAlertsUpdated notifies every client that the alerts table
// changed (spec §4.F).
func (h *Hub) BroadcastAlertsUpdated() {
	h.broadcastRaw(map[string]interface{}{"type": "alerts-updated"})
}

func (h *Hub) broadcastRaw(v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		h.logger.WithFields(logging.Fields{"error": err.Error()}).Error("hub: marshal broadcast failed")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- body:
		default:
			h.disconnectLocked(c)
		}
	}
}

// Stats reports the hub's current connection count.
func (h *Hub) Stats() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client is one connected WebSocket peer.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger logging.Logger

	mu     sync.Mutex
	filter *topicmatch.Matcher

	limiter *rate.Limiter
	cancel  context.CancelFunc
}

// ServeWS upgrades an HTTP request to a WebSocket connection and registers
// the resulting client with the hub (spec §4.G). The hub's own data is
// read-only broadcast; callers that need to gate the upgrade on identity
// run the identity-oracle middleware in front of this handler.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithFields(logging.Fields{"error": err.Error()}).Error("hub: upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, outboxSize),
		logger:  h.logger,
		limiter: rate.NewLimiter(rate.Limit(inboundRateHz), inboundRateHz),
		cancel:  cancel,
	}

	h.register <- c
	h.sendInitialBatch(ctx, c)

	go c.writePump()
	go c.readPump(ctx)
}

func (h *Hub) sendInitialBatch(ctx context.Context, c *Client) {
	stats, err := h.store.Stats(ctx)
	statusMsg := map[string]interface{}{"type": "db-status"}
	if err == nil {
		statusMsg["total_rows"] = stats.TotalRows
		statusMsg["bytes"] = stats.Bytes
		statusMsg["pruning_active"] = stats.PruningActive
	}
	if body, err := json.Marshal(statusMsg); err == nil {
		c.trySend(body)
	}

	h.mu.RLock()
	mapper := h.mapper
	h.mu.RUnlock()

	if mapper != nil {
		if cfg := mapper.Config(); cfg != nil {
			if body, err := json.Marshal(map[string]interface{}{"type": "mapper-config", "config": cfg}); err == nil {
				c.trySend(body)
			}
		}
	}

	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)
	events, err := h.store.Range(ctx, start, end, "", historyWindow)
	if err == nil {
		if body, err := json.Marshal(map[string]interface{}{"type": "history-batch", "events": events}); err == nil {
			c.trySend(body)
		}
	}
}

func (c *Client) trySend(body []byte) {
	select {
	case c.send <- body:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// inboundRequest is the shape of every client->hub message (spec §4.G).
type inboundRequest struct {
	Type   string     `json:"type"`
	Topic  string     `json:"topic"`
	Limit  int        `json:"limit"`
	Start  *time.Time `json:"start"`
	End    *time.Time `json:"end"`
	Filter string     `json:"filter"`
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.cancel()
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		if !c.limiter.Allow() {
			c.trySend(mustJSON(map[string]interface{}{"type": "error", "content": "rate limit exceeded"}))
			continue
		}

		var req inboundRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			c.trySend(mustJSON(map[string]interface{}{"type": "error", "content": "malformed request"}))
			continue
		}

		c.handleRequest(ctx, req)
	}
}

func (c *Client) handleRequest(ctx context.Context, req inboundRequest) {
	switch req.Type {
	case "subscribe":
		m, err := topicmatch.Compile(req.Filter)
		if err != nil {
			c.trySend(mustJSON(map[string]interface{}{"type": "error", "content": err.Error()}))
			return
		}
		c.mu.Lock()
		c.filter = m
		c.mu.Unlock()
	case "get-topic-history":
		limit := req.Limit
		if limit <= 0 {
			limit = 20
		}
		events, err := c.hub.store.GetHistory(ctx, "", req.Topic, limit)
		if err != nil {
			c.trySend(mustJSON(map[string]interface{}{"type": "error", "content": err.Error()}))
			return
		}
		c.trySend(mustJSON(map[string]interface{}{
			"type": "get-topic-history-data", "topic": req.Topic, "events": events,
		}))
	case "get-history-range":
		if req.Start == nil || req.End == nil {
			c.trySend(mustJSON(map[string]interface{}{"type": "error", "content": "start and end are required"}))
			return
		}
		events, err := c.hub.store.Range(ctx, *req.Start, *req.End, req.Filter, 0)
		if err != nil {
			c.trySend(mustJSON(map[string]interface{}{"type": "error", "content": err.Error()}))
			return
		}
		c.trySend(mustJSON(map[string]interface{}{
			"type": "get-history-range-data", "start": req.Start, "end": req.End, "events": events,
		}))
	default:
		c.trySend(mustJSON(map[string]interface{}{"type": "error", "content": "unknown request type"}))
	}
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","content":"internal marshal error"}`)
	}
	return b
}
