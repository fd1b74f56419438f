// Package gateway fans job lifecycle events out to WebSocket clients.
// Clients subscribe to individual jobs or whole queues; events for anything
// else are filtered server-side. There is no replay: a reconnecting client
// re-fetches job state over REST and resubscribes.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/walletscope/walletscope/internal/events"
	"github.com/walletscope/walletscope/internal/observability"
)

// Client RPC actions.
const (
	ActionSubscribeJob     = "subscribe-to-job"
	ActionUnsubscribeJob   = "unsubscribe-from-job"
	ActionSubscribeQueue   = "subscribe-to-queue"
	ActionUnsubscribeQueue = "unsubscribe-from-queue"
	ActionGetSubscriptions = "get-subscriptions"
)

const (
	// sendBufferSize bounds per-client outbound queueing. A client that
	// cannot drain this many events is dropped.
	sendBufferSize = 32

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
)

// rpc is one client-to-server message.
type rpc struct {
	Action string `json:"action"`
	JobID  string `json:"jobId,omitempty"`
	Queue  string `json:"queue,omitempty"`
}

// serverEvent is one server-to-client message.
type serverEvent struct {
	Event   string          `json:"event"`
	Queue   string          `json:"queue,omitempty"`
	JobID   string          `json:"jobId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at,omitzero"`
	Jobs    []string        `json:"jobs,omitempty"`
	Queues  []string        `json:"queues,omitempty"`
}

type client struct {
	conn *websocket.Conn

	sendMu sync.Mutex
	send   chan []byte
	closed bool

	mu     sync.Mutex
	jobs   map[string]struct{}
	queues map[string]struct{}
}

// trySend queues a message without blocking. False means the client is gone
// or its buffer is full.
func (c *client) trySend(body []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- body:
		return true
	default:
		return false
	}
}

// closeSend closes the outbound channel exactly once.
func (c *client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) subscribed(event events.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.jobs[event.JobID]; ok {
		return true
	}

	_, ok := c.queues[event.Queue]

	return ok
}

func (c *client) handle(req rpc) *serverEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch req.Action {
	case ActionSubscribeJob:
		if req.JobID != "" {
			c.jobs[req.JobID] = struct{}{}
		}
	case ActionUnsubscribeJob:
		delete(c.jobs, req.JobID)
	case ActionSubscribeQueue:
		if req.Queue != "" {
			c.queues[req.Queue] = struct{}{}
		}
	case ActionUnsubscribeQueue:
		delete(c.queues, req.Queue)
	case ActionGetSubscriptions:
		return &serverEvent{
			Event:  "subscriptions",
			Jobs:   sortedKeys(c.jobs),
			Queues: sortedKeys(c.queues),
		}
	}

	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}

// Hub owns the connected clients and routes events to their subscriptions.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu      sync.Mutex
	clients map[*client]struct{}
}

// Options configures a Hub.
type Options struct {
	// AllowedOrigin is the dashboard origin admitted by the upgrade check.
	// Empty admits every origin.
	AllowedOrigin string
	Logger        *slog.Logger
	Metrics       *observability.Metrics
}

// NewHub creates a Hub.
func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if opts.AllowedOrigin == "" {
					return true
				}

				origin := r.Header.Get("Origin")

				return origin == "" || origin == opts.AllowedOrigin
			},
		},
		logger:  opts.Logger,
		metrics: opts.Metrics,
		clients: make(map[*client]struct{}),
	}
}

// Run routes events from feed to subscribed clients until the feed closes or
// ctx is canceled. The feed is normally the bus's pattern subscription.
func (h *Hub) Run(ctx context.Context, feed <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-feed:
			if !ok {
				return
			}

			h.broadcast(event)
		}
	}
}

// broadcast delivers one event to every subscribed client. Clients whose
// send buffer is full are dropped rather than stalling the fan-out.
func (h *Hub) broadcast(event events.Event) {
	body, err := json.Marshal(serverEvent{
		Event:   "job." + string(event.Type),
		Queue:   event.Queue,
		JobID:   event.JobID,
		Payload: event.Payload,
		At:      event.At,
	})
	if err != nil {
		h.logger.Error("event encode failed", "type", event.Type, "job", event.JobID, "error", err)

		return
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))

	for c := range h.clients {
		if c.subscribed(event) {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.trySend(body) {
			h.logger.Warn("dropping slow websocket client", "job", event.JobID)
			h.remove(c)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)

		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		jobs:   make(map[string]struct{}),
		queues: make(map[string]struct{}),
	}

	h.add(c)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.GatewayClients.Inc()
	}
}

// remove unregisters the client and closes its send channel exactly once.
func (h *Hub) remove(c *client) {
	h.mu.Lock()

	_, present := h.clients[c]
	if present {
		delete(h.clients, c)
	}

	h.mu.Unlock()

	if !present {
		return
	}

	c.closeSend()

	if h.metrics != nil {
		h.metrics.GatewayClients.Dec()
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var req rpc

		decodeErr := json.Unmarshal(message, &req)
		if decodeErr != nil {
			h.logger.Debug("undecodable client message", "error", decodeErr)

			continue
		}

		reply := c.handle(req)
		if reply == nil {
			continue
		}

		body, encodeErr := json.Marshal(reply)
		if encodeErr != nil {
			continue
		}

		if !c.trySend(body) {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})

				return
			}

			err := c.conn.WriteMessage(websocket.TextMessage, message)
			if err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			if err != nil {
				return
			}
		}
	}
}
