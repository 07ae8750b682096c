// Package api implements the subscriber-facing HTTP and WebSocket surface:
// the fan-out hub, health/status/exchange-info endpoints, and the server
// lifecycle.
package api

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"perpfeed/internal/config"
	"perpfeed/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
	maxMessageSize = 4 * 1024 // subscribers only ever send pongs and pings
)

// Hub owns the subscriber table and fans metric snapshots out to the
// subscribers whose symbol set contains the snapshot's symbol. The table is
// owned by the run loop; joins, leaves, and broadcasts all go through
// channels so the actor side never contends on a lock.
type Hub struct {
	cfg config.ClientConfig

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan types.MetricSnapshot
	done       chan struct{} // closed when the run loop stops draining

	// OnUnionChange fires from the run loop whenever the union of subscribed
	// symbols changes; the engine rebuilds the upstream set from it.
	OnUnionChange func(symbols []string)

	count  atomic.Int64
	logger *slog.Logger
}

// Client is one connected subscriber.
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	symbols map[string]bool
}

// NewHub creates an empty hub.
func NewHub(cfg config.ClientConfig, logger *slog.Logger) *Hub {
	return &Hub{
		cfg:        cfg,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan types.MetricSnapshot, 256),
		done:       make(chan struct{}),
		logger:     logger.With("component", "fanout"),
	}
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int64 { return h.count.Load() }

// Broadcast hands one snapshot to the fan-out. Non-blocking: a full channel
// drops the snapshot so a subscriber flood never stalls an actor.
func (h *Hub) Broadcast(snapshot types.MetricSnapshot) {
	select {
	case h.broadcast <- snapshot:
	default:
		h.logger.Warn("broadcast channel full, dropping snapshot", "symbol", snapshot.Symbol)
	}
}

// Run owns the subscriber table until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Nothing drains register/unregister past this point; done lets
			// pump goroutines stuck on those channels exit.
			close(h.done)
			for client := range h.clients {
				close(client.send)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.count.Store(int64(len(h.clients)))
			h.logger.Info("subscriber joined",
				"id", client.id,
				"symbols", client.symbolList(),
				"count", len(h.clients),
			)
			h.notifyUnion()

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.count.Store(int64(len(h.clients)))
				h.logger.Info("subscriber left", "id", client.id, "count", len(h.clients))
				h.notifyUnion()
			}

		case snapshot := <-h.broadcast:
			h.deliver(snapshot)
		}
	}
}

func (h *Hub) deliver(snapshot types.MetricSnapshot) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		h.logger.Error("marshal snapshot", "error", err, "symbol", snapshot.Symbol)
		return
	}

	var dropped bool
	for client := range h.clients {
		if !client.symbols[snapshot.Symbol] {
			continue
		}
		select {
		case client.send <- payload:
		default:
			// Slow subscriber: drop and disconnect rather than block.
			h.logger.Warn("subscriber too slow, dropping", "id", client.id)
			delete(h.clients, client)
			close(client.send)
			dropped = true
		}
	}
	if dropped {
		h.count.Store(int64(len(h.clients)))
		h.notifyUnion()
	}
}

// notifyUnion recomputes the union of subscribed symbols and reports it.
func (h *Hub) notifyUnion() {
	if h.OnUnionChange == nil {
		return
	}
	union := make(map[string]bool)
	for client := range h.clients {
		for sym := range client.symbols {
			union[sym] = true
		}
	}
	symbols := make([]string, 0, len(union))
	for sym := range union {
		symbols = append(symbols, sym)
	}
	slices.Sort(symbols)
	h.OnUnionChange(symbols)
}

// NewClient registers a subscriber for the given symbols and starts its
// read/write pumps.
func NewClient(hub *Hub, conn *websocket.Conn, symbols []string) *Client {
	set := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		set[sym] = true
	}
	client := &Client{
		id:      uuid.NewString(),
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		symbols: set,
	}

	select {
	case client.hub.register <- client:
		go client.writePump()
		go client.readPump()
	case <-hub.done:
		conn.Close()
	}
	return client
}

// dropClient hands a departing subscriber to the run loop, or bails if the
// loop has already stopped.
func (h *Hub) dropClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (c *Client) symbolList() []string {
	out := make([]string, 0, len(c.symbols))
	for sym := range c.symbols {
		out = append(out, sym)
	}
	slices.Sort(out)
	return out
}

// writePump drains the send channel and drives the heartbeat ping.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
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

// readPump enforces the heartbeat: a subscriber that stops answering pings
// misses the read deadline and is terminated.
func (c *Client) readPump() {
	defer func() {
		c.hub.dropClient(c)
		c.conn.Close()
	}()

	stale := c.hub.cfg.StaleConnection
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(stale))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(stale))
		return nil
	})

	for {
		// Subscribers are read-only; inbound frames only refresh liveness.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("subscriber read error", "id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(stale))
	}
}
