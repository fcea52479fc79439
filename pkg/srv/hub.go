// Package srv implements the relay side of the restaurant notification
// protocol: a WebSocket hub that fans tenant-scoped channel messages out to
// subscribed kitchen displays, plus the notification backlog HTTP API.
package srv

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/tablecast/pkg/cable"
	"github.com/codeGROOVE-dev/tablecast/pkg/logger"
	"github.com/codeGROOVE-dev/tablecast/pkg/metrics"
)

// Broadcast is one domain message addressed to a channel of a restaurant.
type Broadcast struct {
	Message  json.RawMessage `json:"message"`
	TenantID string          `json:"restaurant_id"`
	Channel  string          `json:"channel"`
}

// Hub manages WebSocket clients and broadcast distribution.
//
// Only Run modifies the clients map. Register, Unregister and Broadcast send
// to buffered channels, and ClientCount reads under RLock. Broadcasts are
// delivered from a snapshot of clients with non-blocking sends, so a slow or
// closing client never stalls the loop.
//
//nolint:govet // field order kept for readability
type Hub struct {
	clients               map[string]*Client
	register              chan *Client
	unregister            chan string
	broadcast             chan Broadcast
	stop                  chan struct{}
	stopped               chan struct{}
	metrics               *metrics.Registry
	mu                    sync.RWMutex
	periodicCheckInterval time.Duration // 0 means one minute
}

const (
	registerBufferSize   = 100
	unregisterBufferSize = 100
	broadcastBufferSize  = 1000
)

// NewHub creates a hub. m may be nil.
func NewHub(m *metrics.Registry) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, registerBufferSize),
		unregister: make(chan string, unregisterBufferSize),
		broadcast:  make(chan Broadcast, broadcastBufferSize),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
		metrics:    m,
	}
}

// Run is the hub's event loop. It returns when ctx is done or Stop is called.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	defer h.cleanup(ctx)

	logger.Info(ctx, "hub started", nil)

	interval := h.periodicCheckInterval
	if interval == 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "hub shutting down", nil)
			return
		case <-h.stop:
			logger.Info(ctx, "hub stop requested", nil)
			return

		case <-ticker.C:
			h.mu.RLock()
			count := len(h.clients)
			tenants := make(map[string]int)
			for _, c := range h.clients {
				tenants[c.TenantID]++
			}
			h.mu.RUnlock()
			logger.Info(ctx, "periodic check", logger.Fields{
				"total_clients": count,
				"tenants":       tenants,
			})

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.ID] = c
			total := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetRelayClients(total)
			logger.Info(ctx, "client registered", logger.Fields{
				"client_id":     c.ID,
				"restaurant_id": c.TenantID,
				"total_clients": total,
			})

		case id := <-h.unregister:
			h.mu.Lock()
			c, ok := h.clients[id]
			if ok {
				delete(h.clients, id)
			}
			total := len(h.clients)
			h.mu.Unlock()
			if !ok {
				logger.Debug(ctx, "unregister for unknown client", logger.Fields{"client_id": id})
				continue
			}
			c.Close()
			h.metrics.SetRelayClients(total)
			logger.Info(ctx, "client unregistered", logger.Fields{
				"client_id":     id,
				"restaurant_id": c.TenantID,
				"total_clients": total,
			})

		case b := <-h.broadcast:
			h.deliver(ctx, b)
		}
	}
}

func (h *Hub) deliver(ctx context.Context, b Broadcast) {
	h.mu.RLock()
	snapshot := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	frame := outFrame{
		Identifier: cable.EncodeIdentifier(b.Channel, b.TenantID),
		Message:    b.Message,
	}
	matched, dropped := 0, 0
	for _, c := range snapshot {
		if !c.subs.Has(b.Channel, b.TenantID) {
			continue
		}
		if trySend(c.send, c, frame) {
			matched++
			continue
		}
		dropped++
		logger.Warn(ctx, "dropped broadcast for client: channel full or closed", logger.Fields{
			"client_id": c.ID,
		})
	}
	h.metrics.Broadcast()
	logger.Info(ctx, "broadcast", logger.Fields{
		"restaurant_id": b.TenantID,
		"channel":       b.Channel,
		"matched":       matched,
		"dropped":       dropped,
	})
}

// Broadcast queues b for delivery. It never blocks; when the hub is at
// capacity the message is dropped and false is returned.
func (h *Hub) Broadcast(ctx context.Context, b Broadcast) bool {
	select {
	case h.broadcast <- b:
		return true
	default:
		logger.Warn(ctx, "dropping broadcast: hub at capacity or shutting down", logger.Fields{
			"restaurant_id": b.TenantID,
			"channel":       b.Channel,
		})
		return false
	}
}

// Stop signals the hub to stop.
func (h *Hub) Stop() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
}

// Wait blocks until the hub has stopped.
func (h *Hub) Wait() {
	<-h.stopped
}

// Register adds a client.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Unregister removes a client by ID.
func (h *Hub) Unregister(id string) {
	h.unregister <- id
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// trySend performs a non-blocking send to ch, which belongs to c. Close may
// race with the send after the IsClosed check, so a panic from a closed
// channel is recovered and reported as a failed send.
func trySend(ch chan outFrame, c *Client, f outFrame) (sent bool) {
	if c.IsClosed() {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()
	select {
	case ch <- f:
		return true
	default:
		return false
	}
}

// cleanup closes every client during shutdown. It must not send on client
// channels: closing the socket and cancelling the context are enough for
// Client.Run to exit.
func (h *Hub) cleanup(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	logger.Info(ctx, "hub cleanup: closing client connections", logger.Fields{
		"client_count": len(h.clients),
	})
	for _, c := range h.clients {
		c.Close()
	}
	h.clients = nil
	h.metrics.SetRelayClients(0)
}
