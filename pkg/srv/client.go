package srv

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/tablecast/pkg/logger"
)

// outFrame is every frame the relay writes.
type outFrame struct {
	Message    any    `json:"message,omitempty"`
	Type       string `json:"type,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Client is one connected display.
//
// Run is the only goroutine that writes to the connection. The read loop in
// Handle queues replies on control; the hub queues broadcasts on send.
//
// Close may be called concurrently from Handle, Run, the hub's unregister
// path and hub cleanup. It is idempotent, and it sets the closed flag before
// closing the channels so senders can check IsClosed first.
type Client struct {
	conn      *websocket.Conn
	send      chan outFrame
	control   chan outFrame
	done      chan struct{}
	subs      *Subscriptions
	ID        string
	TenantID  string
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewClient creates a client for a connection authenticated for tenantID.
func NewClient(id, tenantID string, conn *websocket.Conn) *Client {
	return &Client{
		ID:       id,
		TenantID: tenantID,
		conn:     conn,
		send:     make(chan outFrame, 100),
		control:  make(chan outFrame, 16),
		done:     make(chan struct{}),
		subs:     NewSubscriptions(),
	}
}

// Subscriptions returns the client's channel subscriptions.
func (c *Client) Subscriptions() *Subscriptions {
	return c.subs
}

// Run writes queued frames and a ping every pingInterval until ctx is done,
// the client is closed or a write fails.
func (c *Client) Run(ctx context.Context, pingInterval, writeTimeout time.Duration) {
	defer c.Close()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return

		case now := <-ticker.C:
			if err := c.write(outFrame{Type: "ping", Message: now.Unix()}, writeTimeout); err != nil {
				logger.Warn(ctx, "client ping failed", logger.Fields{
					"client_id": c.ID,
					"error":     err.Error(),
				})
				return
			}

		case f, ok := <-c.control:
			if !ok {
				return
			}
			if err := c.write(f, writeTimeout); err != nil {
				logger.Warn(ctx, "client control frame failed", logger.Fields{
					"client_id": c.ID,
					"type":      f.Type,
					"error":     err.Error(),
				})
				return
			}

		case f, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.write(f, writeTimeout); err != nil {
				logger.Warn(ctx, "client broadcast failed", logger.Fields{
					"client_id": c.ID,
					"error":     err.Error(),
				})
				return
			}
		}
	}
}

func (c *Client) write(f outFrame, timeout time.Duration) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := websocket.JSON.Send(c.conn, f); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// reply queues a control frame without blocking.
func (c *Client) reply(f outFrame) bool {
	return trySend(c.control, c, f)
}

// Close stops the client. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		close(c.send)
		close(c.control)
	})
}

// IsClosed reports whether Close has been called.
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}
