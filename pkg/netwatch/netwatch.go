// Package netwatch reports network reachability changes by probing a TCP address.
package netwatch

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultInterval = 5 * time.Second
	defaultTimeout  = 3 * time.Second
)

// DialFunc opens a connection; it matches (*net.Dialer).DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Config configures a Monitor.
type Config struct {
	Dial     DialFunc
	Logger   *slog.Logger
	Address  string
	Interval time.Duration
	Timeout  time.Duration
}

// Monitor probes Address and tells subscribers when reachability flips.
type Monitor struct {
	dial     DialFunc
	logger   *slog.Logger
	subs     map[string]func(bool)
	order    []string
	address  string
	interval time.Duration
	timeout  time.Duration
	mu       sync.Mutex
	online   bool
	known    bool
}

// New returns a Monitor. The network is assumed online until a probe fails.
func New(cfg Config) *Monitor {
	if cfg.Dial == nil {
		d := &net.Dialer{}
		cfg.Dial = d.DialContext
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Monitor{
		dial:     cfg.Dial,
		logger:   cfg.Logger,
		subs:     make(map[string]func(bool)),
		address:  cfg.Address,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		online:   true,
	}
}

// Subscribe registers fn for online/offline transitions and returns a function
// that removes it.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	id := uuid.NewString()
	m.mu.Lock()
	m.subs[id] = fn
	m.order = append(m.order, id)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			for i, o := range m.order {
				if o == id {
					m.order = append(m.order[:i:i], m.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Check probes once and notifies subscribers if the state changed.
func (m *Monitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	up := true
	conn, err := m.dial(ctx, "tcp", m.address)
	if err != nil {
		up = false
		m.logger.Debug("network probe failed", "address", m.address, "error", err)
	} else if err := conn.Close(); err != nil {
		m.logger.Debug("failed to close probe connection", "error", err)
	}
	m.Set(up)
	return up
}

// Set records the network state, notifying subscribers on a change.
func (m *Monitor) Set(up bool) {
	m.mu.Lock()
	if m.known && m.online == up {
		m.mu.Unlock()
		return
	}
	changed := m.online != up
	m.online = up
	m.known = true
	var fns []func(bool)
	if changed {
		for _, id := range m.order {
			fns = append(fns, m.subs[id])
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	if up {
		m.logger.Info("network is back online", "address", m.address)
	} else {
		m.logger.Warn("network appears offline", "address", m.address)
	}
	for _, fn := range fns {
		fn(up)
	}
}

// Run probes every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
