// Package realtime wires the connection controller to the notification
// dispatcher and exposes the combined API used by applications.
package realtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codeGROOVE-dev/tablecast/pkg/cable"
	"github.com/codeGROOVE-dev/tablecast/pkg/metrics"
	"github.com/codeGROOVE-dev/tablecast/pkg/notify"
	"github.com/codeGROOVE-dev/tablecast/pkg/sched"
)

// Config configures a Service. Scheduler, Logger and Metrics are shared by
// both halves unless set on them individually. Connection.Sink is ignored.
type Config struct {
	Scheduler     sched.Scheduler
	Logger        *slog.Logger
	Metrics       *metrics.Registry
	Connection    cable.Config
	Notifications notify.Config
}

// Service is one realtime session for a restaurant.
type Service struct {
	client     *cable.Client
	dispatcher *notify.Dispatcher
	logger     *slog.Logger
}

// New builds a Service. Nothing connects until Initialize.
func New(cfg Config) (*Service, error) {
	if cfg.Scheduler == nil {
		cfg.Scheduler = sched.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	n := cfg.Notifications
	if n.Scheduler == nil {
		n.Scheduler = cfg.Scheduler
	}
	if n.Logger == nil {
		n.Logger = cfg.Logger.With("component", "dispatcher")
	}
	if n.Metrics == nil {
		n.Metrics = cfg.Metrics
	}
	d := notify.New(n)

	c := cfg.Connection
	c.Sink = d
	if c.Scheduler == nil {
		c.Scheduler = cfg.Scheduler
	}
	if c.Logger == nil {
		c.Logger = cfg.Logger.With("component", "cable")
	}
	if c.Metrics == nil {
		c.Metrics = cfg.Metrics
	}
	client, err := cable.New(c)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("connection: %w", err)
	}

	return &Service{client: client, dispatcher: d, logger: cfg.Logger}, nil
}

// Initialize connects for the restaurant tenantID. A missing tenant or token
// surfaces as an error status rather than a return value.
func (s *Service) Initialize(tenantID string) {
	s.client.Initialize(tenantID)
}

// Disconnect closes the connection. See cable.Client.Disconnect.
func (s *Service) Disconnect(reason string) {
	s.client.Disconnect(reason)
}

// RegisterHandler subscribes fn to kind and returns its registration id.
func (s *Service) RegisterHandler(kind notify.Kind, fn notify.Handler, source string) string {
	return s.dispatcher.Register(kind, fn, source)
}

// OnOrder registers a typed order handler.
func (s *Service) OnOrder(kind notify.Kind, fn func(notify.Order, notify.Event), source string) string {
	return s.dispatcher.OnOrder(kind, fn, source)
}

// OnStock registers a typed inventory handler.
func (s *Service) OnStock(kind notify.Kind, fn func(notify.StockItem, notify.Event), source string) string {
	return s.dispatcher.OnStock(kind, fn, source)
}

// UnregisterHandler removes one registration.
func (s *Service) UnregisterHandler(kind notify.Kind, id string) bool {
	return s.dispatcher.Unregister(kind, id)
}

// UnregisterSource removes every registration made by source for kinds, or
// for all kinds when none are given.
func (s *Service) UnregisterSource(source string, kinds ...notify.Kind) int {
	return s.dispatcher.UnregisterSource(source, kinds...)
}

// RegisterStatusHandler observes connection status transitions.
func (s *Service) RegisterStatusHandler(fn func(cable.Status)) string {
	return s.client.RegisterStatusHandler(fn)
}

// UnregisterStatusHandler removes a status handler.
func (s *Service) UnregisterStatusHandler(id string) bool {
	return s.client.UnregisterStatusHandler(id)
}

// SetAdminContext controls whether order and low-stock events are delivered.
// Out-of-stock events are delivered regardless.
func (s *Service) SetAdminContext(admin bool) {
	s.dispatcher.SetAdmin(admin)
}

// IsConnected reports whether the socket is open and connected.
func (s *Service) IsConnected() bool {
	return s.client.IsConnected()
}

// ConnectionStatus returns the current connection status.
func (s *Service) ConnectionStatus() cable.Status {
	return s.client.ConnectionStatus()
}

// ForceReconnect replaces the connection and waits briefly for it to open.
func (s *Service) ForceReconnect(ctx context.Context) bool {
	return s.client.ForceReconnect(ctx)
}

// Subscribe adds a channel on the open connection.
func (s *Service) Subscribe(channel string) bool {
	return s.client.Subscribe(channel)
}

// Cleanup disconnects, stops listening for network changes and waits for
// pending persistence. The Service must not be used afterwards.
func (s *Service) Cleanup() {
	s.client.Cleanup()
	s.dispatcher.Close()
	s.logger.Debug("realtime service cleaned up")
}
