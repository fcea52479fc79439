// Package metrics exposes Prometheus collectors for the client and the relay.
// A nil *Registry is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the collectors on a private Prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	State      prometheus.Gauge
	Reconnects prometheus.Counter
	Frames     *prometheus.CounterVec
	Delivered  *prometheus.CounterVec
	Dropped    *prometheus.CounterVec
	Panics     prometheus.Counter

	RelayClients    prometheus.Gauge
	RelayBroadcasts prometheus.Counter
}

// NewRegistry creates the collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Registry{
		reg: reg,
		State: f.NewGauge(prometheus.GaugeOpts{
			Name: "tablecast_connection_state",
			Help: "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 errored)",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "tablecast_reconnects_total",
			Help: "Total number of scheduled reconnection attempts",
		}),
		Frames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tablecast_frames_total",
			Help: "Inbound frames by classification",
		}, []string{"kind"}),
		Delivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tablecast_notifications_delivered_total",
			Help: "Notifications delivered to handlers by event kind",
		}, []string{"kind"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tablecast_notifications_dropped_total",
			Help: "Notifications dropped by the dispatcher by reason",
		}, []string{"reason"}),
		Panics: f.NewCounter(prometheus.CounterOpts{
			Name: "tablecast_handler_panics_total",
			Help: "Handler invocations that panicked",
		}),
		RelayClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "tablecast_relay_clients",
			Help: "Number of websocket clients connected to the relay",
		}),
		RelayBroadcasts: f.NewCounter(prometheus.CounterOpts{
			Name: "tablecast_relay_broadcasts_total",
			Help: "Total number of messages broadcast by the relay",
		}),
	}
}

// Handler returns an HTTP handler exposing this registry.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// SetState records the numeric connection state.
func (r *Registry) SetState(v int) {
	if r != nil {
		r.State.Set(float64(v))
	}
}

// Reconnect counts a scheduled reconnection.
func (r *Registry) Reconnect() {
	if r != nil {
		r.Reconnects.Inc()
	}
}

// Frame counts an inbound frame.
func (r *Registry) Frame(kind string) {
	if r != nil {
		r.Frames.WithLabelValues(kind).Inc()
	}
}

// Deliver counts a notification handed to handlers.
func (r *Registry) Deliver(kind string) {
	if r != nil {
		r.Delivered.WithLabelValues(kind).Inc()
	}
}

// Drop counts a notification the dispatcher discarded.
func (r *Registry) Drop(reason string) {
	if r != nil {
		r.Dropped.WithLabelValues(reason).Inc()
	}
}

// Panic counts a recovered handler panic.
func (r *Registry) Panic() {
	if r != nil {
		r.Panics.Inc()
	}
}

// SetRelayClients records the relay's client count.
func (r *Registry) SetRelayClients(n int) {
	if r != nil {
		r.RelayClients.Set(float64(n))
	}
}

// Broadcast counts a relay broadcast.
func (r *Registry) Broadcast() {
	if r != nil {
		r.RelayBroadcasts.Inc()
	}
}
