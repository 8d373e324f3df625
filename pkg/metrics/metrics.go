// Package metrics exposes prometheus collectors for the event bus and the
// remote worker bridge. Every Metrics value owns its registry, so several
// buses in one process never collide on registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "busbridge"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	publishTotal    *prometheus.CounterVec
	observerErrors  *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec

	bridgeMessages *prometheus.CounterVec
	bridgeRestarts *prometheus.CounterVec
	bridgeState    *prometheus.GaugeVec
	bridgeQueued   *prometheus.GaugeVec
}

// New creates a Metrics instance backed by a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		publishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "publish_total",
				Help:      "Total number of publish calls by event identifier",
			},
			[]string{"identifier"},
		),
		observerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "observer_errors_total",
				Help:      "Observer failures that aborted a publish chain",
			},
			[]string{"identifier"},
		),
		publishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "publish_duration_seconds",
				Help:      "Duration of a full observer fold",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"identifier"},
		),
		bridgeMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "messages_total",
				Help:      "Channel messages by bridge, direction and kind",
			},
			[]string{"bridge", "direction", "kind"},
		),
		bridgeRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "restarts_total",
				Help:      "Worker restarts requested by file changes",
			},
			[]string{"bridge"},
		),
		bridgeState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "state",
				Help:      "Current session state of each bridge (numeric state code)",
			},
			[]string{"bridge"},
		),
		bridgeQueued: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "queued_messages",
				Help:      "Observations held back until the worker is ready",
			},
			[]string{"bridge"},
		),
	}

	m.registry.MustRegister(
		m.publishTotal,
		m.observerErrors,
		m.publishDuration,
		m.bridgeMessages,
		m.bridgeRestarts,
		m.bridgeState,
		m.bridgeQueued,
	)
	return m
}

// Registry returns the underlying prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObservePublish(identifier string, seconds float64, failed bool) {
	if m == nil {
		return
	}
	m.publishTotal.WithLabelValues(identifier).Inc()
	m.publishDuration.WithLabelValues(identifier).Observe(seconds)
	if failed {
		m.observerErrors.WithLabelValues(identifier).Inc()
	}
}

// BridgeMessage counts one channel message. direction is "in" or "out".
func (m *Metrics) BridgeMessage(bridge, direction, kind string) {
	if m == nil {
		return
	}
	m.bridgeMessages.WithLabelValues(bridge, direction, kind).Inc()
}

func (m *Metrics) BridgeRestart(bridge string) {
	if m == nil {
		return
	}
	m.bridgeRestarts.WithLabelValues(bridge).Inc()
}

func (m *Metrics) BridgeState(bridge string, state int) {
	if m == nil {
		return
	}
	m.bridgeState.WithLabelValues(bridge).Set(float64(state))
}

func (m *Metrics) BridgeQueued(bridge string, n int) {
	if m == nil {
		return
	}
	m.bridgeQueued.WithLabelValues(bridge).Set(float64(n))
}
