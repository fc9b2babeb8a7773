// Package metrics exposes Prometheus collectors for the connection-proxy
// engine. A nil *Metrics is valid: every method becomes a no-op, so the proxy
// can run without a registry in tests and embedded use.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tcplb/internal/strategy"
)

const namespace = "tcplb"

// Direction labels for forwarded bytes.
const (
	ClientToBackend = "client_to_backend"
	BackendToClient = "backend_to_client"
)

type Metrics struct {
	connections  *prometheus.CounterVec
	active       *prometheus.GaugeVec
	dialFailures *prometheus.CounterVec
	rejected     prometheus.Counter
	acceptErrors prometheus.Counter
	bytes        *prometheus.CounterVec
	duration     prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Client connections successfully connected to a backend.",
		}, []string{"backend"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Connections currently being forwarded to a backend.",
		}, []string{"backend"}),
		dialFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_failures_total",
			Help:      "Backend connect attempts that failed.",
		}, []string{"backend"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_connections_total",
			Help:      "Client connections closed because the pool was empty.",
		}),
		acceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Errors returned by the listener while running.",
		}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarded_bytes_total",
			Help:      "Bytes relayed, by backend and direction.",
		}, []string{"backend", "direction"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of forwarded connections.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}),
	}
	reg.MustRegister(
		m.connections,
		m.active,
		m.dialFailures,
		m.rejected,
		m.acceptErrors,
		m.bytes,
		m.duration,
	)
	return m
}

// RegisterPool adds gauges reporting the pool size and how many backends are
// flagged healthy. view is called on every scrape.
func RegisterPool(reg prometheus.Registerer, view func() []*strategy.Backend) {
	count := func(healthy bool) float64 {
		n := 0
		for _, b := range view() {
			if b.IsHealthy() == healthy {
				n++
			}
		}
		return float64(n)
	}
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "backends",
			Help:        "Backends in the pool by health flag.",
			ConstLabels: prometheus.Labels{"state": "healthy"},
		}, func() float64 { return count(true) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "backends",
			Help:        "Backends in the pool by health flag.",
			ConstLabels: prometheus.Labels{"state": "unhealthy"},
		}, func() float64 { return count(false) }),
	)
}

func (m *Metrics) ConnectionOpened(backend string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(backend).Inc()
	m.active.WithLabelValues(backend).Inc()
}

func (m *Metrics) ConnectionClosed(backend string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(backend).Dec()
	m.duration.Observe(lifetime.Seconds())
}

func (m *Metrics) DialFailed(backend string) {
	if m == nil {
		return
	}
	m.dialFailures.WithLabelValues(backend).Inc()
}

func (m *Metrics) Rejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *Metrics) AcceptError() {
	if m == nil {
		return
	}
	m.acceptErrors.Inc()
}

func (m *Metrics) Forwarded(backend, direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.WithLabelValues(backend, direction).Add(float64(n))
}
