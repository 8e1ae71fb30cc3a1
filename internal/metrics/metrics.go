// Package metrics exposes the session core's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the core updates. A nil *Metrics is a
// valid no-op receiver so components and tests can run unmetered.
type Metrics struct {
	registry *prometheus.Registry

	sessions         prometheus.Gauge
	reconnects       *prometheus.CounterVec
	replicationQueue prometheus.Gauge
	replicationState prometheus.Gauge
	recoveries       *prometheus.CounterVec
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
}

// New creates the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nexusbot_sessions",
			Help: "Number of registered sessions.",
		}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexusbot_reconnect_attempts_total",
			Help: "Reconnection attempts by outcome.",
		}, []string{"outcome"}),
		replicationQueue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nexusbot_replication_queue_depth",
			Help: "Writes waiting for the secondary backend.",
		}),
		replicationState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nexusbot_replication_healthy",
			Help: "1 when the secondary backend is healthy, 0 when degraded.",
		}),
		recoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexusbot_decrypt_recoveries_total",
			Help: "Decryption recovery decisions by reason.",
		}, []string{"reason"}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexusbot_message_cache_hits_total",
			Help: "Resend queries answered from the message cache.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexusbot_message_cache_misses_total",
			Help: "Resend queries that fell through the message cache.",
		}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) IncReconnect(outcome string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetReplicationQueueDepth(n int) {
	if m == nil {
		return
	}
	m.replicationQueue.Set(float64(n))
}

func (m *Metrics) SetReplicationHealthy(healthy bool) {
	if m == nil {
		return
	}

	if healthy {
		m.replicationState.Set(1)
	} else {
		m.replicationState.Set(0)
	}
}

func (m *Metrics) IncRecovery(reason string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) IncCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}
