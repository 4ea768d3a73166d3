// Package metrics exposes Prometheus instrumentation for the transport
// core plus a lightweight snapshot used by the metrics_tick channel.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its own registry so tests never collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	framesTotal     *prometheus.CounterVec
	missionsTotal   *prometheus.CounterVec
	originDenied    prometheus.Counter
	activeSessions  prometheus.Gauge
	activeStreams   prometheus.Gauge

	// Plain counters mirrored for Snapshot.
	requests    atomic.Int64
	failures    atomic.Int64
	frames      atomic.Int64
	missions    atomic.Int64
	origDenials atomic.Int64
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transportcore_requests_total",
			Help: "MCP requests by method and outcome.",
		}, []string{"method", "outcome"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transportcore_request_duration_seconds",
			Help:    "MCP request latency by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transportcore_ws_frames_total",
			Help: "Outbound mission-control frames by type.",
		}, []string{"type"}),
		missionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transportcore_missions_total",
			Help: "Missions by terminal outcome.",
		}, []string{"outcome"}),
		originDenied: factory.NewCounter(prometheus.CounterOpts{
			Name: "transportcore_origin_denied_total",
			Help: "Requests rejected by the origin validator.",
		}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transportcore_active_sessions",
			Help: "Sessions currently active.",
		}),
		activeStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transportcore_active_sse_streams",
			Help: "SSE streams currently open.",
		}),
	}
}

// RecordRequest satisfies the dispatcher's MetricsCollector.
func (m *Metrics) RecordRequest(method string, duration time.Duration, success bool) {
	outcome := "ok"
	if !success {
		outcome = "error"
		m.failures.Add(1)
	}
	m.requests.Add(1)
	m.requestsTotal.WithLabelValues(method, outcome).Inc()
	m.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (m *Metrics) RecordFrame(frameType string) {
	m.frames.Add(1)
	m.framesTotal.WithLabelValues(frameType).Inc()
}

func (m *Metrics) RecordMission(outcome string) {
	m.missions.Add(1)
	m.missionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordOriginDenied() {
	m.origDenials.Add(1)
	m.originDenied.Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) SetActiveStreams(n int) {
	m.activeStreams.Set(float64(n))
}

// Handler serves the Prometheus exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot is the payload published on the metrics_tick channel.
func (m *Metrics) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"requests":      m.requests.Load(),
		"failures":      m.failures.Load(),
		"frames":        m.frames.Load(),
		"missions":      m.missions.Load(),
		"originDenials": m.origDenials.Load(),
	}
}
