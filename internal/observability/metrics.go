package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	SessionEvents  *prometheus.CounterVec
	StopReasons    *prometheus.CounterVec
	Operations     *prometheus.CounterVec
	ObserverConns  prometheus.Gauge
	HookLatency    *prometheus.HistogramVec
	HookErrors     *prometheus.CounterVec

	hooks *hookStats
}

// NewMetrics registers the instruments with reg. A nil reg uses the default
// registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live media sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		StopReasons: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_stops_total",
			Help:      "Stopped sessions by reason code.",
		}, []string{"code"}),
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_operations_total",
			Help:      "Management operations by name and result.",
		}, []string{"op", "result"}),
		ObserverConns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observer_connections",
			Help:      "Open websocket observer connections.",
		}),
		HookLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_hook_latency_ms",
			Help:      "Backend hook latency in milliseconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000},
		}, []string{"service", "hook"}),
		HookErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_hook_errors_total",
			Help:      "Backend hook calls that returned an error.",
		}, []string{"service", "hook"}),
		hooks: newHookStats(5*time.Minute, 512),
	}
}

// ObserveHook records one backend hook call of a service.
func (m *Metrics) ObserveHook(service, hook string, d time.Duration, err error) {
	m.HookLatency.WithLabelValues(service, hook).Observe(float64(d.Microseconds()) / 1000)
	if err != nil {
		m.HookErrors.WithLabelValues(service, hook).Inc()
	}
	m.hooks.Observe(service, hook, d, err)
}

func (m *Metrics) ObserveStop(code string) {
	m.StopReasons.WithLabelValues(code).Inc()
	m.hooks.ObserveStop(code)
}

func (m *Metrics) ObserveOperation(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) SnapshotHooks() HookSnapshot {
	return m.hooks.Snapshot()
}

func (m *Metrics) ResetHooks() {
	m.hooks.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
