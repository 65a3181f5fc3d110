// Package telemetry exposes Prometheus metrics and OpenTelemetry tracing
// for the client. Collectors live on their own registry so several clients
// can coexist in one process.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/bindery/pkg/ratelimit"
	"github.com/odvcencio/bindery/pkg/security"
)

const namespace = "bindery"

// Metrics holds the client's collectors.
type Metrics struct {
	registry *prometheus.Registry
	factory  promauto.Factory

	Requests      *prometheus.CounterVec
	Latency       *prometheus.HistogramVec
	Pending       prometheus.Gauge
	Threats       *prometheus.CounterVec
	RateLimited   *prometheus.CounterVec
	BreakerState  *prometheus.GaugeVec
	Violations    *prometheus.CounterVec
	AuditRecords  *prometheus.CounterVec
	ProcessStarts prometheus.Counter
}

// NewMetrics registers the collectors on reg, or on a fresh registry when
// reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		factory:  f,
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Calls by method and outcome",
		}, []string{"method", "outcome"}),
		Latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "latency_seconds",
			Help:      "Call latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~33s
		}, []string{"method"}),
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "pending_requests",
			Help:      "Requests awaiting a response",
		}),
		Threats: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "threats_total",
			Help:      "Validation findings by type and severity",
		}, []string{"type", "severity", "blocked"}),
		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Calls rejected by the limiter",
		}, []string{"rule", "code"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per rule (0 closed, 1 open, 2 half-open)",
		}, []string{"rule"}),
		Violations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "limit_violations_total",
			Help:      "Worker resource limit violations",
		}, []string{"kind"}),
		AuditRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "records_total",
			Help:      "Audit records by result",
		}, []string{"result"}),
		ProcessStarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Worker process starts",
		}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one finished call.
func (m *Metrics) ObserveRequest(method, outcome string, elapsed time.Duration) {
	m.Requests.WithLabelValues(method, outcome).Inc()
	m.Latency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveThreats counts validation findings.
func (m *Metrics) ObserveThreats(threats []security.Threat) {
	for _, t := range threats {
		blocked := "false"
		if t.Blocked {
			blocked = "true"
		}
		m.Threats.WithLabelValues(string(t.Type), string(t.Severity), blocked).Inc()
	}
}

// ObserveRejection counts a limiter rejection. Unmatched calls rejected by
// the global bucket are labelled "global".
func (m *Metrics) ObserveRejection(rule, code string) {
	if rule == "" {
		rule = "global"
	}
	m.RateLimited.WithLabelValues(rule, code).Inc()
}

// SetBreakerState records a breaker transition.
func (m *Metrics) SetBreakerState(rule string, state ratelimit.State) {
	m.BreakerState.WithLabelValues(rule).Set(float64(state))
}

// ObserveViolation counts a resource limit violation.
func (m *Metrics) ObserveViolation(kind string) {
	m.Violations.WithLabelValues(kind).Inc()
}

// ObserveAudit counts an appended audit record.
func (m *Metrics) ObserveAudit(result string) {
	m.AuditRecords.WithLabelValues(result).Inc()
}

// WatchProcess registers gauges read at scrape time: dropped stdout frames
// and the worker's resident memory.
func (m *Metrics) WatchProcess(dropped func() uint64, rss func() uint64) {
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "dropped_frames_total",
		Help:      "Stdout lines discarded as non-protocol output",
	}, func() float64 { return float64(dropped()) })
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "process",
		Name:      "resident_memory_bytes",
		Help:      "Worker resident memory at the last sample",
	}, func() float64 { return float64(rss()) })
}
