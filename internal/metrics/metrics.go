// Package metrics exposes Prometheus collectors for the governance kernel,
// following the same CounterVec/HistogramVec/Gauge registration shape as
// infrastructure/metrics, retargeted from HTTP/DB/blockchain labels onto
// invocation, bulkhead, breaker, and audit labels.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the kernel emits to.
type Metrics struct {
	InvocationsTotal    *prometheus.CounterVec
	InvocationDuration  *prometheus.HistogramVec
	BulkheadInFlight    *prometheus.GaugeVec
	BulkheadRejected    *prometheus.CounterVec
	BreakerState        *prometheus.GaugeVec
	RateLimitedTotal    *prometheus.CounterVec
	PermissionDenials   *prometheus.CounterVec
	AuditDroppedTotal   prometheus.Counter
	InstancesActive     *prometheus.GaugeVec
	InstancesDying      *prometheus.GaugeVec
}

func New(namespace string) *Metrics {
	return NewWithRegistry(namespace, prometheus.DefaultRegisterer)
}

func NewWithRegistry(namespace string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		InvocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total governed invocations by fqsid and outcome.",
			},
			[]string{"fqsid", "outcome"},
		),
		InvocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_seconds",
				Help:      "Governed invocation duration in seconds.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"fqsid"},
		),
		BulkheadInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "bulkhead_in_flight",
				Help:      "Current in-flight invocations per unit bulkhead.",
			},
			[]string{"unit_id"},
		),
		BulkheadRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bulkhead_rejected_total",
				Help:      "Total invocations rejected for bulkhead saturation.",
			},
			[]string{"unit_id"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per fqsid (0=closed,1=half-open,2=open,3=forced-open,4=disabled).",
			},
			[]string{"fqsid"},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Total invocations rejected by the rate limiter.",
			},
			[]string{"fqsid"},
		),
		PermissionDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "permission_denials_total",
				Help:      "Total permission-denied outcomes by capability.",
			},
			[]string{"capability"},
		),
		AuditDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_dropped_total",
				Help:      "Total audit records dropped due to queue saturation.",
			},
		),
		InstancesActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instances_active",
				Help:      "Current active instances per unit id.",
			},
			[]string{"unit_id"},
		),
		InstancesDying: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instances_dying",
				Help:      "Current dying instances per unit id.",
			},
			[]string{"unit_id"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.InvocationsTotal,
			m.InvocationDuration,
			m.BulkheadInFlight,
			m.BulkheadRejected,
			m.BreakerState,
			m.RateLimitedTotal,
			m.PermissionDenials,
			m.AuditDroppedTotal,
			m.InstancesActive,
			m.InstancesDying,
		)
	}

	return m
}

func (m *Metrics) RecordInvocation(fqsid, outcome string, d time.Duration) {
	m.InvocationsTotal.WithLabelValues(fqsid, outcome).Inc()
	m.InvocationDuration.WithLabelValues(fqsid).Observe(d.Seconds())
}

func (m *Metrics) RecordBulkheadRejected(unitID string) {
	m.BulkheadRejected.WithLabelValues(unitID).Inc()
}

func (m *Metrics) SetBreakerState(fqsid string, state float64) {
	m.BreakerState.WithLabelValues(fqsid).Set(state)
}

func (m *Metrics) RecordRateLimited(fqsid string) {
	m.RateLimitedTotal.WithLabelValues(fqsid).Inc()
}

func (m *Metrics) RecordPermissionDenial(capability string) {
	m.PermissionDenials.WithLabelValues(capability).Inc()
}
