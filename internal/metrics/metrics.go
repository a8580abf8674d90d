// Package metrics provides Prometheus collectors for payment orchestration.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricTransitionsTotal       = "payment_transitions_total"
	MetricGatewayRequestDuration = "payment_gateway_request_duration_seconds"
	MetricNotificationsTotal     = "payment_notifications_total"
	MetricHookFailuresTotal      = "payment_hook_failures_total"
	MetricReconciliationRuns     = "payment_reconciliation_runs_total"
	MetricReconciledPayments     = "payment_reconciled_total"
)

// Outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomePending  = "pending"
	OutcomeRedirect = "redirect"
	OutcomeError    = "error"
	OutcomeIgnored  = "ignored"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	transitions    *prometheus.CounterVec
	gatewayLatency *prometheus.HistogramVec
	notifications  *prometheus.CounterVec
	hookFailures   *prometheus.CounterVec
	reconcileRuns  *prometheus.CounterVec
	reconciled     *prometheus.CounterVec
}

// NewMetrics creates the collectors without registering them.
func NewMetrics() *Metrics {
	return &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricTransitionsTotal,
				Help: "Payment operations by intent and outcome",
			},
			[]string{"intent", "outcome"},
		),
		gatewayLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricGatewayRequestDuration,
				Help:    "Gateway request duration in seconds by gateway and action",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"gateway", "action"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricNotificationsTotal,
				Help: "Gateway notifications handled by gateway and outcome",
			},
			[]string{"gateway", "outcome"},
		),
		hookFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricHookFailuresTotal,
				Help: "Hook listener failures by hook",
			},
			[]string{"hook"},
		),
		reconcileRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricReconciliationRuns,
				Help: "Reconciliation worker runs by status",
			},
			[]string{"status"},
		),
		reconciled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricReconciledPayments,
				Help: "Payments checked by the reconciliation worker by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.transitions,
		m.gatewayLatency,
		m.notifications,
		m.hookFailures,
		m.reconcileRuns,
		m.reconciled,
	}
}

func (m *Metrics) IncTransition(intent, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(intent, outcome).Inc()
}

func (m *Metrics) ObserveGatewayRequest(gateway, action string, d time.Duration) {
	if m == nil {
		return
	}
	m.gatewayLatency.WithLabelValues(gateway, action).Observe(d.Seconds())
}

func (m *Metrics) IncNotification(gateway, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(gateway, outcome).Inc()
}

func (m *Metrics) IncHookFailure(hook string) {
	if m == nil {
		return
	}
	m.hookFailures.WithLabelValues(hook).Inc()
}

func (m *Metrics) IncReconcileRun(status string) {
	if m == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(status).Inc()
}

func (m *Metrics) IncReconciled(outcome string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(outcome).Inc()
}
