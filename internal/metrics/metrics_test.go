package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestMetrics_Register(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))

	m.IncTransition("purchase", OutcomeSuccess)
	m.ObserveGatewayRequest("Mock", "purchase", 120*time.Millisecond)
	m.IncNotification("Mock", OutcomeSuccess)
	m.IncHookFailure("onCaptured")
	m.IncReconcileRun(OutcomeSuccess)
	m.IncReconciled(OutcomePending)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		MetricTransitionsTotal, MetricGatewayRequestDuration, MetricNotificationsTotal,
		MetricHookFailuresTotal, MetricReconciliationRuns, MetricReconciledPayments,
	} {
		assert.True(t, names[want], want)
	}

	assert.Error(t, NewMetrics().Register(reg), "duplicate registration")
}

func TestMetrics_Counts(t *testing.T) {
	m := NewMetrics()
	m.IncTransition("refund", OutcomeError)
	m.IncTransition("refund", OutcomeError)
	m.IncTransition("refund", OutcomeSuccess)

	assert.Equal(t, 2.0, counterValue(t, m.transitions, "refund", OutcomeError))
	assert.Equal(t, 1.0, counterValue(t, m.transitions, "refund", OutcomeSuccess))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncTransition("purchase", OutcomeSuccess)
		m.ObserveGatewayRequest("Mock", "purchase", time.Second)
		m.IncNotification("Mock", OutcomeError)
		m.IncHookFailure("x")
		m.IncReconcileRun(OutcomeError)
		m.IncReconciled(OutcomeError)
	})
}
