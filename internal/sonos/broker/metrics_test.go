package broker

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestMetricsObserveSetsGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.observe(BrokerStats{RegisteredCount: 3, ActiveSubscriptions: 2, ActivePollingTasks: 1})

	assert.Equal(t, float64(3), gaugeValue(t, m.registeredCount))
	assert.Equal(t, float64(2), gaugeValue(t, m.activeSubscriptions))
	assert.Equal(t, float64(1), gaugeValue(t, m.activePollingTasks))
}

func TestMetricsIncrementsAreCumulative(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.incEventsDelivered()
	m.incEventsDelivered()
	m.incParseErrors()
	m.incSequenceGaps()
	m.incRenewals()
	m.incSubscriptionFailures()

	assert.Equal(t, float64(2), counterValue(t, m.eventsDelivered))
	assert.Equal(t, float64(1), counterValue(t, m.parseErrors))
	assert.Equal(t, float64(1), counterValue(t, m.sequenceGaps))
	assert.Equal(t, float64(1), counterValue(t, m.renewals))
	assert.Equal(t, float64(1), counterValue(t, m.subscriptionFailures))
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observe(BrokerStats{})
		m.incEventsDelivered()
		m.incParseErrors()
		m.incSequenceGaps()
		m.incRenewals()
		m.incSubscriptionFailures()
	})
}
