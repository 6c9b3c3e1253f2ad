package broker

import "github.com/prometheus/client_golang/prometheus"

// Metrics is an optional Prometheus exporter mirroring BrokerStats (§4.J,
// SPEC_FULL.md DOMAIN STACK). A Broker with a nil *Metrics simply skips
// every observation call; constructing one and passing it via
// BrokerOption is the only thing that turns metrics on.
type Metrics struct {
	registeredCount     prometheus.Gauge
	activeSubscriptions prometheus.Gauge
	activePollingTasks  prometheus.Gauge
	eventsDelivered     prometheus.Counter
	parseErrors         prometheus.Counter
	sequenceGaps        prometheus.Counter
	renewals            prometheus.Counter
	subscriptionFailures prometheus.Counter
}

// NewMetrics constructs and registers the broker's collectors against reg.
// Pass prometheus.DefaultRegisterer to use the global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		registeredCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sonos_broker",
			Name:      "registered_total",
			Help:      "Number of active speaker/service registrations.",
		}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sonos_broker",
			Name:      "active_subscriptions",
			Help:      "Number of live GENA push subscriptions.",
		}),
		activePollingTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sonos_broker",
			Name:      "active_polling_tasks",
			Help:      "Number of registrations currently falling back to polling.",
		}),
		eventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sonos_broker",
			Name:      "events_delivered_total",
			Help:      "Total enriched events delivered to consumers.",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sonos_broker",
			Name:      "parse_errors_total",
			Help:      "Total NOTIFY/poll bodies that failed to parse.",
		}),
		sequenceGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sonos_broker",
			Name:      "sequence_gaps_total",
			Help:      "Total GENA SEQ discontinuities observed (advisory).",
		}),
		renewals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sonos_broker",
			Name:      "subscription_renewals_total",
			Help:      "Total successful subscription renewals.",
		}),
		subscriptionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sonos_broker",
			Name:      "subscription_failures_total",
			Help:      "Total subscribe/renew failures.",
		}),
	}

	reg.MustRegister(
		m.registeredCount,
		m.activeSubscriptions,
		m.activePollingTasks,
		m.eventsDelivered,
		m.parseErrors,
		m.sequenceGaps,
		m.renewals,
		m.subscriptionFailures,
	)
	return m
}

func (m *Metrics) observe(stats BrokerStats) {
	if m == nil {
		return
	}
	m.registeredCount.Set(float64(stats.RegisteredCount))
	m.activeSubscriptions.Set(float64(stats.ActiveSubscriptions))
	m.activePollingTasks.Set(float64(stats.ActivePollingTasks))
}

func (m *Metrics) incEventsDelivered() {
	if m == nil {
		return
	}
	m.eventsDelivered.Inc()
}

func (m *Metrics) incParseErrors() {
	if m == nil {
		return
	}
	m.parseErrors.Inc()
}

func (m *Metrics) incSequenceGaps() {
	if m == nil {
		return
	}
	m.sequenceGaps.Inc()
}

func (m *Metrics) incRenewals() {
	if m == nil {
		return
	}
	m.renewals.Inc()
}

func (m *Metrics) incSubscriptionFailures() {
	if m == nil {
		return
	}
	m.subscriptionFailures.Inc()
}
