// Package metrics exposes prometheus instrumentation for the platform.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics covers the conversation pipeline.
type EngineMetrics struct {
	turnsTotal    *prometheus.CounterVec
	turnLatency   *prometheus.HistogramVec
	lockTimeouts  prometheus.Counter
	webhooksTotal *prometheus.CounterVec
}

// NewEngineMetrics registers the conversation metrics.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdv",
			Subsystem: "engine",
			Name:      "turns_total",
			Help:      "Processed user turns",
		}, []string{"channel", "state"}),
		turnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rdv",
			Subsystem: "engine",
			Name:      "turn_seconds",
			Help:      "Latency of one user turn end to end",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		lockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rdv",
			Subsystem: "engine",
			Name:      "lock_timeouts_total",
			Help:      "Call lock acquisitions that timed out",
		}),
		webhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdv",
			Subsystem: "channels",
			Name:      "webhooks_total",
			Help:      "Inbound channel webhooks",
		}, []string{"channel", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.turnsTotal, m.turnLatency, m.lockTimeouts, m.webhooksTotal)
	return m
}

// ObserveTurn records one processed turn and its latency.
func (m *EngineMetrics) ObserveTurn(channel, state string, seconds float64) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(channel, state).Inc()
	m.turnLatency.WithLabelValues(channel).Observe(seconds)
}

// ObserveLockTimeout counts a busy call lock.
func (m *EngineMetrics) ObserveLockTimeout() {
	if m == nil {
		return
	}
	m.lockTimeouts.Inc()
}

// ObserveWebhook counts an inbound channel request.
func (m *EngineMetrics) ObserveWebhook(channel, status string) {
	if m == nil {
		return
	}
	m.webhooksTotal.WithLabelValues(channel, status).Inc()
}

// BillingMetrics covers the payment event handler and jobs.
type BillingMetrics struct {
	eventsTotal *prometheus.CounterVec
	usagePushes *prometheus.CounterVec
}

// NewBillingMetrics registers the billing metrics.
func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	m := &BillingMetrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdv",
			Subsystem: "billing",
			Name:      "events_total",
			Help:      "Payment provider webhook events",
		}, []string{"type", "result"}),
		usagePushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdv",
			Subsystem: "billing",
			Name:      "usage_pushes_total",
			Help:      "Metered usage pushes to the payment provider",
		}, []string{"result"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.eventsTotal, m.usagePushes)
	return m
}

// ObserveEvent counts one processed webhook event.
func (m *BillingMetrics) ObserveEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType, result).Inc()
}

// ObserveUsagePush counts one usage push attempt.
func (m *BillingMetrics) ObserveUsagePush(result string) {
	if m == nil {
		return
	}
	m.usagePushes.WithLabelValues(result).Inc()
}
