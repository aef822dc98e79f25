package policyengine

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the PolicyEngine's Prometheus collectors. A
// SafetyPolicy built with a nil registerer runs with metrics disabled
// (the recorder methods no-op), so tests don't need a registry.
type metrics struct {
	concurrentExecutions prometheus.Gauge
	deniedTotal           *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}

	m := &metrics{
		concurrentExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "policyengine",
			Name:      "concurrent_executions",
			Help:      "Tool executions currently in flight against the safety policy's concurrency cap.",
		}),
		deniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "policyengine",
			Name:      "denied_total",
			Help:      "Validate calls denied, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(m.concurrentExecutions, m.deniedTotal)
	return m
}

func (m *metrics) setConcurrentExecutions(n int) {
	if m == nil {
		return
	}
	m.concurrentExecutions.Set(float64(n))
}

func (m *metrics) denied(outcome Outcome) {
	if m == nil {
		return
	}
	m.deniedTotal.WithLabelValues(string(outcome)).Inc()
}
