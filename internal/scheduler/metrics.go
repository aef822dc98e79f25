package scheduler

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the Scheduler's Prometheus collectors. A Scheduler
// built with a nil registry runs with metrics disabled (every recorder
// method no-ops), so tests don't need a registry of their own.
type metrics struct {
	cyclesTotal      *prometheus.CounterVec
	pointErrorsTotal *prometheus.CounterVec
	actionsDispatched prometheus.Counter
	actionsDropped    prometheus.Counter
	queueDepth        prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}

	m := &metrics{
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "scheduler",
			Name:      "checking_point_cycles_total",
			Help:      "Checking-point fetch+evaluate cycles run, by point name.",
		}, []string{"point"}),
		pointErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "scheduler",
			Name:      "checking_point_errors_total",
			Help:      "Checking-point cycle failures (fetch or evaluate), by point name.",
		}, []string{"point"}),
		actionsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "scheduler",
			Name:      "actions_dispatched_total",
			Help:      "AIActions successfully handed to the Orchestrator.",
		}),
		actionsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "scheduler",
			Name:      "actions_dropped_total",
			Help:      "AIActions dropped because the dispatch queue was full.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "scheduler",
			Name:      "dispatch_queue_depth",
			Help:      "Current number of AIActions queued for dispatch.",
		}),
	}

	reg.MustRegister(m.cyclesTotal, m.pointErrorsTotal, m.actionsDispatched, m.actionsDropped, m.queueDepth)
	return m
}

func (m *metrics) cycle(point string) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(point).Inc()
}

func (m *metrics) pointError(point string) {
	if m == nil {
		return
	}
	m.pointErrorsTotal.WithLabelValues(point).Inc()
}

func (m *metrics) dispatched() {
	if m == nil {
		return
	}
	m.actionsDispatched.Inc()
}

func (m *metrics) dropped() {
	if m == nil {
		return
	}
	m.actionsDropped.Inc()
}

func (m *metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
