package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the orchestrator's Prometheus instruments.
type Metrics struct {
	EventsDispatched   *prometheus.CounterVec
	ExecutionsStarted  prometheus.Counter
	ExecutionsFinished *prometheus.CounterVec
	ExecutionDuration  prometheus.Histogram
	StepsTotal         *prometheus.CounterVec
	StepRetries        prometheus.Counter
	Replans            prometheus.Counter
	InFlight           prometheus.Gauge
}

// NewMetrics creates and registers the orchestrator metrics. Pass nil
// to skip registration (tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loanhive",
			Subsystem: "orchestrator",
			Name:      "events_dispatched_total",
			Help:      "Events accepted for dispatch, by source.",
		}, []string{"source"}),
		ExecutionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loanhive",
			Subsystem: "orchestrator",
			Name:      "executions_started_total",
			Help:      "Executions that entered the planning phase.",
		}),
		ExecutionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loanhive",
			Subsystem: "orchestrator",
			Name:      "executions_finished_total",
			Help:      "Executions reaching a terminal status.",
		}, []string{"status"}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loanhive",
			Subsystem: "orchestrator",
			Name:      "execution_duration_seconds",
			Help:      "Wall time from start to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loanhive",
			Subsystem: "orchestrator",
			Name:      "steps_total",
			Help:      "Plan steps by final status.",
		}, []string{"status"}),
		StepRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loanhive",
			Subsystem: "orchestrator",
			Name:      "step_retries_total",
			Help:      "Tool call retries after transient failures.",
		}),
		Replans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loanhive",
			Subsystem: "orchestrator",
			Name:      "replans_total",
			Help:      "Plans regenerated after a step failure.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "loanhive",
			Subsystem: "orchestrator",
			Name:      "executions_in_flight",
			Help:      "Executions currently running.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.EventsDispatched,
			m.ExecutionsStarted,
			m.ExecutionsFinished,
			m.ExecutionDuration,
			m.StepsTotal,
			m.StepRetries,
			m.Replans,
			m.InFlight,
		)
	}
	return m
}
