package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "psan"

// Metrics counts scheduler activity.
type Metrics struct {
	documents *prometheus.CounterVec
	requests  *prometheus.CounterVec
	sweeps    prometheus.Counter
}

// NewMetrics creates the scheduler counters and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// result: ok, failed, skipped
		documents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reannotate_documents_total",
				Help:      "Documents handled by re-annotation jobs",
			},
			[]string{"result"},
		),
		// outcome: queued, merged
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_requests_total",
				Help:      "Corpus sweep requests, by whether they joined a pending sweep",
			},
			[]string{"outcome"},
		),
		sweeps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweeps_total",
				Help:      "Corpus sweeps run",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.documents, m.requests, m.sweeps)
	}
	return m
}
