package loader

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	finalizeSteps *prometheus.CounterVec
	executions    *prometheus.CounterVec
	computeUnits  prometheus.Histogram
	snapshotBytes prometheus.Gauge
}

func newMetrics(r prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		finalizeSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "golana",
			Subsystem: "loader",
			Name:      "finalize_steps",
			Help:      "number of finalize steps completed",
		}, []string{"step"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "golana",
			Subsystem: "loader",
			Name:      "executions",
			Help:      "number of execute calls by outcome",
		}, []string{"result"}),
		computeUnits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "golana",
			Subsystem: "loader",
			Name:      "compute_units",
			Help:      "compute units consumed per loader instruction",
			Buckets:   prometheus.ExponentialBuckets(1000, 2, 11),
		}),
		snapshotBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "golana",
			Subsystem: "loader",
			Name:      "snapshot_bytes",
			Help:      "arena bytes in use after the last dump",
		}),
	}
	if r == nil {
		return m, nil
	}
	return m, errors.Join(
		r.Register(m.finalizeSteps),
		r.Register(m.executions),
		r.Register(m.computeUnits),
		r.Register(m.snapshotBytes),
	)
}

func (m *metrics) executed(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.executions.WithLabelValues(result).Inc()
}
