package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics instruments the cycle. The registerer is injectable so
// tests and embedders can isolate their registries.
type metrics struct {
	actionsTotal  *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intentd",
			Name:      "actions_total",
			Help:      "Actions finished, by terminal status.",
		}, []string{"status"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "intentd",
			Name:      "phase_duration_seconds",
			Help:      "Wall time spent per cycle phase.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"phase"}),
	}
	if reg != nil {
		reg.MustRegister(m.actionsTotal, m.phaseDuration)
	}
	return m
}

func (m *metrics) finished(status string) {
	m.actionsTotal.WithLabelValues(status).Inc()
}

// timePhase returns a stop function that records the phase duration.
func (m *metrics) timePhase(phase string) func() {
	start := time.Now()
	return func() {
		m.phaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
	}
}
