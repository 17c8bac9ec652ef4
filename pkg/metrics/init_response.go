package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initResponseMetrics() {
	r.Chains = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_chains",
			Help: "Behavior chains by lifecycle state",
		},
		[]string{"state"},
	)

	r.AnalysisQueueDepth = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_analysis_queue_depth",
			Help: "Finalized chains waiting for risk analysis",
		},
	)

	r.AnalysisLatency = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_analysis_batch_duration_seconds",
			Help:    "Time to score one batch of chains",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		},
	)

	r.Tasks = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_tasks",
			Help: "Response tasks by state",
		},
		[]string{"state"},
	)

	r.ActionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_actions_total",
			Help: "Actuator invocations by action and result",
		},
		[]string{"action", "result"},
	)

	r.ExperienceTotal = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_experience_records",
			Help: "Experience records by outcome",
		},
		[]string{"outcome"},
	)
}
