package mutation

import "github.com/prometheus/client_golang/prometheus"

var (
	mutationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinycatalog",
			Subsystem: "mutation",
			Name:      "applied_total",
			Help:      "Entity mutations by kind and origin (root, implicit or failed).",
		}, []string{"kind", "origin"})

	pipelineHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinycatalog",
			Subsystem: "mutation",
			Name:      "pipeline_duration_seconds",
			Help:      "Bucketed histogram of the time to apply one root mutation with its cascades.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 18),
		})
)

func init() {
	prometheus.MustRegister(mutationCounter)
	prometheus.MustRegister(pipelineHistogram)
}
