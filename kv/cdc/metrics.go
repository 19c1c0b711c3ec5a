package cdc

import "github.com/prometheus/client_golang/prometheus"

var (
	publishedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinycatalog",
			Subsystem: "cdc",
			Name:      "published_total",
			Help:      "Captures published, by area.",
		}, []string{"area"})

	droppedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinycatalog",
			Subsystem: "cdc",
			Name:      "dropped_total",
			Help:      "Captures not delivered because a subscriber was full.",
		})

	subscriberGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinycatalog",
			Subsystem: "cdc",
			Name:      "subscribers",
			Help:      "Open subscriptions.",
		})
)

func init() {
	prometheus.MustRegister(publishedCounter)
	prometheus.MustRegister(droppedCounter)
	prometheus.MustRegister(subscriberGauge)
}
