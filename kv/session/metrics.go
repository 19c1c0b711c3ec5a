package session

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinycatalog",
			Subsystem: "session",
			Name:      "open",
			Help:      "Sessions currently pinned to a catalog version.",
		})

	horizonGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinycatalog",
			Subsystem: "session",
			Name:      "horizon_version",
			Help:      "Last horizon reported by a version tracker.",
		})
)

func init() {
	prometheus.MustRegister(sessionGauge)
	prometheus.MustRegister(horizonGauge)
}
