package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	corruptedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinycatalog",
			Subsystem: "engine",
			Name:      "corrupted_catalogs_total",
			Help:      "Catalogs replaced by a corrupted stand-in.",
		})

	purgeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinycatalog",
			Subsystem: "engine",
			Name:      "purged_total",
			Help:      "Part versions and obsolete collections purged behind the horizon.",
		}, []string{"kind"})

	structuralCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinycatalog",
			Subsystem: "engine",
			Name:      "structural_operations_total",
			Help:      "Structural operations appended to the engine WAL.",
		}, []string{"op"})

	reloadCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinycatalog",
			Subsystem: "engine",
			Name:      "reloads_total",
			Help:      "Catalogs reloaded from storage after a fatal commit.",
		}, []string{"result"})
)

func init() {
	prometheus.MustRegister(corruptedCounter)
	prometheus.MustRegister(purgeCounter)
	prometheus.MustRegister(structuralCounter)
	prometheus.MustRegister(reloadCounter)
}
