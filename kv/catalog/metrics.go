package catalog

import "github.com/prometheus/client_golang/prometheus"

var (
	commitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinycatalog",
			Subsystem: "catalog",
			Name:      "commits_total",
			Help:      "Transactions finished by a catalog, by result.",
		}, []string{"result"})

	commitHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinycatalog",
			Subsystem: "catalog",
			Name:      "commit_duration_seconds",
			Help:      "Bucketed histogram of the time from WAL append to publication of a new catalog version.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 18),
		})

	versionGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tinycatalog",
			Subsystem: "catalog",
			Name:      "version",
			Help:      "Last published version of each catalog.",
		}, []string{"catalog"})

	goLiveCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinycatalog",
			Subsystem: "catalog",
			Name:      "go_live_total",
			Help:      "Catalogs switched from warming up to alive.",
		})

	replayedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinycatalog",
			Subsystem: "catalog",
			Name:      "replayed_transactions_total",
			Help:      "WAL records replayed while loading catalogs.",
		})
)

func init() {
	prometheus.MustRegister(commitCounter)
	prometheus.MustRegister(commitHistogram)
	prometheus.MustRegister(versionGauge)
	prometheus.MustRegister(goLiveCounter)
	prometheus.MustRegister(replayedCounter)
}
