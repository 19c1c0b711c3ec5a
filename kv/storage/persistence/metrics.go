package persistence

import "github.com/prometheus/client_golang/prometheus"

var (
	walBytesCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinycatalog",
			Subsystem: "persistence",
			Name:      "wal_bytes_total",
			Help:      "Bytes appended to catalog WALs.",
		})

	walRetryCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinycatalog",
			Subsystem: "persistence",
			Name:      "retries_total",
			Help:      "Engine writes retried after a transient error.",
		})

	partsWrittenCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinycatalog",
			Subsystem: "persistence",
			Name:      "parts_written_total",
			Help:      "Storage part versions written, by kind.",
		}, []string{"type"})

	purgedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinycatalog",
			Subsystem: "persistence",
			Name:      "purged_keys_total",
			Help:      "Part versions removed by horizon purges.",
		})
)

func init() {
	prometheus.MustRegister(walBytesCounter)
	prometheus.MustRegister(walRetryCounter)
	prometheus.MustRegister(partsWrittenCounter)
	prometheus.MustRegister(purgedCounter)
}
