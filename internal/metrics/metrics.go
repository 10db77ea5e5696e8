// Package metrics holds the Prometheus instruments for retrieval rounds,
// collective operations, and index loading.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RetrieveRoundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragrelay",
			Name:      "retrieve_rounds_total",
			Help:      "Total number of retrieve calls",
		},
		[]string{"mode", "status"}, // mode: "single" / "distributed"
	)

	RetrieveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ragrelay",
			Name:      "retrieve_duration_seconds",
			Help:      "Retrieve call duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"mode"},
	)

	RetrieveBatchRows = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ragrelay",
			Name:      "retrieve_batch_rows",
			Help:      "Per-worker query batch size per retrieve call",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
	)

	CollectiveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ragrelay",
			Name:      "collective_duration_seconds",
			Help:      "Collective operation duration in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"op"}, // gather, scatter, barrier
	)

	CollectiveBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragrelay",
			Name:      "collective_bytes_total",
			Help:      "Payload bytes moved through collective operations",
		},
		[]string{"op", "direction"}, // direction: "sent" / "received"
	)

	IndexLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ragrelay",
			Name:      "index_load_duration_seconds",
			Help:      "Index snapshot load duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	IndexDocs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ragrelay",
			Name:      "index_docs",
			Help:      "Number of passages in the loaded index",
		},
	)

	DocDictLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragrelay",
			Name:      "docdict_lookups_total",
			Help:      "Document dictionary lookups by status",
		},
		[]string{"status"}, // "success" / "error"
	)
)

var registered bool

// Register registers the ragrelay metrics. Must be called once from main.
func Register() {
	if registered {
		return
	}
	prometheus.MustRegister(RetrieveRoundsTotal)
	prometheus.MustRegister(RetrieveDuration)
	prometheus.MustRegister(RetrieveBatchRows)
	prometheus.MustRegister(CollectiveDuration)
	prometheus.MustRegister(CollectiveBytesTotal)
	prometheus.MustRegister(IndexLoadDuration)
	prometheus.MustRegister(IndexDocs)
	prometheus.MustRegister(DocDictLookupsTotal)
	registered = true
}
