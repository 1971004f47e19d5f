// Package metrics provides Prometheus metrics for a cmdfs mount.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one mount. All methods are safe on a
// nil receiver so components can run without metrics.
type Metrics struct {
	generations       *prometheus.CounterVec
	generationSeconds prometheus.Histogram
	cacheLookups      *prometheus.CounterVec
	cacheRemovals     *prometheus.CounterVec
	deletions         prometheus.Counter
	errors            *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		generations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cmdfs_generations_total",
				Help: "Total number of command runs",
			},
			[]string{"status"},
		),
		generationSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cmdfs_generation_duration_seconds",
				Help:    "Command run duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		cacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cmdfs_cache_lookups_total",
				Help: "Cache lookups by result (hit, miss, stale)",
			},
			[]string{"result"},
		),
		cacheRemovals: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cmdfs_cache_removals_total",
				Help: "Cache entries removed by reason",
			},
			[]string{"reason"},
		),
		deletions: f.NewCounter(
			prometheus.CounterOpts{
				Name: "cmdfs_source_deletions_total",
				Help: "Source deletions propagated to the cache",
			},
		),
		errors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cmdfs_errors_total",
				Help: "Filesystem operations answered with an error",
			},
			[]string{"op", "errno"},
		),
	}
}

// ObserveCache exports the cache size reported by stats as gauges.
func ObserveCache(reg prometheus.Registerer, stats func() (entries int, bytes int64)) {
	f := promauto.With(reg)
	f.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "cmdfs_cache_entries",
			Help: "Number of cached payloads",
		},
		func() float64 {
			n, _ := stats()
			return float64(n)
		},
	)
	f.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "cmdfs_cache_bytes",
			Help: "Total size of cached payloads in bytes",
		},
		func() float64 {
			_, b := stats()
			return float64(b)
		},
	)
}

// Handler returns the HTTP handler serving the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordGeneration records one command run.
func (m *Metrics) RecordGeneration(d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.generations.WithLabelValues(status).Inc()
	m.generationSeconds.Observe(d.Seconds())
}

// RecordLookup records a cache lookup result: "hit", "miss" or "stale".
func (m *Metrics) RecordLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RecordRemoval records n cache entries removed for reason.
func (m *Metrics) RecordRemoval(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.cacheRemovals.WithLabelValues(reason).Add(float64(n))
}

// RecordDeletion records a source deletion.
func (m *Metrics) RecordDeletion() {
	if m == nil {
		return
	}
	m.deletions.Inc()
}

// RecordError records a failed filesystem operation.
func (m *Metrics) RecordError(op, errno string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(op, errno).Inc()
}
