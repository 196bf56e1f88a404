package lsm

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	cacheLabelIndex = "index"
	cacheLabelData  = "data"
)

// Metrics holds the Prometheus collectors for the block cache and the
// memtable flush path.
type Metrics struct {
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	CacheEvictions  *prometheus.CounterVec
	CacheBytes      *prometheus.GaugeVec
	MemTableFlushes prometheus.Counter
	FlushDuration   prometheus.Histogram
}

// NewMetrics creates and registers all collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	hits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "razordb_block_cache_hits_total",
		Help: "Block cache lookups that found an entry",
	}, []string{"cache"})

	misses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "razordb_block_cache_misses_total",
		Help: "Block cache lookups that found nothing",
	}, []string{"cache"})

	evictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "razordb_block_cache_evictions_total",
		Help: "Entries dropped from the block cache to stay under its size limit",
	}, []string{"cache"})

	bytes := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "razordb_block_cache_bytes",
		Help: "Bytes currently held by the block cache",
	}, []string{"cache"})

	flushes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "razordb_memtable_flushes_total",
		Help: "Memtables written to sorted block tables",
	})

	flushDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "razordb_memtable_flush_duration_seconds",
		Help:    "Time spent writing a memtable to a sorted block table",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	reg.MustRegister(hits, misses, evictions, bytes, flushes, flushDuration)

	return &Metrics{
		CacheHits:       hits,
		CacheMisses:     misses,
		CacheEvictions:  evictions,
		CacheBytes:      bytes,
		MemTableFlushes: flushes,
		FlushDuration:   flushDuration,
	}
}

func (m *Metrics) lookup(cache string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.WithLabelValues(cache).Inc()
	} else {
		m.CacheMisses.WithLabelValues(cache).Inc()
	}
}
