package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by tier (file, memory, redis)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "page_cache_hits_total",
			Help: "Total number of page cache hits",
		},
		[]string{"tier"},
	)

	// CacheMisses tracks cache misses by module
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "page_cache_misses_total",
			Help: "Total number of page cache misses",
		},
		[]string{"module"},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "page_cache_errors_total",
			Help: "Total number of page cache operation errors",
		},
		[]string{"operation"}, // "get", "put", "delete", "prune", "flush"
	)

	// CacheEntryBytes tracks bytes written per module
	CacheEntryBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "page_cache_written_bytes_total",
			Help: "Total bytes written to the page cache",
		},
		[]string{"module"},
	)

	// PrunedEntries tracks entries removed by prune sweeps
	PrunedEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "page_cache_pruned_entries_total",
			Help: "Total number of entries removed by prune sweeps",
		},
		[]string{"module", "store"},
	)

	// StoredEntries reports the current entry count per module
	StoredEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "page_cache_entries",
			Help: "Current number of entries in the page cache",
		},
		[]string{"module"},
	)

	// StoredBytes reports the current cache size per module
	StoredBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "page_cache_size_bytes",
			Help: "Current size of the page cache in bytes",
		},
		[]string{"module"},
	)
)
