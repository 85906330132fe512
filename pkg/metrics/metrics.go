// Package metrics provides the centralized Prometheus registry for the
// page cache. All metrics are defined in their respective packages
// (cache, server) to maintain modularity and avoid circular
// dependencies.
//
// This package provides documentation and reference for all available
// metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the page cache.
// All metrics are automatically registered via promauto in their
// respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - page_cache_hits_total{tier} (Counter): Cache hits by tier (file, memory, redis)
//   - page_cache_misses_total{module} (Counter): Cache misses by module
//   - page_cache_errors_total{operation} (Counter): Operation errors (get, put, delete, prune, flush)
//   - page_cache_written_bytes_total{module} (Counter): Bytes written to the cache
//   - page_cache_pruned_entries_total{module, store} (Counter): Entries removed by prune sweeps
//   - page_cache_entries{module} (Gauge): Current entry count
//   - page_cache_size_bytes{module} (Gauge): Current cache size in bytes
//
// Serving Metrics (pkg/server):
//   - page_serve_duration_seconds{outcome} (Histogram): Serve latency by outcome (hit, miss, bypass)
//   - page_304_responses_total (Counter): 304 Not Modified responses
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(page_cache_hits_total[5m])) /
//   (sum(rate(page_cache_hits_total[5m])) + sum(rate(page_cache_misses_total[5m])))
//
//   # P95 Hit Latency
//   histogram_quantile(0.95, rate(page_serve_duration_seconds_bucket{outcome="hit"}[5m]))
//
//   # Cache Size per Module
//   page_cache_size_bytes
//
//   # 304 Response Rate
//   rate(page_304_responses_total[5m])
