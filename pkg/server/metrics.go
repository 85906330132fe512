package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ServeDuration tracks page serve latency by outcome
	ServeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "page_serve_duration_seconds",
			Help:    "Page serve latency by cache outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"}, // "hit", "miss", "bypass"
	)

	// NotModifiedResponses tracks 304 Not Modified responses
	NotModifiedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "page_304_responses_total",
			Help: "Total number of 304 Not Modified responses",
		},
	)
)
