package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by client
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicache_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"client"},
	)

	// CacheMisses tracks cache misses, expired entries included
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicache_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"client"},
	)

	// CacheStores tracks stored responses
	CacheStores = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicache_cache_stores_total",
			Help: "Total number of responses written to the cache",
		},
		[]string{"client"},
	)

	// CacheBytes tracks uncompressed response bytes written
	CacheBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicache_cache_stored_bytes_total",
			Help: "Total uncompressed response body bytes written to the cache",
		},
		[]string{"client"},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apicache_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"client", "operation"}, // "get", "store"
	)
)
