// Package metrics exposes the api-cache Prometheus metrics over HTTP.
// Metrics are defined with promauto in the package that records them
// (cache, ratelimit, compression, converter, client); this package serves
// them and instruments the proxy's own HTTP handlers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all api-cache metrics use.
var Registry = prometheus.DefaultRegisterer

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apicache_http_requests_total",
		Help: "Requests served by the api-cache HTTP server by route, code and method",
	}, []string{"route", "code", "method"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apicache_http_request_duration_seconds",
		Help:    "Latency of the api-cache HTTP server by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "code", "method"})

	httpInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apicache_http_requests_in_flight",
		Help: "Requests currently being served",
	})
)

// Handler returns the /metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps h with request, latency and in-flight metrics labelled
// with route.
func Instrument(route string, h http.Handler) http.Handler {
	labels := prometheus.Labels{"route": route}
	return promhttp.InstrumentHandlerInFlight(httpInFlight,
		promhttp.InstrumentHandlerDuration(httpDuration.MustCurryWith(labels),
			promhttp.InstrumentHandlerCounter(httpRequests.MustCurryWith(labels), h)))
}

// Metric catalogue
//
// Cache (pkg/cache):
//   - apicache_cache_hits_total{client}
//   - apicache_cache_misses_total{client}
//   - apicache_cache_stores_total{client}
//   - apicache_cache_stored_bytes_total{client}
//   - apicache_cache_errors_total{client, operation}
//
// Rate limits (pkg/ratelimit):
//   - apicache_rate_limit_remaining{client} (Gauge)
//   - apicache_rate_limit_attempts_total{client}
//   - apicache_rate_limit_blocks_total{client}
//
// Compression (pkg/compression):
//   - apicache_compression_operations_total{op, algorithm}
//   - apicache_compression_errors_total{op}
//
// Converter (pkg/converter):
//   - apicache_converter_rows_total{client, operation, result}
//
// Upstream requests (pkg/client):
//   - apicache_client_lookups_total{client, result}
//   - apicache_upstream_requests_total{client, status}
//   - apicache_upstream_request_duration_seconds{client} (Histogram)
//   - apicache_upstream_errors_total{client, class}
//   - apicache_upstream_retries_total{error_class}
//   - apicache_upstream_retry_backoff_seconds{error_class} (Histogram)
//   - apicache_upstream_retry_exhausted_total{error_class}
//
// HTTP server (this package):
//   - apicache_http_requests_total{route, code, method}
//   - apicache_http_request_duration_seconds{route, code, method} (Histogram)
//   - apicache_http_requests_in_flight (Gauge)
//
// Example queries:
//
//   # Cache hit rate per client
//   sum by (client) (rate(apicache_cache_hits_total[5m])) /
//   (sum by (client) (rate(apicache_cache_hits_total[5m])) + sum by (client) (rate(apicache_cache_misses_total[5m])))
//
//   # Clients close to their limit
//   apicache_rate_limit_remaining < 10
//
//   # P95 upstream latency
//   histogram_quantile(0.95, rate(apicache_upstream_request_duration_seconds_bucket[5m]))
