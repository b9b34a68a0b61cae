// Package metrics provides Prometheus metrics for onPulse.
// Scrape these at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onpulse_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "onpulse_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Oura API Metrics
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onpulse_oura_requests_total",
			Help: "Total number of Oura API requests by outcome",
		},
		[]string{"outcome"},
	)

	UpstreamRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "onpulse_oura_request_duration_seconds",
			Help:    "Oura API request latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
	)

	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onpulse_oura_token_refreshes_total",
			Help: "Total number of OAuth token refresh attempts by result",
		},
		[]string{"result"},
	)

	// Reconciler Metrics
	CategoryFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onpulse_category_fetch_total",
			Help: "Category fetches by category and the endpoint strategy that served them",
		},
		[]string{"category", "endpoint"},
	)

	CategoryFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onpulse_category_failures_total",
			Help: "Category fetches where every endpoint strategy failed",
		},
		[]string{"category"},
	)

	ReconcileCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onpulse_reconcile_cache_total",
			Help: "Reconciled range cache lookups by result",
		},
		[]string{"result"},
	)

	// Session Metrics
	LoginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onpulse_login_attempts_total",
			Help: "Login and 2FA attempts by stage and result",
		},
		[]string{"stage", "result"},
	)

	OuraConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "onpulse_oura_connected",
			Help: "1 when an Oura token pair is held, 0 otherwise",
		},
	)
)

// RecordUpstream records the outcome of an upstream request.
func RecordUpstream(outcome string, seconds float64) {
	UpstreamRequestsTotal.WithLabelValues(outcome).Inc()
	UpstreamRequestDuration.Observe(seconds)
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, path, status string, seconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}
