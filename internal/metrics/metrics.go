// Package metrics provides Prometheus instrumentation for the moderation
// service. It exposes counters for cache lookups, classifier calls and
// decisions, histograms for backend latency and batch sizes, and a gauge for
// live streaming connections.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "moderation_ws_connections",
		Help: "Current number of active WebSocket connections",
	})

	// RequestsTotal counts moderation requests by the transport they arrived on.
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moderation_requests_total",
		Help: "Total number of moderation requests received",
	}, []string{"transport"}) // transport = "http", "http_batch", "ws", "nats"

	// DecisionsTotal counts decisions by resulting action.
	DecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moderation_decisions_total",
		Help: "Total number of moderation decisions",
	}, []string{"action"}) // action = "allow", "block", "escalate"

	// CacheLookups counts score cache lookups by outcome.
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moderation_cache_lookups_total",
		Help: "Score cache lookups",
	}, []string{"result"}) // result = "hit", "miss"

	// ClassifierCalls counts physical classifier invocations.
	ClassifierCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moderation_classifier_calls_total",
		Help: "Physical classifier calls",
	}, []string{"kind", "status"}) // kind = "single", "batch"; status = "ok", "error"

	// ClassifierLatency records classifier call latency in seconds.
	ClassifierLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "moderation_classifier_latency_seconds",
		Help:    "Classifier call latency in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15},
	}, []string{"kind"})

	// ThrottleWait records time spent waiting for a classifier slot.
	ThrottleWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "moderation_throttle_wait_seconds",
		Help:    "Time spent waiting for the classifier cooldown",
		Buckets: []float64{0, .001, .01, .05, .1, .2, .5, 1, 2},
	})

	// BatchSize records how many requests each coalesced flush carried.
	BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "moderation_coalesced_batch_size",
		Help:    "Number of requests per coalesced batch",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	})

	// NotificationsTotal counts notification deliveries by sink and outcome.
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moderation_notifications_total",
		Help: "Notification delivery attempts",
	}, []string{"sink", "status"}) // status = "ok", "error"

	// RateLimitedTotal counts requests rejected by the inbound rate limiter.
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moderation_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"transport"})

	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moderation_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration tracks HTTP request latency by route.
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "moderation_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RequestsTotal,
		DecisionsTotal,
		CacheLookups,
		ClassifierCalls,
		ClassifierLatency,
		ThrottleWait,
		BatchSize,
		NotificationsTotal,
		RateLimitedTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
