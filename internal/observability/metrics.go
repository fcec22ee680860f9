// Package observability provides Prometheus metrics, health checks, and logging.
//
// Uses github.com/prometheus/client_golang - the official Prometheus client.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway, worker and listener.
// Metrics are automatically registered via promauto.
//
// Key metrics for monitoring:
//   - idempotency_requests_total: Middleware outcomes (replayed, pending, store_error...)
//   - idempotency_janitor_removed_total: Expired results and force-released locks
//   - jobs_enqueued_total: Producer outcomes per job name
//   - jobs_processed_total: Aggregation outcomes (completed, retrying, failed, skipped)
//   - circuit_breaker_state: Broker health (0=ok, 2=failing)
type Metrics struct {
	IdempotencyRequests *prometheus.CounterVec
	JanitorRemovals     *prometheus.CounterVec

	JobsEnqueued      *prometheus.CounterVec
	JobsProcessed     *prometheus.CounterVec
	JobDuration       prometheus.Histogram
	PublishFailures   prometheus.Counter
	ChainEvents       *prometheus.CounterVec
	ChainCursorHeight prometheus.Gauge

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CircuitBreakerState   *prometheus.GaugeVec
	CircuitBreakerTrips   *prometheus.CounterVec
	RateLimiterRejections *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// The namespace prefixes all metric names (e.g., "gateway_jobs_enqueued_total").
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		IdempotencyRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_requests_total",
			Help:      "Mutation requests by idempotency outcome",
		}, []string{"outcome"}),
		JanitorRemovals: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_janitor_removed_total",
			Help:      "Idempotency records removed by the janitor",
		}, []string{"kind"}),

		JobsEnqueued: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Enqueue attempts by job name and result (created, duplicate, disabled, error)",
		}, []string{"name", "result"}),
		JobsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Jobs processed by outcome",
		}, []string{"outcome"}),
		JobDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of aggregate updates in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		PublishFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_publish_failures_total",
			Help:      "Jobs persisted but not published to the broker (left for the poller)",
		}),
		ChainEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_events_total",
			Help:      "Decoded on-chain events by type",
		}, []string{"type"}),
		ChainCursorHeight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_cursor_block",
			Help:      "Last block fully scanned by the listener",
		}),

		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method and path",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		CircuitBreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		CircuitBreakerTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of times circuit breaker tripped to open state",
		}, []string{"name"}),
		RateLimiterRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_rejections_total",
			Help:      "Total number of requests rejected by rate limiter",
		}, []string{"route"}),
	}
}
