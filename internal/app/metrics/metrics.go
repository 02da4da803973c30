// Package metrics exposes the Prometheus collectors for the market data
// core.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "market_data",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "market_data",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "market_data",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	pollTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "market_data",
			Subsystem: "scheduler",
			Name:      "poll_ticks_total",
			Help:      "Total number of polling ticks, by result.",
		},
		[]string{"result"},
	)

	fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "market_data",
			Subsystem: "scheduler",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of provider fetches.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"status"},
	)

	publishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "market_data",
			Subsystem: "scheduler",
			Name:      "publish_failures_total",
			Help:      "Total number of event bus publish failures.",
		},
	)

	eventsConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "market_data",
			Subsystem: "average",
			Name:      "events_consumed_total",
			Help:      "Total number of price events applied to the moving average.",
		},
	)

	duplicatesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "market_data",
			Subsystem: "average",
			Name:      "duplicates_dropped_total",
			Help:      "Total number of redelivered events discarded by sequence dedup.",
		},
	)

	applyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "market_data",
			Subsystem: "average",
			Name:      "apply_duration_seconds",
			Help:      "Time to compute and persist one moving average update.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "market_data",
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Total number of cache lookups, by outcome.",
		},
		[]string{"outcome"},
	)

	cacheInvalidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "market_data",
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Total number of cache invalidations.",
		},
	)

	rateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "market_data",
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Total number of rate limit decisions, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		pollTicks,
		fetchDuration,
		publishFailures,
		eventsConsumed,
		duplicatesDropped,
		applyDuration,
		cacheRequests,
		cacheInvalidations,
		rateLimitDecisions,
	)
}

// Handler serves the metrics registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordPollTick records one completed polling tick.
func RecordPollTick(result string) {
	pollTicks.WithLabelValues(result).Inc()
}

// RecordFetch records a provider fetch attempt.
func RecordFetch(d time.Duration, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	fetchDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordPublishFailure records a failed event bus publish.
func RecordPublishFailure() {
	publishFailures.Inc()
}

// RecordEventConsumed records one event applied by the average engine.
func RecordEventConsumed() {
	eventsConsumed.Inc()
}

// RecordDuplicateDropped records one redelivered event discarded by dedup.
func RecordDuplicateDropped() {
	duplicatesDropped.Inc()
}

// RecordApply records the latency of one compute-and-persist cycle.
func RecordApply(d time.Duration) {
	applyDuration.Observe(d.Seconds())
}

// RecordCacheLookup records a cache lookup outcome: hit, miss or bypass.
func RecordCacheLookup(outcome string) {
	cacheRequests.WithLabelValues(outcome).Inc()
}

// RecordCacheInvalidation records one cache invalidation.
func RecordCacheInvalidation() {
	cacheInvalidations.Inc()
}

// RecordRateLimitDecision records an admission decision: allowed, rejected
// or failopen.
func RecordRateLimitDecision(outcome string) {
	rateLimitDecisions.WithLabelValues(outcome).Inc()
}

// statusRecorder captures the response status for instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// InstrumentHandler wraps an HTTP handler with request counting and latency
// observation under the given path label.
func InstrumentHandler(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
