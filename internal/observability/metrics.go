// Package observability defines the service's prometheus metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	tickCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timer_service",
		Subsystem: "ticks",
		Name:      "evaluations_total",
		Help:      "Number of tick snapshot evaluations, labeled by outcome.",
	}, []string{"outcome"})

	longPollDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "timer_service",
		Subsystem: "ticks",
		Name:      "long_poll_duration_seconds",
		Help:      "Wall-clock time tick requests spent in the poll loop.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 11),
	})

	finalizationCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "timer_service",
		Subsystem: "lifecycle",
		Name:      "finalizations_total",
		Help:      "Number of timers transitioned from running to completed.",
	})

	rateLimitedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timer_service",
		Subsystem: "ratelimit",
		Name:      "rejections_total",
		Help:      "Number of requests rejected by the rate limiter, labeled by scope.",
	}, []string{"scope"})

	cacheWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "timer_service",
		Subsystem: "statecache",
		Name:      "write_failures_total",
		Help:      "Number of failed timer state mirror writes (recovered lazily).",
	})
)

func init() {
	prometheus.MustRegister(tickCounter, longPollDuration, finalizationCounter, rateLimitedCounter, cacheWriteFailures)
}

// RecordTick counts one snapshot evaluation.
func RecordTick(modified bool) {
	outcome := "not_modified"
	if modified {
		outcome = "modified"
	}
	tickCounter.WithLabelValues(outcome).Inc()
}

// ObserveLongPollDuration records how long a tick request held its poll loop.
func ObserveLongPollDuration(d time.Duration) {
	longPollDuration.Observe(d.Seconds())
}

// RecordFinalization counts a successful completed transition.
func RecordFinalization() {
	finalizationCounter.Inc()
}

// RecordRateLimited counts a limiter rejection for the given scope.
func RecordRateLimited(scope string) {
	rateLimitedCounter.WithLabelValues(scope).Inc()
}

// RecordCacheWriteFailure counts a failed state mirror write.
func RecordCacheWriteFailure() {
	cacheWriteFailures.Inc()
}
