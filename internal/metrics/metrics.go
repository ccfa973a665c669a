// Package metrics holds the Prometheus collectors for node runs, batch items
// and propagation. Collectors register on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sitegraph"

// Run outcomes used as the "outcome" label.
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
	OutcomeRefused   = "refused"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runs",
		Name:      "total",
		Help:      "Node runs by kind and outcome",
	}, []string{"kind", "outcome"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "runs",
		Name:      "duration_seconds",
		Help:      "Node run duration in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"kind", "outcome"})

	activeRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "runs",
		Name:      "active",
		Help:      "Node runs currently in flight",
	})

	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "items",
		Name:      "total",
		Help:      "Batch items processed by phase and outcome",
	}, []string{"phase", "outcome"})

	itemRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "items",
		Name:      "retries_total",
		Help:      "Batch item retry attempts by phase",
	}, []string{"phase"})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "cache_hits_total",
		Help:      "Search responses served from cache",
	})

	breakerOpen = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capability",
		Name:      "breaker_open_total",
		Help:      "Circuit breaker openings by capability",
	}, []string{"capability"})

	propagationWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "propagation",
		Name:      "recomputes_total",
		Help:      "Downstream input recomputations by result (written, skipped)",
	}, []string{"result"})

	streamDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "dropped_total",
		Help:      "Events not delivered to a subscriber whose buffer was full",
	}, []string{"event_type"})
)

// RunStarted increments the in-flight gauge.
func RunStarted() {
	activeRuns.Inc()
}

// RunFinished records a run outcome and decrements the in-flight gauge.
func RunFinished(kind, outcome string, seconds float64) {
	activeRuns.Dec()
	runsTotal.WithLabelValues(kind, outcome).Inc()
	runDuration.WithLabelValues(kind, outcome).Observe(seconds)
}

// RunRefused records a run that never started.
func RunRefused(kind string) {
	runsTotal.WithLabelValues(kind, OutcomeRefused).Inc()
}

// Item records one processed batch item.
func Item(phase, outcome string) {
	itemsTotal.WithLabelValues(phase, outcome).Inc()
}

// ItemRetry records one retry attempt.
func ItemRetry(phase string) {
	itemRetries.WithLabelValues(phase).Inc()
}

// CacheHit records a search served from cache.
func CacheHit() {
	cacheHits.Inc()
}

// BreakerOpened records a circuit breaker opening.
func BreakerOpened(capability string) {
	breakerOpen.WithLabelValues(capability).Inc()
}

// Recompute records a propagation recomputation; written is false when the
// write was skipped because nothing changed.
func Recompute(written bool) {
	result := "skipped"
	if written {
		result = "written"
	}
	propagationWrites.WithLabelValues(result).Inc()
}

// StreamDropped records an event lost to a slow subscriber.
func StreamDropped(eventType string) {
	streamDropped.WithLabelValues(eventType).Inc()
}
