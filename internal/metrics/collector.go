// Package metrics provides Prometheus metrics for the handoff engine.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records handoff engine metrics.
type Collector struct {
	// Handoff lifecycle
	handoffsTotal   *prometheus.CounterVec
	handoffDuration *prometheus.HistogramVec
	contextSize     prometheus.Histogram

	// Validation and authorization
	validationFailures *prometheus.CounterVec
	securityDenials    *prometheus.CounterVec

	// Suggestion engine
	suggestionsTotal *prometheus.CounterVec

	// Parallel fan-out
	parallelBatches  prometheus.Counter
	parallelBranches *prometheus.CounterVec

	// Async queue
	asyncJobsTotal *prometheus.CounterVec
	queueDepth     prometheus.Gauge

	// Caches
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// Reversals
	reversalsTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a metrics collector registered under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.handoffsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Total number of handoff attempts",
		},
		[]string{"source", "target", "status"},
	)

	c.handoffDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handoff_duration_seconds",
			Help:      "Handoff execution duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"source", "target"},
	)

	c.contextSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handoff_context_size_bytes",
			Help:      "Serialized context size of handoff requests",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		},
	)

	c.validationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_failures_total",
			Help:      "Total number of handoff validation rule failures",
		},
		[]string{"rule"},
	)

	c.securityDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_denials_total",
			Help:      "Total number of handoffs denied by the permission graph",
		},
		[]string{"source", "target"},
	)

	c.suggestionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suggestions_total",
			Help:      "Total number of handoff suggestions by outcome",
		},
		[]string{"outcome"}, // suggested, none, cached
	)

	c.parallelBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parallel_batches_total",
			Help:      "Total number of parallel handoff fan-outs",
		},
	)

	c.parallelBranches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parallel_branches_total",
			Help:      "Total number of parallel handoff branches by status",
		},
		[]string{"status"},
	)

	c.asyncJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "async_jobs_total",
			Help:      "Total number of async handoff jobs by terminal status",
		},
		[]string{"status"},
	)

	c.queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "async_queue_depth",
			Help:      "Number of jobs currently queued for async execution",
		},
	)

	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	c.reversalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reversals_total",
			Help:      "Total number of handoff reversals by status",
		},
		[]string{"status"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHandoff records one handoff attempt.
func (c *Collector) RecordHandoff(source, target, status string, duration time.Duration, contextBytes int) {
	c.handoffsTotal.WithLabelValues(source, target, status).Inc()
	c.handoffDuration.WithLabelValues(source, target).Observe(duration.Seconds())
	c.contextSize.Observe(float64(contextBytes))
}

// RecordValidationFailure records a failed validation rule.
func (c *Collector) RecordValidationFailure(rule string) {
	c.validationFailures.WithLabelValues(rule).Inc()
}

// RecordSecurityDenial records a permission-graph denial.
func (c *Collector) RecordSecurityDenial(source, target string) {
	c.securityDenials.WithLabelValues(source, target).Inc()
}

// RecordSuggestion records a suggestion outcome: suggested, none or cached.
func (c *Collector) RecordSuggestion(outcome string) {
	c.suggestionsTotal.WithLabelValues(outcome).Inc()
}

// RecordParallelBatch records one fan-out with its branch outcomes.
func (c *Collector) RecordParallelBatch(successful, failed int) {
	c.parallelBatches.Inc()
	c.parallelBranches.WithLabelValues("success").Add(float64(successful))
	c.parallelBranches.WithLabelValues("failure").Add(float64(failed))
}

// RecordAsyncJob records an async job reaching a terminal status.
func (c *Collector) RecordAsyncJob(status string) {
	c.asyncJobsTotal.WithLabelValues(status).Inc()
}

// SetQueueDepth updates the async queue depth gauge.
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// RecordCacheHit records a cache hit.
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordReversal records a reversal attempt.
func (c *Collector) RecordReversal(status string) {
	c.reversalsTotal.WithLabelValues(status).Inc()
}
