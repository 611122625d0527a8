package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Execution metrics
	ExecutionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pattern_engine_executions_started_total",
			Help: "Total number of pattern executions started",
		},
		[]string{"pattern", "type"},
	)

	ExecutionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pattern_engine_executions_completed_total",
			Help: "Total number of pattern executions completed",
		},
		[]string{"pattern", "type", "status"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pattern_engine_execution_duration_seconds",
			Help:    "Pattern execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pattern", "type"},
	)

	// Confidence metrics
	ConfidenceScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pattern_engine_confidence_score",
			Help: "Current confidence score per pattern",
		},
		[]string{"pattern"},
	)

	ConfidenceRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pattern_engine_confidence_rejections_total",
			Help: "Executions rejected because confidence was below threshold",
		},
		[]string{"pattern"},
	)

	// Rollback metrics
	Rollbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pattern_engine_rollbacks_total",
			Help: "Total number of compensating rollbacks",
		},
		[]string{"pattern", "outcome"},
	)

	// Resource metrics
	ResourceDeferrals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pattern_engine_resource_deferrals_total",
			Help: "Task launches deferred waiting for resources",
		},
	)

	ResourceExhaustions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pattern_engine_resource_exhaustions_total",
			Help: "Task launches abandoned after the resource retry budget was spent",
		},
	)

	// Registry metrics
	RegistrySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pattern_engine_registry_size",
			Help: "Number of registered patterns",
		},
	)

	RegistryEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pattern_engine_registry_evictions_total",
			Help: "Total number of patterns evicted by cleanup",
		},
	)

	// Persistence metrics
	PersistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pattern_engine_persistence_errors_total",
			Help: "Non-fatal persistence failures surfaced to monitoring",
		},
		[]string{"operation"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pattern_engine_cache_hits_total",
			Help: "Total number of confidence cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pattern_engine_cache_misses_total",
			Help: "Total number of confidence cache misses",
		},
	)

	// Monitoring sink metrics
	MonitoringDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pattern_engine_monitoring_dropped_total",
			Help: "Monitoring events dropped because the buffer was full",
		},
	)
)

// RecordExecutionMetrics records metrics for a completed execution.
func RecordExecutionMetrics(patternName, patternType, status string, durationSeconds, confidence float64) {
	ExecutionsCompleted.WithLabelValues(patternName, patternType, status).Inc()
	ExecutionDuration.WithLabelValues(patternName, patternType).Observe(durationSeconds)
	ConfidenceScore.WithLabelValues(patternName).Set(confidence)
}

// RecordRollback records a compensation attempt outcome.
func RecordRollback(patternName string, succeeded bool) {
	outcome := "ok"
	if !succeeded {
		outcome = "failed"
	}
	Rollbacks.WithLabelValues(patternName, outcome).Inc()
}
