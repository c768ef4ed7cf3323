package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Compilation metrics
	CompilationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_scripting_compilations_total",
			Help: "Total number of script compilations",
		},
	)

	CompilationsLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_scripting_compilations_limited_total",
			Help: "Total number of compilations rejected by the rate limiter",
		},
	)

	CompilationErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_scripting_compilation_errors_total",
			Help: "Total number of failed script compilations",
		},
	)

	// Compiled-script cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_scripting_cache_hits_total",
			Help: "Total number of compiled-script cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_scripting_cache_misses_total",
			Help: "Total number of compiled-script cache misses",
		},
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_scripting_cache_evictions_total",
			Help: "Total number of compiled scripts evicted from the cache",
		},
	)

	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kestrel_scripting_cache_entries",
			Help: "Current number of compiled scripts in the cache",
		},
	)

	// Execution metrics
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_scripting_executions_total",
			Help: "Total number of script executions",
		},
		[]string{"context", "status"},
	)

	ExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kestrel_scripting_execution_duration_seconds",
			Help:    "Duration of script executions in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Document update metrics
	UpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_scripting_updates_total",
			Help: "Total number of scripted document updates by outcome",
		},
		[]string{"result"},
	)

	UpdateConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_scripting_update_conflicts_total",
			Help: "Total number of version conflicts during scripted updates",
		},
	)

	// Pipeline metrics
	PipelineEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_scripting_pipeline_events_total",
			Help: "Total number of events processed by ingest pipelines",
		},
		[]string{"pipeline", "status"},
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kestrel_scripting_pipeline_duration_seconds",
			Help:    "Duration of pipeline runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DLQTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kestrel_scripting_dlq_events_total",
			Help: "Total number of events routed to the dead letter subject",
		},
	)
)
