package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Context metrics
	ContextOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_context_operations_total",
			Help: "Total number of context manager operations",
		},
		[]string{"operation", "status"},
	)

	ContextOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "huddle_context_operation_duration_seconds",
			Help:    "Context manager operation latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	ActiveContexts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "huddle_active_contexts",
			Help: "Number of conversation contexts held in memory",
		},
	)

	ContextsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huddle_contexts_evicted_total",
			Help: "Total number of idle conversation contexts evicted",
		},
	)

	// Vector index metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_vector_searches_total",
			Help: "Total number of vector searches",
		},
		[]string{"index", "status"},
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "huddle_vector_search_duration_seconds",
			Help:    "Vector search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"index"},
	)

	VectorWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_vector_writes_total",
			Help: "Total number of vectors written to the index",
		},
		[]string{"index", "status"},
	)

	// Provider metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_embedding_requests_total",
			Help: "Total number of embedding lookups by outcome",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "huddle_embedding_duration_seconds",
			Help:    "Embedding provider latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	CompletionRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_completion_requests_total",
			Help: "Total number of completion requests",
		},
		[]string{"model", "status"},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_retry_attempts_total",
			Help: "Retries performed after a transient failure",
		},
		[]string{"operation"},
	)

	CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_cache_operations_total",
			Help: "Cache operations by backend and result",
		},
		[]string{"backend", "op", "result"},
	)

	// Preference and learning metrics
	PreferenceUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_preference_updates_total",
			Help: "Total number of preference updates",
		},
		[]string{"type", "status"},
	)

	LearningRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_learning_runs_total",
			Help: "Total number of preference learning runs",
		},
		[]string{"type", "status"},
	)

	PredictionRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_prediction_requests_total",
			Help: "Preference prediction requests by source",
		},
		[]string{"type", "source"},
	)

	// Recommendation metrics
	RecommendationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_recommendation_requests_total",
			Help: "Total number of recommendation requests",
		},
		[]string{"type", "status"},
	)

	RecommendationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "huddle_recommendation_duration_seconds",
			Help:    "Recommendation generation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	RecommendationCacheHitRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "huddle_recommendation_cache_hit_ratio",
			Help: "Cache hit ratio for recommendations since the last statistics reset",
		},
	)

	// Agent metrics
	AgentExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_agent_executions_total",
			Help: "Total number of agent executions",
		},
		[]string{"agent", "status"},
	)

	AgentResponseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "huddle_agent_response_duration_seconds",
			Help:    "Agent response latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 1.5, 2, 5, 10},
		},
		[]string{"agent"},
	)

	AgentFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_agent_fallbacks_total",
			Help: "Times an agent fell back to plain completion",
		},
		[]string{"agent", "reason"},
	)
)

// RecordContextOperation records a context manager operation
func RecordContextOperation(operation, status string, durationSeconds float64) {
	ContextOperations.WithLabelValues(operation, status).Inc()
	if durationSeconds > 0 {
		ContextOperationDuration.WithLabelValues(operation).Observe(durationSeconds)
	}
}

// RecordVectorSearchMetrics records vector search metrics
func RecordVectorSearchMetrics(index, status string, durationSeconds float64) {
	VectorSearches.WithLabelValues(index, status).Inc()
	if durationSeconds > 0 {
		VectorSearchLatency.WithLabelValues(index).Observe(durationSeconds)
	}
}

// RecordEmbeddingMetrics records embedding metrics
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordAgentMetrics records one agent execution
func RecordAgentMetrics(agent, status string, durationSeconds float64) {
	AgentExecutions.WithLabelValues(agent, status).Inc()
	AgentResponseDuration.WithLabelValues(agent).Observe(durationSeconds)
}
