package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emergency-agent/backend/pkg/circuitbreaker"
)

var (
	PipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "emergency_pipeline_duration_seconds",
			Help:    "Recommendation pipeline duration in seconds by stage",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage"},
	)

	RecommendationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emergency_recommendation_runs_total",
			Help: "Total recommendation runs",
		},
		[]string{"status"},
	)

	SnippetsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emergency_snippets_processed_total",
			Help: "Case snippets processed by outcome",
		},
		[]string{"outcome"},
	)

	ExtractionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emergency_extraction_failures_total",
			Help: "Structured extraction failures",
		},
		[]string{"reason"},
	)

	EntitiesExtracted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emergency_entities_extracted_total",
			Help: "Entities extracted from case snippets",
		},
		[]string{"entity_type"},
	)

	LinkResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emergency_link_results_total",
			Help: "Entity linking outcomes by tier",
		},
		[]string{"entity_type", "method"},
	)

	MappingErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emergency_mapping_errors_total",
			Help: "Entities that could not be linked to the graph",
		},
		[]string{"entity_type", "reason"},
	)

	CaseWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emergency_case_writes_total",
			Help: "Case graph transactions by status",
		},
		[]string{"status"},
	)

	FusionRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emergency_fusion_rows_total",
			Help: "Fusion rows produced by confidence level",
		},
		[]string{"confidence"},
	)

	RetrievalResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "emergency_retrieval_results_count",
			Help:    "Number of case snippets returned per retrieval",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emergency_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emergency_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emergency_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emergency_circuit_breaker_transitions_total",
			Help: "Circuit breaker state changes per dependency",
		},
		[]string{"dependency", "to"},
	)

	DocumentsIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emergency_documents_indexed_total",
			Help: "Total case report chunks indexed",
		},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			PipelineDuration,
			RecommendationRuns,
			SnippetsProcessed,
			ExtractionFailures,
			EntitiesExtracted,
			LinkResults,
			MappingErrors,
			CaseWrites,
			FusionRows,
			RetrievalResultsCount,
			LLMTokensUsed,
			CacheHits,
			CacheMisses,
			BreakerTransitions,
			DocumentsIndexed,
		)
	})
}

// RecordBreakerTransition is a circuitbreaker.Config OnStateChange hook.
func RecordBreakerTransition(name string, from, to circuitbreaker.State) {
	BreakerTransitions.WithLabelValues(name, to.String()).Inc()
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
