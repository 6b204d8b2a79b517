// Package metrics holds the Prometheus instruments the pipelines observe.
// A Set is built once at boot and passed as a dependency; Noop returns an
// unregistered set for tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles every instrument the core emits.
type Set struct {
	RetrievalFallback    *prometheus.CounterVec
	PolicyRefusal        *prometheus.CounterVec
	AnswerWithoutSources prometheus.Counter
	InjectionFlagged     *prometheus.CounterVec
	RetrievalStage       *prometheus.HistogramVec
	IngestDocuments      *prometheus.CounterVec
	EmbeddingCacheEvents *prometheus.CounterVec
}

// New builds the instrument set and registers it on reg.
func New(reg prometheus.Registerer) *Set {
	s := build()
	reg.MustRegister(
		s.RetrievalFallback,
		s.PolicyRefusal,
		s.AnswerWithoutSources,
		s.InjectionFlagged,
		s.RetrievalStage,
		s.IngestDocuments,
		s.EmbeddingCacheEvents,
	)
	return s
}

// Noop builds an unregistered set for tests. Counters still count, which
// lets tests assert increments via testutil.
func Noop() *Set {
	return build()
}

func build() *Set {
	return &Set{
		RetrievalFallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retrieval_fallback_total",
			Help: "Retrieval branches dropped after a recoverable failure.",
		}, []string{"stage"}),
		PolicyRefusal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rag_policy_refusal_total",
			Help: "Answers refused by policy.",
		}, []string{"reason"}),
		AnswerWithoutSources: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rag_answer_without_sources_total",
			Help: "Answer attempts whose assembled context had no citations.",
		}),
		InjectionFlagged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rag_injection_flagged_total",
			Help: "Chunks flagged by the injection detector, by filter mode.",
		}, []string{"mode"}),
		RetrievalStage: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "retrieval_stage_seconds",
			Help:    "Latency of each retrieval stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		IngestDocuments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_documents_total",
			Help: "Ingestion outcomes.",
		}, []string{"outcome"}),
		EmbeddingCacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "embedding_cache_events_total",
			Help: "Embedding cache hits and misses.",
		}, []string{"event"}),
	}
}
