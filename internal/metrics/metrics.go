package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gapeval/internal/domain"
)

const namespace = "gapeval"

// Metrics holds the engine's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry           *prometheus.Registry
	evaluations        *prometheus.CounterVec
	chunksIndexed      *prometheus.CounterVec
	retrievalFailures  *prometheus.CounterVec
	judgmentFallbacks  *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Control evaluations by verdict status.",
		}, []string{"status"}),
		chunksIndexed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_indexed_total",
			Help:      "Chunks upserted into the vector index by source kind.",
		}, []string{"source_kind"}),
		retrievalFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_failures_total",
			Help:      "Evidence queries that failed upstream and returned no evidence.",
		}, []string{"source_kind"}),
		judgmentFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "judgment_fallbacks_total",
			Help:      "Times a judgment stage fell back to its deterministic default.",
		}, []string{"stage"}),
		evaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Wall time of a single control evaluation.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40},
		}),
	}
	m.registry.MustRegister(
		m.evaluations,
		m.chunksIndexed,
		m.retrievalFailures,
		m.judgmentFallbacks,
		m.evaluationDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveEvaluation(status domain.Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(string(status)).Inc()
	m.evaluationDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) AddChunksIndexed(kind domain.SourceKind, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.chunksIndexed.WithLabelValues(string(kind)).Add(float64(n))
}

func (m *Metrics) RetrievalFailure(kind domain.SourceKind) {
	if m == nil {
		return
	}
	m.retrievalFailures.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) JudgmentFallback(stage string) {
	if m == nil {
		return
	}
	m.judgmentFallbacks.WithLabelValues(stage).Inc()
}
