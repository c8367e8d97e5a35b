// Package metrics defines the Prometheus collectors for the ingestion and
// retrieval pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	DocumentsProcessed *prometheus.CounterVec
	ChunksStored       prometheus.Counter
	EnrichmentDegraded *prometheus.CounterVec
	SearchRequests     *prometheus.CounterVec
	RerankFailures     prometheus.Counter
	InsightBundles     *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DocumentsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "documents_processed_total",
				Help: "Documents run through ingestion by final status.",
			},
			[]string{"status"},
		),
		ChunksStored: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chunks_stored_total",
				Help: "Chunks written to the chunk store.",
			},
		),
		EnrichmentDegraded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enrichment_degraded_total",
				Help: "Metadata enrichment sub-operations that fell back to a default.",
			},
			[]string{"op"},
		),
		SearchRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_requests_total",
				Help: "Hybrid searches by retrieval path (vector, keyword, error).",
			},
			[]string{"path"},
		),
		RerankFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rerank_failures_total",
				Help: "Rerank attempts that failed open to similarity order.",
			},
		),
		InsightBundles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "insight_bundles_total",
				Help: "Insight extraction runs by status.",
			},
			[]string{"status"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_duration_seconds",
				Help:    "Latency of pipeline stages in seconds.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),
	}

	reg.MustRegister(
		m.DocumentsProcessed,
		m.ChunksStored,
		m.EnrichmentDegraded,
		m.SearchRequests,
		m.RerankFailures,
		m.InsightBundles,
		m.StageDuration,
	)
	return m
}

func (m *Metrics) DocumentProcessed(status string) {
	if m == nil {
		return
	}
	m.DocumentsProcessed.WithLabelValues(status).Inc()
}

func (m *Metrics) StoredChunks(n int) {
	if m == nil {
		return
	}
	m.ChunksStored.Add(float64(n))
}

func (m *Metrics) Degraded(op string) {
	if m == nil {
		return
	}
	m.EnrichmentDegraded.WithLabelValues(op).Inc()
}

func (m *Metrics) Searched(path string) {
	if m == nil {
		return
	}
	m.SearchRequests.WithLabelValues(path).Inc()
}

func (m *Metrics) RerankFailed() {
	if m == nil {
		return
	}
	m.RerankFailures.Inc()
}

func (m *Metrics) InsightBundle(status string) {
	if m == nil {
		return
	}
	m.InsightBundles.WithLabelValues(status).Inc()
}

// ObserveStage records the time since start for stage.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus scrape HTTP handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
