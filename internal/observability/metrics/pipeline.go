// Package metrics provides custom Prometheus metrics for the annotation
// pipeline.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics contains all Prometheus metrics related to batch
// annotation runs.
type PipelineMetrics struct {
	DecisionsTotal      *prometheus.CounterVec
	InferenceErrors     *prometheus.CounterVec
	ProvenanceConflicts prometheus.Counter
	ReviewTasksCreated  prometheus.Counter

	BatchDuration prometheus.Histogram
	ScoreDuration *prometheus.HistogramVec

	ImagesProcessed prometheus.Counter
	ImagesFailed    prometheus.Counter

	registry *prometheus.Registry
}

// NewPipelineMetrics creates a new instance of PipelineMetrics registered
// against the given registry.
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() {
	m.DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartag_decisions_total",
			Help: "Category decisions partitioned by category and outcome.",
		},
		[]string{"category", "outcome"},
	)
	m.InferenceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cartag_inference_errors_total",
			Help: "Scorer failures partitioned by category.",
		},
		[]string{"category"},
	)
	m.ProvenanceConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cartag_provenance_conflicts_total",
			Help: "Auto writes rejected because a manual label holds the slot.",
		},
	)
	m.ReviewTasksCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cartag_review_tasks_created_total",
			Help: "Review tasks created for uncertain images.",
		},
	)
	m.BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cartag_batch_duration_seconds",
			Help:    "Wall time of one batch annotation run.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)
	m.ScoreDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cartag_score_duration_seconds",
			Help:    "Time taken to score one (image, category) pair.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"category"},
	)
	m.ImagesProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cartag_images_processed_total",
			Help: "Images fully processed by the pipeline.",
		},
	)
	m.ImagesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cartag_images_failed_total",
			Help: "Images whose processing failed outright.",
		},
	)
}

// RecordDecision increments the decision counter for a category outcome.
func (m *PipelineMetrics) RecordDecision(category, outcome string) {
	m.DecisionsTotal.WithLabelValues(category, outcome).Inc()
}

// RecordInferenceError counts one scorer failure for the category.
func (m *PipelineMetrics) RecordInferenceError(category string) {
	m.InferenceErrors.WithLabelValues(category).Inc()
}

// RecordScore observes the scoring latency for one category call.
func (m *PipelineMetrics) RecordScore(category string, durationSeconds float64) {
	m.ScoreDuration.WithLabelValues(category).Observe(durationSeconds)
}

// RecordBatch observes the wall time of a completed batch.
func (m *PipelineMetrics) RecordBatch(durationSeconds float64) {
	m.BatchDuration.Observe(durationSeconds)
}

// Describe implements the prometheus.Collector interface.
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.DecisionsTotal.Describe(ch)
	m.InferenceErrors.Describe(ch)
	m.ProvenanceConflicts.Describe(ch)
	m.ReviewTasksCreated.Describe(ch)
	m.BatchDuration.Describe(ch)
	m.ScoreDuration.Describe(ch)
	m.ImagesProcessed.Describe(ch)
	m.ImagesFailed.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.DecisionsTotal.Collect(ch)
	m.InferenceErrors.Collect(ch)
	m.ProvenanceConflicts.Collect(ch)
	m.ReviewTasksCreated.Collect(ch)
	m.BatchDuration.Collect(ch)
	m.ScoreDuration.Collect(ch)
	m.ImagesProcessed.Collect(ch)
	m.ImagesFailed.Collect(ch)
}
