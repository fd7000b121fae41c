package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline-level metrics. Component-local counters live next to the code that
// increments them; these cover the orchestrator's view of documents.
var (
	DocumentsByStage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_documents_by_stage",
			Help: "Documents currently at each pipeline stage",
		},
		[]string{"stage"},
	)

	StageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_transitions_total",
			Help: "Stage transitions by source and destination stage",
		},
		[]string{"from", "to"},
	)

	StageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_failures_total",
			Help: "Stage failures by the stage that was running",
		},
		[]string{"stage"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Wall time spent in each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"stage"},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_retry_attempts_total",
			Help: "Retries of transient store failures by stage",
		},
		[]string{"stage"},
	)
)
