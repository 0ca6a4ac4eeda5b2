package pipeline

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TargetLabel is the label that carries a target id on per-target series.
const TargetLabel = "target"

var (
	jobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queryinsight",
			Subsystem: "pipeline",
			Name:      "job_runs_total",
			Help:      "Job executions by outcome (ok, error, skipped, panic).",
		},
		[]string{"job", "outcome"},
	)
	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "queryinsight",
			Subsystem: "pipeline",
			Name:      "job_duration_seconds",
			Help:      "Wall time of one job execution across all targets.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"job"},
	)
	targetFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queryinsight",
			Subsystem: "pipeline",
			Name:      "target_failures_total",
			Help:      "Per-target job failures; the job itself continues.",
		},
		[]string{"job", TargetLabel},
	)
	recordsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queryinsight",
			Subsystem: "pipeline",
			Name:      "records_written_total",
			Help:      "Query records and table snapshots written, by job.",
		},
		[]string{"job", TargetLabel},
	)
	criticalEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queryinsight",
			Subsystem: "alerts",
			Name:      "critical_events_total",
			Help:      "Critical query events appended.",
		},
		[]string{TargetLabel},
	)
	notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queryinsight",
			Subsystem: "alerts",
			Name:      "notifications_total",
			Help:      "Alert dispatches by outcome (sent, failed, suppressed).",
		},
		[]string{"outcome"},
	)
	suggestionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queryinsight",
			Subsystem: "suggestions",
			Name:      "runs_total",
			Help:      "Per-target synthesis results (parsed, fallback, skipped, error).",
		},
		[]string{"kind"},
	)
)

func targetLabel(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
