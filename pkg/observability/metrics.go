package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics must be global for registration
var (
	// TasksTotal tracks the total number of tasks processed
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_tasks_total",
			Help: "Total number of tasks processed",
		},
		[]string{"task", "status"}, // status: ok, retry, failed
	)

	// TaskDuration measures task execution duration in seconds
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tally_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"task", "status"},
	)

	// TasksRunning tracks the number of currently running tasks
	TasksRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tally_tasks_running",
			Help: "Number of currently running tasks",
		},
		[]string{"task"},
	)

	// TasksEnqueued counts total number of tasks enqueued
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		},
		[]string{"task", "dispatcher"}, // dispatcher: asynq, inline
	)

	// CalculationsTotal counts calculation state transitions
	CalculationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_calculations_total",
			Help: "Total number of calculation state transitions",
		},
		[]string{"kind", "state"}, // kind: row, aggregation; state: pending, ready, failed, deleted
	)

	// RowsAppended counts rows absorbed by updates
	RowsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_rows_appended_total",
			Help: "Total number of rows appended to tables",
		},
		[]string{"origin"}, // origin: client, merge, join
	)

	// AggregationUpdates counts aggregate refreshes by strategy
	AggregationUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_aggregation_updates_total",
			Help: "Total number of aggregate table refreshes",
		},
		[]string{"aggregation", "path"}, // path: save, reduce, recompute
	)

	// SummaryCacheHits tracks summary cache hits
	SummaryCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tally_summary_cache_hits_total",
			Help: "Total number of summary cache hits",
		},
	)

	// SummaryCacheMisses tracks summary cache misses
	SummaryCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tally_summary_cache_misses_total",
			Help: "Total number of summary cache misses",
		},
	)

	// QueueDepth measures number of tasks in queue
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tally_queue_depth",
			Help: "Number of tasks in queue",
		},
		[]string{"queue", "state"}, // state: pending, active, scheduled, retry
	)

	// ErrorsTotal counts total number of errors
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordTaskStart records the start of a task
func RecordTaskStart(task string) {
	TasksRunning.WithLabelValues(task).Inc()
}

// RecordTaskComplete records task completion
func RecordTaskComplete(task, status string, duration float64) {
	TasksRunning.WithLabelValues(task).Dec()
	TasksTotal.WithLabelValues(task, status).Inc()
	TaskDuration.WithLabelValues(task, status).Observe(duration)
}

// RecordTaskEnqueued records task enqueue
func RecordTaskEnqueued(task, dispatcher string) {
	TasksEnqueued.WithLabelValues(task, dispatcher).Inc()
}

// RecordCalculation records a calculation state transition
func RecordCalculation(kind, state string) {
	CalculationsTotal.WithLabelValues(kind, state).Inc()
}

// RecordRowsAppended records rows absorbed into a table
func RecordRowsAppended(origin string, count int) {
	RowsAppended.WithLabelValues(origin).Add(float64(count))
}

// RecordAggregationUpdate records an aggregate refresh
func RecordAggregationUpdate(aggregation, path string) {
	AggregationUpdates.WithLabelValues(aggregation, path).Inc()
}

// RecordSummaryCache records a summary cache lookup
func RecordSummaryCache(hit bool) {
	if hit {
		SummaryCacheHits.Inc()
		return
	}

	SummaryCacheMisses.Inc()
}

// RecordQueueDepth records task counts of a queue by state
func RecordQueueDepth(queue string, byState map[string]int) {
	for state, n := range byState {
		QueueDepth.WithLabelValues(queue, state).Set(float64(n))
	}
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
