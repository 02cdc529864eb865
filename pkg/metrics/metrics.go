package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warren_workers_total",
			Help: "Total number of workers by status",
		},
		[]string{"status"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warren_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	PendingQuestionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_pending_questions_total",
			Help: "Total number of unresolved pending questions",
		},
	)

	// Scheduler metrics
	TaskDispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warren_task_dispatch_latency_seconds",
			Help:    "Time taken to select and dispatch a task to a worker",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_tasks_dispatched_total",
			Help: "Total number of tasks dispatched to workers",
		},
	)

	TasksRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warren_tasks_rejected_total",
			Help: "Total number of tasks rejected by reason",
		},
		[]string{"reason"},
	)

	TasksRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_tasks_requeued_total",
			Help: "Total number of tasks re-queued after a missed ack or worker death",
		},
	)

	TasksFailedWorkerLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_tasks_failed_worker_lost_total",
			Help: "Total number of tasks escalated to failed with reason worker_lost",
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warren_reconciliation_duration_seconds",
			Help:    "Time taken for a registry reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	WorkersMarkedUnresponsive = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_workers_unresponsive_total",
			Help: "Total number of workers marked unresponsive by the reconciler",
		},
	)

	// Ingestor metrics
	MalformedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warren_malformed_messages_total",
			Help: "Total number of malformed bus messages dropped by subject",
		},
		[]string{"subject"},
	)

	DurableWritesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_durable_writes_dropped_total",
			Help: "Total number of durable writes dropped because the store write failed or timed out (writes are not buffered)",
		},
	)

	IngestionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warren_ingestion_latency_seconds",
			Help:    "Time taken to process one ingested bus message by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// RPC broker metrics
	PendingRPCResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warren_pending_rpc_resolved_total",
			Help: "Total number of pending RPCs resolved by resolution kind",
		},
		[]string{"kind", "resolution"},
	)

	// Worker-side metrics
	ActiveTasksGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_worker_active_tasks",
			Help: "Number of tasks currently executing on this worker",
		},
	)

	TaskExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warren_task_execution_duration_seconds",
			Help:    "Task execution duration in seconds by outcome",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		WorkersTotal,
		TasksTotal,
		PendingQuestionsTotal,
		TaskDispatchLatency,
		TasksDispatched,
		TasksRejected,
		TasksRequeued,
		TasksFailedWorkerLost,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		WorkersMarkedUnresponsive,
		MalformedMessagesTotal,
		DurableWritesDroppedTotal,
		IngestionLatency,
		PendingRPCResolved,
		ActiveTasksGauge,
		TaskExecutionDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
