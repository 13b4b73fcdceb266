// Package metrics exposes the daemon's Prometheus gauges, counters and
// histograms: per-group task counts, scheduler tick timing, process
// lifecycle counters and client-connection gauges. Nothing in here talks to
// the network directly — internal/lifecycle mounts promhttp.Handler on the
// optional observability HTTP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GroupTasks tracks, per group and status label ("running", "paused",
	// "queued"), how many tasks currently sit in that state. Pushed once per
	// scheduler tick from state.Store.UpdateGroupGauges.
	GroupTasks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pueue_group_tasks",
			Help: "Current number of tasks per group and status",
		},
		[]string{"group", "status"},
	)

	// TasksFinished counts completed tasks by their terminal result kind
	// (Success, Failed, FailedToSpawn, Killed, Errored, DependencyFailed).
	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pueue_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal status",
		},
		[]string{"group", "result"},
	)

	// TaskDuration observes wall-clock run time (end - start) for finished
	// tasks, independent of how long they waited in queue.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pueue_task_duration_seconds",
			Help:    "Task run duration in seconds, from process start to exit",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 20), // 10ms to ~87 minutes
		},
		[]string{"group"},
	)

	// SchedulerTickDuration observes how long a single scheduler tick took,
	// which should stay comfortably under the tick interval.
	SchedulerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pueue_scheduler_tick_duration_seconds",
			Help:    "Time spent in a single scheduler tick",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 16),
		},
	)

	// ActiveConnections tracks currently connected websocket observers of
	// the observability hub (internal/hub).
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pueue_active_connections",
			Help: "Current number of open client connections",
		},
	)

	// RequestsTotal counts dispatched requests by their wire message kind
	// and outcome ("ok" or "error").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pueue_requests_total",
			Help: "Total number of client requests handled, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// SaveFailures counts state-persistence failures after backoff is
	// exhausted; any non-zero value here is cause for an emergency shutdown.
	SaveFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pueue_state_save_failures_total",
			Help: "Total number of state.json save failures after retry exhaustion",
		},
	)

	// CallbacksRun counts task-done callback invocations by launch outcome.
	CallbacksRun = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pueue_callbacks_total",
			Help: "Total number of done-callback invocations",
		},
		[]string{"outcome"},
	)
)

// SetGroupTasks records the current task count for group in the given
// status label. Called once per scheduler tick per group/status.
func SetGroupTasks(group, status string, count float64) {
	GroupTasks.WithLabelValues(group, status).Set(count)
}

// RecordTaskFinished records a task's terminal result and run duration.
func RecordTaskFinished(group, result string, durationSeconds float64) {
	TasksFinished.WithLabelValues(group, result).Inc()
	TaskDuration.WithLabelValues(group).Observe(durationSeconds)
}

// RecordSchedulerTick observes one scheduler tick's wall-clock cost.
func RecordSchedulerTick(durationSeconds float64) {
	SchedulerTickDuration.Observe(durationSeconds)
}

// SetActiveConnections sets the current open-connection gauge.
func SetActiveConnections(count float64) {
	ActiveConnections.Set(count)
}

// RecordRequest records one dispatched request by kind and outcome.
func RecordRequest(kind, outcome string) {
	RequestsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordSaveFailure increments the state-save failure counter.
func RecordSaveFailure() {
	SaveFailures.Inc()
}

// RecordCallback records one callback invocation by outcome ("ok",
// "expand_failed" or "spawn_failed").
func RecordCallback(outcome string) {
	CallbacksRun.WithLabelValues(outcome).Inc()
}
