// Package metrics exposes the Prometheus series an oxalis worker
// process emits: pool occupancy, dispatch outcomes, and per-transport
// consumer activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PoolInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oxalis_pool_in_flight",
			Help: "Number of tasks currently executing in a pool",
		},
		[]string{"pool"},
	)

	PoolCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oxalis_pool_capacity",
			Help: "Configured concurrency limit of a pool (-1 = unbounded)",
		},
		[]string{"pool"},
	)

	ConsumingCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oxalis_consuming_count",
			Help: "Number of deliveries currently being dispatched by a transport driver",
		},
		[]string{"transport"},
	)

	TasksDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oxalis_tasks_dispatched_total",
			Help: "Total number of deliveries decoded and resolved to a registered task, counted before the pool admits them",
		},
		[]string{"transport", "task"},
	)

	TasksSucceededTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oxalis_tasks_succeeded_total",
			Help: "Total number of task executions that returned without error",
		},
		[]string{"transport", "task"},
	)

	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oxalis_tasks_failed_total",
			Help: "Total number of task executions that returned an error",
		},
		[]string{"transport", "task"},
	)

	TasksRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oxalis_tasks_rejected_total",
			Help: "Total number of deliveries rejected without dispatch (decode error, unknown task, pool rejected)",
		},
		[]string{"transport", "reason"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oxalis_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport", "task"},
	)

	HeartbeatAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "oxalis_heartbeat_age_seconds",
			Help: "Seconds since this worker process last rewrote its heartbeat file",
		},
	)
)

func init() {
	prometheus.MustRegister(PoolInFlight)
	prometheus.MustRegister(PoolCapacity)
	prometheus.MustRegister(ConsumingCount)
	prometheus.MustRegister(TasksDispatchedTotal)
	prometheus.MustRegister(TasksSucceededTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(TasksRejectedTotal)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(HeartbeatAge)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an in-flight operation for later histogram recording.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
