// Package metrics exposes prometheus instrumentation for the orchestration
// core. A single Collector is shared by the scheduler, the worker pool, the
// message bus and the state store; a nil *Collector is a valid no-op so
// library components can be used without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the metric families for one orchestration instance.
type Collector struct {
	registry *prometheus.Registry

	tasksStarted   prometheus.Counter
	tasksCompleted prometheus.Counter
	tasksFailed    prometheus.Counter
	tasksRetried   prometheus.Counter
	tasksCancelled prometheus.Counter
	taskDuration   prometheus.Histogram

	workersBusy    prometheus.Gauge
	workersWaiting prometheus.Gauge

	busQueued   prometheus.Gauge
	locksActive prometheus.Gauge
}

// NewCollector builds a Collector backed by its own registry, so multiple
// instances can coexist in one process (and in tests).
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskgrid_tasks_started_total",
			Help: "Total number of task executions started",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskgrid_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskgrid_tasks_failed_total",
			Help: "Total number of terminally failed tasks",
		}),
		tasksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskgrid_tasks_retried_total",
			Help: "Total number of task retry attempts",
		}),
		tasksCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskgrid_tasks_cancelled_total",
			Help: "Total number of cancelled tasks",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskgrid_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskgrid_workers_busy",
			Help: "Current number of busy workers in the pool",
		}),
		workersWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskgrid_workers_waiting",
			Help: "Current number of callers waiting for a worker",
		}),
		busQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskgrid_bus_queued_messages",
			Help: "Current number of messages queued across all mailboxes",
		}),
		locksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskgrid_locks_active",
			Help: "Current number of held advisory locks",
		}),
	}

	c.registry.MustRegister(
		c.tasksStarted, c.tasksCompleted, c.tasksFailed, c.tasksRetried,
		c.tasksCancelled, c.taskDuration, c.workersBusy, c.workersWaiting,
		c.busQueued, c.locksActive,
	)
	return c
}

// Handler returns the promhttp handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) TaskStarted() {
	if c != nil {
		c.tasksStarted.Inc()
	}
}

func (c *Collector) TaskCompleted(durationSeconds float64) {
	if c != nil {
		c.tasksCompleted.Inc()
		c.taskDuration.Observe(durationSeconds)
	}
}

func (c *Collector) TaskFailed() {
	if c != nil {
		c.tasksFailed.Inc()
	}
}

func (c *Collector) TaskRetried() {
	if c != nil {
		c.tasksRetried.Inc()
	}
}

func (c *Collector) TaskCancelled() {
	if c != nil {
		c.tasksCancelled.Inc()
	}
}

func (c *Collector) SetWorkersBusy(n int) {
	if c != nil {
		c.workersBusy.Set(float64(n))
	}
}

func (c *Collector) SetWorkersWaiting(n int) {
	if c != nil {
		c.workersWaiting.Set(float64(n))
	}
}

func (c *Collector) SetBusQueued(n int) {
	if c != nil {
		c.busQueued.Set(float64(n))
	}
}

func (c *Collector) SetLocksActive(n int) {
	if c != nil {
		c.locksActive.Set(float64(n))
	}
}
