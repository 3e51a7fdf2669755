// Package scheduler drives execution of a task set, flat or leveled, bounded
// by the worker pool's concurrency limit. Each admitted task acquires a worker,
// races the external work unit against its timeout, and releases the worker on
// every outcome. Failures re-enter the queue while retry budget remains.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/vk/taskgridgo/internal/event"
	"github.com/vk/taskgridgo/internal/metrics"
	"github.com/vk/taskgridgo/internal/task"
	"github.com/vk/taskgridgo/internal/workerpool"
)

var (
	// ErrTaskTimeout marks a failure caused by the per-task timer expiring
	// before the work unit returned. Distinct from a work-unit failure so
	// callers can tell "never responded" from "responded with an error".
	ErrTaskTimeout = errors.New("task timed out")
	// ErrRunConsumed is returned when Execute is called twice on one Run.
	ErrRunConsumed = errors.New("run already executed")
	// ErrUnknownTask is returned by Cancel for an ID outside the run.
	ErrUnknownTask = errors.New("unknown task id")
)

// Options configure run-level behaviour shared by all tasks in a run.
type Options struct {
	// DefaultTimeout bounds each task's execution unless the task carries its
	// own override. Zero means no timeout.
	DefaultTimeout time.Duration
	// RetryOnFailure re-queues failed tasks until MaxRetries is exhausted.
	RetryOnFailure bool
	MaxRetries     int
	// RetryDelay is a fixed wait before a failed task re-enters the queue.
	RetryDelay time.Duration
	// StopOnFirstError aborts a leveled run before admitting the next level
	// when the current level has any terminal failure.
	StopOnFirstError bool
}

// Scheduler owns the pool, the work unit and the observer surface. One
// scheduler can execute many runs, sequentially or concurrently, against the
// same pool.
type Scheduler struct {
	pool      *workerpool.Pool
	work      task.WorkFunc
	emitter   *event.Emitter
	collector *metrics.Collector
	opts      Options
}

// New creates a scheduler. The work unit is the opaque external operation
// every task delegates to; collector may be nil.
func New(pool *workerpool.Pool, work task.WorkFunc, collector *metrics.Collector, opts Options) (*Scheduler, error) {
	if pool == nil {
		return nil, fmt.Errorf("scheduler requires a worker pool")
	}
	if work == nil {
		return nil, fmt.Errorf("scheduler requires a work unit")
	}
	if opts.RetryOnFailure && opts.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0, got %d", opts.MaxRetries)
	}
	return &Scheduler{
		pool:      pool,
		work:      work,
		emitter:   event.New(),
		collector: collector,
		opts:      opts,
	}, nil
}

// Events exposes the scheduler's lifecycle event emitter. Handlers fire
// synchronously in registration order.
func (s *Scheduler) Events() *event.Emitter {
	return s.emitter
}

// NewRun prepares a flat run: no dependencies, admission ordered by
// descending task priority.
func (s *Scheduler) NewRun(tasks []*task.Task) (*Run, error) {
	return s.newRun(tasks, nil)
}

// NewLeveledRun prepares a run over a topological leveling, typically the
// output of depgraph.Build. Each level executes fully before the next is
// admitted.
func (s *Scheduler) NewLeveledRun(tasks []*task.Task, levels [][]string) (*Run, error) {
	if levels == nil {
		return nil, fmt.Errorf("leveled run requires levels")
	}
	return s.newRun(tasks, levels)
}

func (s *Scheduler) newRun(tasks []*task.Task, levels [][]string) (*Run, error) {
	r := &Run{
		s:       s,
		tasks:   make(map[string]*task.Task, len(tasks)),
		records: make(map[string]*task.ExecutionRecord, len(tasks)),
		cancels: make(map[string]func()),
		levels:  levels,
	}
	for _, t := range tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("task with empty id")
		}
		if _, dup := r.tasks[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		r.tasks[t.ID] = t
		r.order = append(r.order, t.ID)
		r.records[t.ID] = &task.ExecutionRecord{
			TaskID:   t.ID,
			Status:   task.StatusPending,
			WorkerID: -1,
		}
	}

	if levels == nil {
		r.levels = [][]string{append([]string(nil), r.order...)}
	} else {
		seen := make(map[string]bool, len(tasks))
		for _, level := range levels {
			for _, id := range level {
				if _, ok := r.tasks[id]; !ok {
					return nil, fmt.Errorf("level references unknown task %q", id)
				}
				if seen[id] {
					return nil, fmt.Errorf("task %q appears in more than one level", id)
				}
				seen[id] = true
			}
		}
		if len(seen) != len(tasks) {
			return nil, fmt.Errorf("levels cover %d of %d tasks", len(seen), len(tasks))
		}
		// Tasks beyond the first level wait for their level to be admitted.
		for i := 1; i < len(levels); i++ {
			for _, id := range levels[i] {
				r.records[id].Status = task.StatusWaiting
			}
		}
	}

	return r, nil
}

// timeoutFor resolves the effective timeout for one task.
func (s *Scheduler) timeoutFor(t *task.Task) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return s.opts.DefaultTimeout
}
