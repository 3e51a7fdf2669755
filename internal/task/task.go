// Package task defines the shared vocabulary of the orchestration core: the
// schedulable Task, its mutable ExecutionRecord, and the run-level report
// types exchanged between the dependency graph, the scheduler and callers.
package task

import (
	"context"
	"time"
)

// Status is the lifecycle state of a task within one run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusWaiting   Status = "waiting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a task in this status can still transition.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is a caller-constructed unit of schedulable work. It is read-only to
// the scheduler; all mutable run-time state lives in the ExecutionRecord.
type Task struct {
	// ID must be unique within one run.
	ID string
	// Type selects the work unit implementation in the embedding system.
	Type string
	// Payload is opaque to the core and handed to the work unit unchanged.
	Payload map[string]any
	// Priority orders admission within a level. Higher runs first.
	Priority int
	// DependsOn lists task IDs that must complete before this task starts.
	DependsOn []string
	// Timeout overrides the run-level default when > 0.
	Timeout time.Duration
}

// WorkFunc is the opaque external work unit a task delegates to. It must
// observe ctx for cooperative cancellation and timeout.
type WorkFunc func(ctx context.Context, t *Task) (any, error)

// ExecutionRecord tracks the mutable run-time state of one task. Records are
// created at schedule time and discarded with the run.
type ExecutionRecord struct {
	TaskID     string
	Status     Status
	StartedAt  time.Time
	EndedAt    time.Time
	RetryCount int
	WorkerID   int
	Output     any
	Err        error
}

// Duration returns how long the task ran, or 0 if it never started.
func (r *ExecutionRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// RunReport aggregates the outcome of one scheduler run. Nothing is silently
// dropped: every scheduled task appears in exactly one of the three lists.
type RunReport struct {
	Completed []*ExecutionRecord
	Failed    []*ExecutionRecord
	Cancelled []*ExecutionRecord
	Duration  time.Duration
}

// SuccessRate returns the completed fraction in [0, 1]. An empty run counts
// as fully successful.
func (r *RunReport) SuccessRate() float64 {
	total := len(r.Completed) + len(r.Failed) + len(r.Cancelled)
	if total == 0 {
		return 1
	}
	return float64(len(r.Completed)) / float64(total)
}

// Progress is a point-in-time snapshot of a run.
type Progress struct {
	Counts          map[Status]int
	Total           int
	PercentComplete float64
}
