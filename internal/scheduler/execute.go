package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vk/taskgridgo/internal/ctxlog"
	"github.com/vk/taskgridgo/internal/event"
	"github.com/vk/taskgridgo/internal/task"
	"github.com/vk/taskgridgo/internal/workerpool"
)

// executeTask runs one task on an acquired worker: it races the work unit
// against the task's timeout, converts every fault into a status transition,
// and always releases the worker. The outcome (terminal or retry) is reported
// back to the dispatcher through results.
func (r *Run) executeTask(ctx context.Context, t *task.Task, w *workerpool.Worker, results chan<- outcome) {
	logger := ctxlog.FromContext(ctx).With("taskID", t.ID, "workerID", w.ID)

	timeout := r.s.timeoutFor(t)
	var taskCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}

	cancelRequested := make(chan struct{})
	r.mu.Lock()
	r.cancels[t.ID] = func() {
		close(cancelRequested)
		cancel()
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.cancels, t.ID)
		r.mu.Unlock()
		cancel()
		if err := r.s.pool.Release(w); err != nil {
			logger.Error("Worker release failed.", "error", err)
		}
	}()

	workResult := make(chan struct {
		out any
		err error
	}, 1)
	go func() {
		defer func() {
			// An uncaught fault in the work unit is a task failure, never a
			// crash of the run.
			if rec := recover(); rec != nil {
				workResult <- struct {
					out any
					err error
				}{nil, fmt.Errorf("work unit panicked: %v", rec)}
			}
		}()
		out, err := r.s.work(taskCtx, t)
		workResult <- struct {
			out any
			err error
		}{out, err}
	}()

	select {
	case res := <-workResult:
		if wasCancelRequested(cancelRequested) {
			logger.Debug("Task cancelled while running.")
			r.finishCancelled(t.ID)
			results <- outcome{id: t.ID}
			return
		}
		if res.err != nil {
			r.finishFailure(ctx, t, res.err, results)
			return
		}
		r.finishCompleted(t, res.out)
		results <- outcome{id: t.ID}

	case <-taskCtx.Done():
		if wasCancelRequested(cancelRequested) {
			logger.Debug("Task cancelled while running.")
			r.finishCancelled(t.ID)
			results <- outcome{id: t.ID}
			return
		}
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			err := fmt.Errorf("%w after %s", ErrTaskTimeout, timeout)
			logger.Warn("Task timed out.", "timeout", timeout)
			r.finishFailure(ctx, t, err, results)
			return
		}
		// The surrounding context was cancelled out from under the run.
		r.finishCancelled(t.ID)
		results <- outcome{id: t.ID}
	}
}

func wasCancelRequested(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// finishFailure records a failure and decides between retry and terminal
// failure. Timeouts are retried like any other failure.
func (r *Run) finishFailure(ctx context.Context, t *task.Task, err error, results chan<- outcome) {
	logger := ctxlog.FromContext(ctx)

	r.mu.Lock()
	rec := r.records[t.ID]
	rec.Err = err

	if r.s.opts.RetryOnFailure && rec.RetryCount < r.s.opts.MaxRetries {
		rec.RetryCount++
		rec.Status = task.StatusPending
		r.mu.Unlock()

		logger.Debug("Task failed, retrying.", "taskID", t.ID, "attempt", rec.RetryCount, "error", err)
		r.s.collector.TaskRetried()
		r.s.emitter.Emit(event.TaskRetry, rec)
		results <- outcome{id: t.ID, retry: true}
		return
	}

	rec.Status = task.StatusFailed
	rec.EndedAt = time.Now()
	r.mu.Unlock()

	logger.Debug("Task failed terminally.", "taskID", t.ID, "error", err)
	r.s.collector.TaskFailed()
	r.s.emitter.Emit(event.TaskFailed, rec)
	results <- outcome{id: t.ID}
}

func (r *Run) finishCompleted(t *task.Task, out any) {
	r.mu.Lock()
	rec := r.records[t.ID]
	rec.Status = task.StatusCompleted
	rec.Output = out
	rec.EndedAt = time.Now()
	r.mu.Unlock()

	r.s.collector.TaskCompleted(rec.Duration().Seconds())
	r.s.emitter.Emit(event.TaskCompleted, rec)
}
