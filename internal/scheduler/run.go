package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/vk/taskgridgo/internal/ctxlog"
	"github.com/vk/taskgridgo/internal/event"
	"github.com/vk/taskgridgo/internal/task"
)

// Run is the mutable execution state of one task set. A Run is single-use:
// Execute drives it to completion exactly once, while Cancel, CancelAll and
// Progress may be called concurrently from other goroutines.
type Run struct {
	s *Scheduler

	mu      sync.Mutex
	tasks   map[string]*task.Task
	records map[string]*task.ExecutionRecord
	order   []string
	levels  [][]string
	// cancels holds the cooperative cancellation funcs of running tasks.
	cancels map[string]func()
	// retryTimers holds pending fixed-delay retry timers, cancellable so a
	// torn-down run leaks no background work.
	retryTimers map[string]*time.Timer
	requeue     chan string

	executed      bool
	stopAdmission context.CancelFunc
	startedAt     time.Time
}

// outcome is what an execution goroutine reports back to the dispatcher.
type outcome struct {
	id string
	// retry means the task failed but re-enters the queue after RetryDelay.
	retry bool
}

// Execute runs the task set to completion and returns the report. The run
// always completes with a report: task faults become status transitions,
// never errors. Cancelling ctx stops admission and cooperatively cancels
// running work units.
func (r *Run) Execute(ctx context.Context) (*task.RunReport, error) {
	r.mu.Lock()
	if r.executed {
		r.mu.Unlock()
		return nil, ErrRunConsumed
	}
	r.executed = true
	r.startedAt = time.Now()
	admissionCtx, stop := context.WithCancel(ctx)
	r.stopAdmission = stop
	r.retryTimers = make(map[string]*time.Timer)
	r.requeue = make(chan string, len(r.tasks))
	levels := r.levels
	r.mu.Unlock()
	defer stop()

	logger := ctxlog.FromContext(ctx)
	logger.Debug("Run starting.", "tasks", len(r.tasks), "levels", len(levels))

	for i, level := range levels {
		if len(level) == 0 {
			continue
		}
		r.admitLevel(level)
		failures := r.runLevel(ctx, admissionCtx, level)

		if r.s.opts.StopOnFirstError && failures > 0 && i < len(levels)-1 {
			logger.Warn("Aborting run before next level.", "level", i, "failures", failures)
			r.cancelLevels(levels[i+1:])
			r.s.emitter.Emit(event.ExecutionCancelled, r.Progress())
			break
		}
	}

	report := r.report()
	logger.Debug("Run finished.",
		"completed", len(report.Completed),
		"failed", len(report.Failed),
		"cancelled", len(report.Cancelled),
		"duration", report.Duration,
	)
	return report, nil
}

// admitLevel moves a level's waiting tasks to pending.
func (r *Run) admitLevel(level []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range level {
		if r.records[id].Status == task.StatusWaiting {
			r.records[id].Status = task.StatusPending
		}
	}
}

// runLevel executes one level as a flat run: a ready queue ordered by
// descending priority, admission bounded by pool capacity. It returns the
// number of terminal failures in the level.
func (r *Run) runLevel(ctx, admissionCtx context.Context, level []string) int {
	q := newReadyQueue()
	for _, id := range level {
		q.add(r.tasks[id])
	}

	results := make(chan outcome, len(level))
	outstanding := len(level)
	failures := 0

	for outstanding > 0 {
		// Absorb any finished work or fired retry timers first.
		drained := true
		for drained {
			select {
			case o := <-results:
				if o.retry {
					r.scheduleRetry(o.id)
				} else {
					outstanding--
					if r.statusOf(o.id) == task.StatusFailed {
						failures++
					}
				}
			case id := <-r.requeue:
				q.add(r.tasks[id])
			default:
				drained = false
			}
		}

		if q.Len() == 0 {
			if outstanding == 0 {
				break
			}
			// Nothing admittable: block until something happens.
			select {
			case o := <-results:
				if o.retry {
					r.scheduleRetry(o.id)
				} else {
					outstanding--
					if r.statusOf(o.id) == task.StatusFailed {
						failures++
					}
				}
			case id := <-r.requeue:
				q.add(r.tasks[id])
			}
			continue
		}

		t := q.pop()
		if r.statusOf(t.ID) == task.StatusCancelled {
			// Cancelled while queued; already recorded and emitted.
			outstanding--
			continue
		}
		if admissionCtx.Err() != nil {
			r.finishCancelled(t.ID)
			outstanding--
			continue
		}

		w, err := r.s.pool.Acquire(admissionCtx)
		if err != nil {
			// Admission stopped (run cancel or pool shutdown) while waiting.
			r.finishCancelled(t.ID)
			outstanding--
			continue
		}
		if r.statusOf(t.ID) == task.StatusCancelled {
			// Cancelled while we were waiting for a worker.
			_ = r.s.pool.Release(w)
			outstanding--
			continue
		}

		r.markRunning(t.ID, w.ID)
		go r.executeTask(ctx, t, w, results)
	}

	return failures
}

// scheduleRetry arms the fixed-delay retry timer for a failed task.
func (r *Run) scheduleRetry(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delay := r.s.opts.RetryDelay
	r.retryTimers[id] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		delete(r.retryTimers, id)
		r.mu.Unlock()
		r.requeue <- id
	})
}

// Cancel cancels one task: a queued task transitions to cancelled
// immediately; a running task receives a cooperative cancellation signal and
// transitions when its work unit observes it. Terminal tasks are unaffected.
func (r *Run) Cancel(id string) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownTask
	}

	switch rec.Status {
	case task.StatusRunning:
		cancel := r.cancels[id]
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	case task.StatusPending, task.StatusWaiting:
		// A pending retry timer is stopped so the requeue happens now and the
		// dispatcher retires the task instead of re-running it.
		if timer, ok := r.retryTimers[id]; ok {
			delete(r.retryTimers, id)
			if timer.Stop() {
				r.requeue <- id
			}
		}
		rec.Status = task.StatusCancelled
		rec.EndedAt = time.Now()
		r.mu.Unlock()
		r.s.collector.TaskCancelled()
		r.s.emitter.Emit(event.TaskCancelled, rec)
	default:
		r.mu.Unlock()
	}
	return nil
}

// CancelAll stops admission of new tasks. Already-running tasks finish or
// time out naturally.
func (r *Run) CancelAll() {
	r.mu.Lock()
	stop := r.stopAdmission
	timers := r.retryTimers
	r.retryTimers = make(map[string]*time.Timer)
	r.mu.Unlock()

	for id, timer := range timers {
		if timer.Stop() {
			r.requeue <- id
		}
	}
	if stop != nil {
		stop()
	}
	r.s.emitter.Emit(event.ExecutionCancelled, r.Progress())
}

// Progress returns a point-in-time snapshot of the run.
func (r *Run) Progress() task.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[task.Status]int)
	terminal := 0
	for _, rec := range r.records {
		counts[rec.Status]++
		if rec.Status.Terminal() {
			terminal++
		}
	}

	p := task.Progress{Counts: counts, Total: len(r.records)}
	if p.Total > 0 {
		p.PercentComplete = float64(terminal) / float64(p.Total) * 100
	}
	return p
}

// Record returns the execution record for one task.
func (r *Run) Record(id string) (*task.ExecutionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

func (r *Run) statusOf(id string) task.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[id].Status
}

func (r *Run) markRunning(id string, workerID int) {
	r.mu.Lock()
	rec := r.records[id]
	rec.Status = task.StatusRunning
	rec.WorkerID = workerID
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	r.mu.Unlock()

	r.s.collector.TaskStarted()
	r.s.emitter.Emit(event.TaskStarted, rec)
}

func (r *Run) finishCancelled(id string) {
	r.mu.Lock()
	rec := r.records[id]
	if rec.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	rec.Status = task.StatusCancelled
	rec.EndedAt = time.Now()
	r.mu.Unlock()

	r.s.collector.TaskCancelled()
	r.s.emitter.Emit(event.TaskCancelled, rec)
}

// cancelLevels marks every task of the given levels cancelled; used when
// StopOnFirstError aborts a run between levels.
func (r *Run) cancelLevels(levels [][]string) {
	for _, level := range levels {
		for _, id := range level {
			r.finishCancelled(id)
		}
	}
}

// report buckets every record by terminal status, preserving input order.
func (r *Run) report() *task.RunReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := &task.RunReport{Duration: time.Since(r.startedAt)}
	for _, id := range r.order {
		rec := r.records[id]
		switch rec.Status {
		case task.StatusCompleted:
			report.Completed = append(report.Completed, rec)
		case task.StatusFailed:
			report.Failed = append(report.Failed, rec)
		default:
			// Anything non-terminal at report time was never admitted.
			report.Cancelled = append(report.Cancelled, rec)
		}
	}
	return report
}

// readyQueue is a max-heap over task priority; ties resolve in insertion
// order so equally urgent tasks keep their declared order.
type readyQueue struct {
	items   []*queued
	nextSeq int
}

type queued struct {
	t   *task.Task
	seq int
}

func newReadyQueue() *readyQueue {
	q := &readyQueue{}
	heap.Init(q)
	return q
}

func (q *readyQueue) add(t *task.Task) {
	heap.Push(q, &queued{t: t, seq: q.nextSeq})
	q.nextSeq++
}

func (q *readyQueue) pop() *task.Task {
	return heap.Pop(q).(*queued).t
}

func (q *readyQueue) Len() int { return len(q.items) }

func (q *readyQueue) Less(i, j int) bool {
	if q.items[i].t.Priority != q.items[j].t.Priority {
		return q.items[i].t.Priority > q.items[j].t.Priority
	}
	return q.items[i].seq < q.items[j].seq
}

func (q *readyQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *readyQueue) Push(x any) { q.items = append(q.items, x.(*queued)) }

func (q *readyQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}
