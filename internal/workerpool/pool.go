// Package workerpool provides a fixed-size, resizable pool of reusable worker
// handles. Acquire suspends the caller when the pool is exhausted; waiters are
// served strictly first-in first-out by subsequent releases.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vk/taskgridgo/internal/ctxlog"
	"github.com/vk/taskgridgo/internal/metrics"
)

var (
	// ErrPoolClosed is returned by Acquire once Shutdown has started, and by
	// any operation on a pool that has finished shutting down.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrInvalidWorker is returned by Release for a handle the pool does not
	// currently consider busy.
	ErrInvalidWorker = errors.New("invalid worker handle")
)

// Worker is a reusable execution handle. Handles are created by the pool and
// exclusively owned by one caller between Acquire and Release.
type Worker struct {
	ID       int
	LastUsed time.Time

	busy bool
}

// Status is a point-in-time snapshot of pool occupancy.
type Status struct {
	Total     int
	Available int
	Busy      int
	Waiting   int
}

// waiter is a queued Acquire call. The grant channel is buffered so a
// releasing goroutine never blocks handing over a worker.
type waiter struct {
	grant chan *Worker
}

// Pool manages the worker free list and the FIFO wait queue. All state is
// guarded by a single mutex; grants are handed to waiters through per-waiter
// channels so Release never blocks.
type Pool struct {
	mu            sync.Mutex
	workers       map[int]*Worker
	freeList      []*Worker
	waiters       []*waiter
	nextID        int
	closed        bool
	stopCh        chan struct{}
	idleCh        chan struct{}
	pendingShrink int

	collector *metrics.Collector
}

// New creates a pool with size idle workers. Size must be positive.
func New(size int, collector *metrics.Collector) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	p := &Pool{
		workers:   make(map[int]*Worker, size),
		stopCh:    make(chan struct{}),
		idleCh:    make(chan struct{}, 1),
		collector: collector,
	}
	for i := 0; i < size; i++ {
		p.addWorkerLocked()
	}
	return p, nil
}

// addWorkerLocked creates one idle worker. Callers hold p.mu (or have
// exclusive access during construction).
func (p *Pool) addWorkerLocked() {
	w := &Worker{ID: p.nextID}
	p.nextID++
	p.workers[w.ID] = w
	p.freeList = append(p.freeList, w)
}

// Acquire returns an exclusive worker handle, suspending the caller while the
// pool is exhausted. It fails with ErrPoolClosed once shutdown starts and
// with ctx.Err() if the context expires first; either way the queued waiter
// entry is removed, never leaked.
func (p *Pool) Acquire(ctx context.Context) (*Worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if n := len(p.freeList); n > 0 {
		w := p.freeList[0]
		p.freeList = p.freeList[1:]
		w.busy = true
		p.updateGauges()
		p.mu.Unlock()
		return w, nil
	}

	wt := &waiter{grant: make(chan *Worker, 1)}
	p.waiters = append(p.waiters, wt)
	p.updateGauges()
	p.mu.Unlock()

	select {
	case w := <-wt.grant:
		return w, nil
	case <-ctx.Done():
		p.abandonWaiter(wt)
		return nil, ctx.Err()
	case <-p.stopCh:
		p.abandonWaiter(wt)
		return nil, ErrPoolClosed
	}
}

// abandonWaiter removes a cancelled waiter from the queue. A release may have
// granted a worker concurrently; if so, the worker is put back.
func (p *Pool) abandonWaiter(wt *waiter) {
	p.mu.Lock()
	for i, cand := range p.waiters {
		if cand == wt {
			p.waiters = append(p.waiters[:i:i], p.waiters[i+1:]...)
			p.updateGauges()
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	// Not in the queue anymore: a grant raced the cancellation.
	select {
	case w := <-wt.grant:
		_ = p.Release(w)
	default:
	}
}

// Release returns a worker to the pool. The next queued waiter (if any)
// receives it directly; otherwise it rejoins the free list, unless a pending
// shrink consumes it.
func (p *Pool) Release(w *Worker) error {
	if w == nil {
		return ErrInvalidWorker
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current, ok := p.workers[w.ID]
	if !ok || current != w || !w.busy {
		return ErrInvalidWorker
	}

	w.busy = false
	w.LastUsed = time.Now()

	// Deferred shrink: retire the worker instead of recycling it.
	if p.pendingShrink > 0 {
		p.pendingShrink--
		delete(p.workers, w.ID)
		p.updateGauges()
		p.signalIdle()
		return nil
	}

	if len(p.waiters) > 0 {
		next := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.busy = true
		next.grant <- w
		p.updateGauges()
		return nil
	}

	p.freeList = append(p.freeList, w)
	p.updateGauges()
	p.signalIdle()
	return nil
}

// Resize changes the pool size to n. Growing appends idle workers. Shrinking
// removes idle workers immediately and never preempts a busy one: the
// remainder is recorded and paid down as busy workers are released.
func (p *Pool) Resize(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("pool size must be positive, got %d", n)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	logger := ctxlog.FromContext(ctx)
	current := len(p.workers) - p.pendingShrink

	switch {
	case n > current:
		// Cancel shrink debt first, then add fresh workers.
		grow := n - current
		cancelled := min(grow, p.pendingShrink)
		p.pendingShrink -= cancelled
		for i := 0; i < grow-cancelled; i++ {
			p.addWorkerLocked()
		}
		logger.Debug("Pool grown.", "target", n, "added", grow-cancelled)
		// New idle workers can serve queued waiters.
		for len(p.waiters) > 0 && len(p.freeList) > 0 {
			wt := p.waiters[0]
			p.waiters = p.waiters[1:]
			w := p.freeList[0]
			p.freeList = p.freeList[1:]
			w.busy = true
			wt.grant <- w
		}
	case n < current:
		shrink := current - n
		removed := 0
		for removed < shrink && len(p.freeList) > 0 {
			w := p.freeList[len(p.freeList)-1]
			p.freeList = p.freeList[:len(p.freeList)-1]
			delete(p.workers, w.ID)
			removed++
		}
		p.pendingShrink += shrink - removed
		logger.Debug("Pool shrunk.", "target", n, "removed", removed, "deferred", shrink-removed)
	}

	p.updateGauges()
	return nil
}

// Shutdown drains the pool: queued waiters fail immediately with
// ErrPoolClosed, busy workers are waited for until released or ctx expires,
// then all state is cleared. Further operations return ErrPoolClosed.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.closed = true
	close(p.stopCh)
	// Waiters observe stopCh and remove themselves; dropping the queue here
	// keeps Release from granting to a doomed waiter.
	p.waiters = nil
	p.mu.Unlock()

	logger := ctxlog.FromContext(ctx)
	logger.Debug("Pool shutdown started, draining busy workers.")

	for {
		p.mu.Lock()
		busy := p.busyLocked()
		if busy == 0 {
			p.workers = make(map[int]*Worker)
			p.freeList = nil
			p.updateGauges()
			p.mu.Unlock()
			logger.Debug("Pool shutdown complete.")
			return nil
		}
		p.mu.Unlock()

		select {
		case <-p.idleCh:
		case <-ctx.Done():
			return fmt.Errorf("pool shutdown interrupted with %d workers busy: %w", busy, ctx.Err())
		}
	}
}

// Status reports pool occupancy.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Total:     len(p.workers),
		Available: len(p.freeList),
		Busy:      p.busyLocked(),
		Waiting:   len(p.waiters),
	}
}

func (p *Pool) busyLocked() int {
	busy := 0
	for _, w := range p.workers {
		if w.busy {
			busy++
		}
	}
	return busy
}

// signalIdle wakes a Shutdown call waiting for busy workers to drain.
func (p *Pool) signalIdle() {
	select {
	case p.idleCh <- struct{}{}:
	default:
	}
}

func (p *Pool) updateGauges() {
	p.collector.SetWorkersBusy(p.busyLocked())
	p.collector.SetWorkersWaiting(len(p.waiters))
}
