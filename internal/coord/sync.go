package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vk/taskgridgo/internal/bus"
	"github.com/vk/taskgridgo/internal/event"
	"github.com/vk/taskgridgo/internal/state"
)

var (
	// ErrWaitTimeout is the typed failure of WaitForCompletion.
	ErrWaitTimeout = errors.New("completion wait timed out")
	// ErrBarrierTimeout is the typed failure of Synchronize.
	ErrBarrierTimeout = errors.New("barrier timed out")
)

// barrierKeyPrefix namespaces barrier counters inside the shared store.
const barrierKeyPrefix = "barrier:"

// WaitForCompletion blocks until every named task has completed, returning
// their results in input order, or fails with ErrWaitTimeout.
func (c *Coordinator) WaitForCompletion(ctx context.Context, taskIDs []string, timeout time.Duration) ([]any, error) {
	c.mu.Lock()
	waits := make([]*assignment, 0, len(taskIDs))
	for _, id := range taskIDs {
		a, ok := c.tasks[id]
		if !ok {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %q", ErrUnknownTask, id)
		}
		waits = append(waits, a)
	}
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for _, a := range waits {
		select {
		case <-a.done:
		case <-timer.C:
			return nil, fmt.Errorf("%w: task %q still pending after %s", ErrWaitTimeout, a.taskID, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	results := make([]any, len(waits))
	for i, a := range waits {
		results[i] = a.result
	}
	return results, nil
}

// Synchronize establishes a barrier across the named workers: a shared
// arrival counter is created under a generated barrier ID, the ID is sent to
// every participant, and the call resolves once all of them have arrived.
// Participants join by calling Arrive with the received barrier ID.
func (c *Coordinator) Synchronize(ctx context.Context, workerIDs []string, timeout time.Duration) error {
	if len(workerIDs) == 0 {
		return nil
	}

	barrierID := uuid.NewString()
	key := barrierKeyPrefix + barrierID
	total := int64(len(workerIDs))

	reached := make(chan struct{})
	var reachedOnce sync.Once
	unwatch := c.store.Watch(key, func(ch state.Change) {
		if n, ok := ch.Value.(int64); ok && n >= total {
			reachedOnce.Do(func() { close(reached) })
		}
	})
	defer unwatch()
	defer c.store.Delete(key)

	err := c.bus.Send(&bus.Message{
		From:    "coordinator",
		To:      workerIDs,
		Type:    "barrier:open",
		Payload: barrierID,
	})
	if err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-reached:
		return nil
	case <-timer.C:
		arrived, _ := c.store.Get(key)
		return fmt.Errorf("%w: %v of %d arrived within %s", ErrBarrierTimeout, arrived, total, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Arrive marks one participant's arrival at a barrier.
func (c *Coordinator) Arrive(barrierID string) error {
	_, err := c.store.Increment(barrierKeyPrefix+barrierID, 1)
	return err
}

// DeadlockReport names the participants of one detected wait cycle. The
// chain lists the workers in dependency order; each waits on a resource held
// by the next, and the last waits on the first.
type DeadlockReport struct {
	Workers   []string
	Resources []string
	Chain     []string
}

// RecordResourceDependency records that the worker is blocked waiting on the
// resource key. A worker waits on at most one resource at a time.
func (c *Coordinator) RecordResourceDependency(workerID, resourceKey string) {
	c.mu.Lock()
	c.waitFor[workerID] = resourceKey
	c.mu.Unlock()
}

// ClearResourceDependency removes the worker's recorded wait, normally after
// the lock was granted or abandoned.
func (c *Coordinator) ClearResourceDependency(workerID string) {
	c.mu.Lock()
	delete(c.waitFor, workerID)
	c.mu.Unlock()
}

// DetectDeadlock builds the wait-for graph from recorded resource waits plus
// the store's current lock holders and searches it for a cycle. Detection is
// advisory: a found cycle is reported and emitted, never resolved.
func (c *Coordinator) DetectDeadlock() *DeadlockReport {
	c.mu.Lock()
	waits := make(map[string]string, len(c.waitFor))
	for worker, resource := range c.waitFor {
		waits[worker] = resource
	}
	c.mu.Unlock()

	// edges[A] = B means A waits on a resource B holds.
	edges := make(map[string]string, len(waits))
	for worker, resource := range waits {
		holder, held := c.store.Holder(resource)
		if held && holder != worker {
			edges[worker] = holder
		}
	}

	report := findCycle(edges, waits)
	if report != nil {
		c.emitter.Emit(event.DeadlockDetected, report)
	}
	return report
}

func findCycle(edges map[string]string, waits map[string]string) *DeadlockReport {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	states := make(map[string]int, len(edges))

	for start := range edges {
		if states[start] != unvisited {
			continue
		}
		var stack []string
		node := start
		for {
			if states[node] == inStack {
				// Trim the tail that leads into the cycle.
				for i, w := range stack {
					if w == node {
						return buildReport(stack[i:], waits)
					}
				}
			}
			if states[node] == done {
				break
			}
			states[node] = inStack
			stack = append(stack, node)
			next, ok := edges[node]
			if !ok {
				break
			}
			node = next
		}
		for _, w := range stack {
			states[w] = done
		}
	}
	return nil
}

func buildReport(chain []string, waits map[string]string) *DeadlockReport {
	report := &DeadlockReport{Chain: chain}
	seen := make(map[string]bool, len(chain))
	for _, worker := range chain {
		report.Workers = append(report.Workers, worker)
		if resource, ok := waits[worker]; ok && !seen[resource] {
			seen[resource] = true
			report.Resources = append(report.Resources, resource)
		}
	}
	return report
}
