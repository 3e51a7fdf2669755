// Package coord coordinates loosely-coupled workers on top of the message
// bus and the shared state store: capability registration, load-balanced task
// assignment, barrier synchronization and advisory deadlock detection.
package coord

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/vk/taskgridgo/internal/bus"
	"github.com/vk/taskgridgo/internal/event"
	"github.com/vk/taskgridgo/internal/state"
	"github.com/vk/taskgridgo/internal/task"
)

var (
	// ErrNoWorker is raised synchronously when no registered worker passes
	// the eligibility filter; assignment is never queued or retried.
	ErrNoWorker = errors.New("no suitable worker available")
	// ErrUnknownWorker rejects operations naming an unregistered worker.
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrUnknownTask rejects completion or waiting on a task never assigned.
	ErrUnknownTask = errors.New("unknown task")
)

// AgentStatus is the liveness state of a registered worker.
type AgentStatus string

const (
	StatusIdle    AgentStatus = "idle"
	StatusBusy    AgentStatus = "busy"
	StatusOffline AgentStatus = "offline"
)

// WorkerCapability describes one registered cooperating worker.
type WorkerCapability struct {
	ID                 string
	Type               string
	Capabilities       []string
	Load               int
	MaxConcurrentTasks int
	Status             AgentStatus
	LastHeartbeat      time.Time
}

// loadRatio is the worker's load relative to its capacity.
func (w *WorkerCapability) loadRatio() float64 {
	if w.MaxConcurrentTasks <= 0 {
		return 1
	}
	return float64(w.Load) / float64(w.MaxConcurrentTasks)
}

// Strategy selects how AssignTask picks among eligible workers. The set is
// closed; there is no external strategy registration.
type Strategy int

const (
	// LeastBusy picks the worker with the lowest load ratio.
	LeastBusy Strategy = iota
	// RoundRobin rotates an index over the eligible candidates.
	RoundRobin
	// Random picks uniformly among eligible candidates.
	Random
	// CapabilityMatch maximizes overlap between requested and declared
	// capability tags.
	CapabilityMatch
)

// Criteria parameterizes one assignment call.
type Criteria struct {
	Strategy Strategy
	// Capabilities are the requested tags for CapabilityMatch; other
	// strategies ignore them.
	Capabilities []string
}

// Stats is a point-in-time snapshot of the coordinator.
type Stats struct {
	TotalAgents    int
	ActiveAgents   int
	TotalTasks     int
	CompletedTasks int
	AverageLoad    float64
}

// Options tune the heartbeat sweep. Zero values select defaults.
type Options struct {
	// HeartbeatTimeout is how long a worker may stay silent before the sweep
	// marks it offline.
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
}

const (
	defaultHeartbeatTimeout = 30 * time.Second
	defaultSweepInterval    = 5 * time.Second
)

type assignment struct {
	taskID   string
	workerID string
	done     chan struct{}
	result   any
}

// Coordinator tracks registered workers and brokers work between them.
type Coordinator struct {
	bus   *bus.Bus
	store *state.Store

	mu      sync.Mutex
	agents  map[string]*WorkerCapability
	order   []string
	rrIndex int
	tasks   map[string]*assignment
	// waitFor maps a worker to the resource key it is blocked on; together
	// with current lock holders this is the wait-for graph.
	waitFor   map[string]string
	assigned  int
	completed int

	heartbeatTimeout time.Duration
	stopSweep        chan struct{}
	sweepOnce        sync.Once

	emitter *event.Emitter
}

// New creates a coordinator over the given bus and store and starts its
// heartbeat sweep. Close stops the sweep.
func New(b *bus.Bus, s *state.Store, opts Options) *Coordinator {
	timeout := opts.HeartbeatTimeout
	if timeout <= 0 {
		timeout = defaultHeartbeatTimeout
	}
	interval := opts.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	c := &Coordinator{
		bus:              b,
		store:            s,
		agents:           make(map[string]*WorkerCapability),
		tasks:            make(map[string]*assignment),
		waitFor:          make(map[string]string),
		heartbeatTimeout: timeout,
		stopSweep:        make(chan struct{}),
		emitter:          event.New(),
	}
	go c.sweepLoop(interval)
	return c
}

// Events exposes the coordinator's event emitter.
func (c *Coordinator) Events() *event.Emitter {
	return c.emitter
}

// Close stops the heartbeat sweep.
func (c *Coordinator) Close() {
	c.sweepOnce.Do(func() { close(c.stopSweep) })
}

// RegisterWorker adds a worker and gives it a bus mailbox. Re-registering an
// existing ID replaces its declaration but keeps its position in round-robin
// order.
func (c *Coordinator) RegisterWorker(w WorkerCapability) error {
	if w.ID == "" {
		return fmt.Errorf("worker id must not be empty")
	}
	if w.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("worker %q must accept at least one task", w.ID)
	}
	if err := c.bus.Subscribe(w.ID, nil, nil); err != nil {
		return err
	}

	w.Status = StatusIdle
	w.LastHeartbeat = time.Now()

	c.mu.Lock()
	if _, ok := c.agents[w.ID]; !ok {
		c.order = append(c.order, w.ID)
	}
	c.agents[w.ID] = &w
	c.mu.Unlock()

	c.emitter.Emit(event.AgentRegistered, &w)
	return nil
}

// UnregisterWorker removes a worker and its mailbox.
func (c *Coordinator) UnregisterWorker(id string) error {
	c.mu.Lock()
	w, ok := c.agents[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownWorker, id)
	}
	delete(c.agents, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i:i], c.order[i+1:]...)
			break
		}
	}
	delete(c.waitFor, id)
	c.mu.Unlock()

	c.bus.Unsubscribe(id)
	c.emitter.Emit(event.AgentUnregistered, w)
	return nil
}

// Heartbeat refreshes a worker's liveness. An offline worker returns to idle.
func (c *Coordinator) Heartbeat(id string) error {
	c.mu.Lock()
	w, ok := c.agents[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownWorker, id)
	}
	w.LastHeartbeat = time.Now()
	if w.Status == StatusOffline {
		w.Status = statusForLoad(w)
	}
	c.mu.Unlock()

	c.emitter.Emit(event.AgentUpdated, w)
	return nil
}

// Worker returns a copy of the registered declaration.
func (c *Coordinator) Worker(id string) (WorkerCapability, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.agents[id]
	if !ok {
		return WorkerCapability{}, false
	}
	return *w, true
}

// AssignTask picks an eligible worker per the criteria, increments its load
// and notifies it over the bus. The chosen worker's ID is returned.
func (c *Coordinator) AssignTask(t *task.Task, criteria Criteria) (string, error) {
	c.mu.Lock()
	eligible := c.eligibleLocked()
	if len(eligible) == 0 {
		c.mu.Unlock()
		return "", ErrNoWorker
	}

	chosen := c.pickLocked(eligible, criteria)
	chosen.Load++
	chosen.Status = statusForLoad(chosen)

	a := &assignment{taskID: t.ID, workerID: chosen.ID, done: make(chan struct{})}
	c.tasks[t.ID] = a
	c.assigned++
	workerID := chosen.ID
	c.mu.Unlock()

	err := c.bus.Send(&bus.Message{
		From:    "coordinator",
		To:      []string{workerID},
		Type:    "task:assign",
		Payload: t,
	})
	if err != nil {
		return "", err
	}
	c.emitter.Emit(event.AgentUpdated, c.snapshot(workerID))
	return workerID, nil
}

// CompleteTask records the result of an assigned task, releases the worker's
// load slot and wakes any WaitForCompletion callers.
func (c *Coordinator) CompleteTask(taskID string, result any) error {
	c.mu.Lock()
	a, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownTask, taskID)
	}
	select {
	case <-a.done:
		c.mu.Unlock()
		return fmt.Errorf("task %q already completed", taskID)
	default:
	}
	a.result = result
	close(a.done)
	c.completed++

	if w, ok := c.agents[a.workerID]; ok && w.Load > 0 {
		w.Load--
		w.Status = statusForLoad(w)
	}
	workerID := a.workerID
	c.mu.Unlock()

	c.emitter.Emit(event.AgentUpdated, c.snapshot(workerID))
	return nil
}

// eligibleLocked filters to workers that may take another task: never
// offline, never at capacity. Iteration follows registration order so
// round-robin stays deterministic.
func (c *Coordinator) eligibleLocked() []*WorkerCapability {
	var out []*WorkerCapability
	for _, id := range c.order {
		w := c.agents[id]
		if w.Status == StatusOffline || w.Load >= w.MaxConcurrentTasks {
			continue
		}
		out = append(out, w)
	}
	return out
}

func (c *Coordinator) pickLocked(eligible []*WorkerCapability, criteria Criteria) *WorkerCapability {
	switch criteria.Strategy {
	case RoundRobin:
		w := eligible[c.rrIndex%len(eligible)]
		c.rrIndex++
		return w
	case Random:
		return eligible[rand.Intn(len(eligible))]
	case CapabilityMatch:
		best, bestScore := eligible[0], -1
		for _, w := range eligible {
			score := overlap(criteria.Capabilities, w.Capabilities)
			if score > bestScore {
				best, bestScore = w, score
			}
		}
		return best
	default: // LeastBusy
		best := eligible[0]
		for _, w := range eligible[1:] {
			if w.loadRatio() < best.loadRatio() {
				best = w
			}
		}
		return best
	}
}

func overlap(requested, declared []string) int {
	have := make(map[string]bool, len(declared))
	for _, tag := range declared {
		have[tag] = true
	}
	n := 0
	for _, tag := range requested {
		if have[tag] {
			n++
		}
	}
	return n
}

func statusForLoad(w *WorkerCapability) AgentStatus {
	if w.Load > 0 {
		return StatusBusy
	}
	return StatusIdle
}

// snapshot returns a copy of the worker for event payloads, detached from
// further mutation.
func (c *Coordinator) snapshot(id string) *WorkerCapability {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.agents[id]
	if !ok {
		return nil
	}
	copied := *w
	return &copied
}

// Stats reports a snapshot of the coordinator.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		TotalAgents:    len(c.agents),
		TotalTasks:     c.assigned,
		CompletedTasks: c.completed,
	}
	var load float64
	for _, w := range c.agents {
		if w.Status != StatusOffline {
			st.ActiveAgents++
		}
		load += w.loadRatio()
	}
	if len(c.agents) > 0 {
		st.AverageLoad = load / float64(len(c.agents))
	}
	return st
}

func (c *Coordinator) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweepOffline(time.Now())
		case <-c.stopSweep:
			return
		}
	}
}

// sweepOffline marks every worker past the heartbeat timeout offline, making
// it ineligible for new assignments until it heartbeats again.
func (c *Coordinator) sweepOffline(now time.Time) {
	c.mu.Lock()
	var stale []*WorkerCapability
	for _, w := range c.agents {
		if w.Status != StatusOffline && now.Sub(w.LastHeartbeat) > c.heartbeatTimeout {
			w.Status = StatusOffline
			copied := *w
			stale = append(stale, &copied)
		}
	}
	c.mu.Unlock()

	for _, w := range stale {
		c.emitter.Emit(event.AgentOffline, w)
	}
}
