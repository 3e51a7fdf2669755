package coord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/taskgridgo/internal/bus"
	"github.com/vk/taskgridgo/internal/event"
	"github.com/vk/taskgridgo/internal/state"
	"github.com/vk/taskgridgo/internal/task"
)

func newTestCoordinator(t *testing.T, opts Options) (*Coordinator, *bus.Bus, *state.Store) {
	t.Helper()
	b := bus.New(bus.Options{}, nil)
	s := state.New(state.Options{}, nil)
	c := New(b, s, opts)
	t.Cleanup(func() {
		c.Close()
		s.Close()
	})
	return c, b, s
}

func register(t *testing.T, c *Coordinator, id string, max int, tags ...string) {
	t.Helper()
	require.NoError(t, c.RegisterWorker(WorkerCapability{
		ID:                 id,
		Type:               "generic",
		Capabilities:       tags,
		MaxConcurrentTasks: max,
	}))
}

func TestRegisterWorker(t *testing.T) {
	t.Run("registers and gives the worker a mailbox", func(t *testing.T) {
		c, b, _ := newTestCoordinator(t, Options{})
		register(t, c, "w1", 2)

		w, ok := c.Worker("w1")
		require.True(t, ok)
		assert.Equal(t, StatusIdle, w.Status)
		assert.False(t, w.LastHeartbeat.IsZero())

		require.NoError(t, b.Send(&bus.Message{From: "x", To: []string{"w1"}, Type: "t"}))
		assert.Len(t, b.Dequeue("w1", 10), 1)
	})

	t.Run("rejects invalid declarations", func(t *testing.T) {
		c, _, _ := newTestCoordinator(t, Options{})
		assert.Error(t, c.RegisterWorker(WorkerCapability{ID: "", MaxConcurrentTasks: 1}))
		assert.Error(t, c.RegisterWorker(WorkerCapability{ID: "w", MaxConcurrentTasks: 0}))
	})

	t.Run("unregister removes the worker", func(t *testing.T) {
		c, _, _ := newTestCoordinator(t, Options{})
		register(t, c, "w1", 1)
		require.NoError(t, c.UnregisterWorker("w1"))
		_, ok := c.Worker("w1")
		assert.False(t, ok)
		assert.ErrorIs(t, c.UnregisterWorker("w1"), ErrUnknownWorker)
	})
}

func TestAssignTask(t *testing.T) {
	t.Run("least busy picks the lowest load ratio", func(t *testing.T) {
		c, _, _ := newTestCoordinator(t, Options{})
		register(t, c, "w1", 2)
		register(t, c, "w2", 2)

		first, err := c.AssignTask(&task.Task{ID: "t1"}, Criteria{Strategy: LeastBusy})
		require.NoError(t, err)
		second, err := c.AssignTask(&task.Task{ID: "t2"}, Criteria{Strategy: LeastBusy})
		require.NoError(t, err)
		assert.NotEqual(t, first, second)
	})

	t.Run("round robin rotates over eligible workers", func(t *testing.T) {
		c, _, _ := newTestCoordinator(t, Options{})
		register(t, c, "w1", 10)
		register(t, c, "w2", 10)
		register(t, c, "w3", 10)

		var picks []string
		for i := 0; i < 6; i++ {
			id, err := c.AssignTask(&task.Task{ID: string(rune('a' + i))}, Criteria{Strategy: RoundRobin})
			require.NoError(t, err)
			picks = append(picks, id)
		}
		assert.Equal(t, []string{"w1", "w2", "w3", "w1", "w2", "w3"}, picks)
	})

	t.Run("random picks an eligible worker", func(t *testing.T) {
		c, _, _ := newTestCoordinator(t, Options{})
		register(t, c, "w1", 5)
		register(t, c, "w2", 5)

		id, err := c.AssignTask(&task.Task{ID: "t1"}, Criteria{Strategy: Random})
		require.NoError(t, err)
		assert.Contains(t, []string{"w1", "w2"}, id)
	})

	t.Run("capability match maximizes tag overlap", func(t *testing.T) {
		c, _, _ := newTestCoordinator(t, Options{})
		register(t, c, "w1", 5, "search")
		register(t, c, "w2", 5, "search", "summarize")

		id, err := c.AssignTask(&task.Task{ID: "t1"}, Criteria{
			Strategy:     CapabilityMatch,
			Capabilities: []string{"search", "summarize"},
		})
		require.NoError(t, err)
		assert.Equal(t, "w2", id)
	})

	t.Run("assignment delivers the task to the worker's mailbox", func(t *testing.T) {
		c, b, _ := newTestCoordinator(t, Options{})
		register(t, c, "w1", 1)

		tsk := &task.Task{ID: "t1", Type: "analysis"}
		_, err := c.AssignTask(tsk, Criteria{})
		require.NoError(t, err)

		msgs := b.Dequeue("w1", 10)
		require.Len(t, msgs, 1)
		assert.Equal(t, "task:assign", msgs[0].Type)
		assert.Same(t, tsk, msgs[0].Payload)
	})

	t.Run("workers at capacity are ineligible", func(t *testing.T) {
		c, _, _ := newTestCoordinator(t, Options{})
		register(t, c, "w1", 1)

		_, err := c.AssignTask(&task.Task{ID: "t1"}, Criteria{})
		require.NoError(t, err)
		_, err = c.AssignTask(&task.Task{ID: "t2"}, Criteria{})
		assert.ErrorIs(t, err, ErrNoWorker)

		require.NoError(t, c.CompleteTask("t1", nil))
		_, err = c.AssignTask(&task.Task{ID: "t2"}, Criteria{})
		assert.NoError(t, err)
	})

	t.Run("no registered workers fails synchronously", func(t *testing.T) {
		c, _, _ := newTestCoordinator(t, Options{})
		_, err := c.AssignTask(&task.Task{ID: "t1"}, Criteria{})
		assert.ErrorIs(t, err, ErrNoWorker)
	})
}

func TestCompleteTask(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Options{})
	register(t, c, "w1", 2)

	_, err := c.AssignTask(&task.Task{ID: "t1"}, Criteria{})
	require.NoError(t, err)

	require.NoError(t, c.CompleteTask("t1", "done"))
	assert.Error(t, c.CompleteTask("t1", "again"))
	assert.ErrorIs(t, c.CompleteTask("ghost", nil), ErrUnknownTask)

	w, _ := c.Worker("w1")
	assert.Zero(t, w.Load)
	assert.Equal(t, StatusIdle, w.Status)
}

func TestWaitForCompletion(t *testing.T) {
	ctx := context.Background()

	t.Run("returns results in input order", func(t *testing.T) {
		c, _, _ := newTestCoordinator(t, Options{})
		register(t, c, "w1", 5)

		for _, id := range []string{"t1", "t2"} {
			_, err := c.AssignTask(&task.Task{ID: id}, Criteria{})
			require.NoError(t, err)
		}

		go func() {
			time.Sleep(10 * time.Millisecond)
			_ = c.CompleteTask("t2", "second")
			_ = c.CompleteTask("t1", "first")
		}()

		results, err := c.WaitForCompletion(ctx, []string{"t1", "t2"}, time.Second)
		require.NoError(t, err)
		assert.Equal(t, []any{"first", "second"}, results)
	})

	t.Run("times out while tasks are pending", func(t *testing.T) {
		c, _, _ := newTestCoordinator(t, Options{})
		register(t, c, "w1", 5)

		_, err := c.AssignTask(&task.Task{ID: "t1"}, Criteria{})
		require.NoError(t, err)

		_, err = c.WaitForCompletion(ctx, []string{"t1"}, 30*time.Millisecond)
		assert.ErrorIs(t, err, ErrWaitTimeout)
	})

	t.Run("unknown task fails up front", func(t *testing.T) {
		c, _, _ := newTestCoordinator(t, Options{})
		_, err := c.WaitForCompletion(ctx, []string{"ghost"}, time.Second)
		assert.ErrorIs(t, err, ErrUnknownTask)
	})
}

func TestSynchronize(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves when every participant arrives", func(t *testing.T) {
		c, b, _ := newTestCoordinator(t, Options{})
		register(t, c, "w1", 1)
		register(t, c, "w2", 1)

		// Each participant joins as soon as the barrier ID reaches it.
		for _, id := range []string{"w1", "w2"} {
			require.NoError(t, b.Subscribe(id, nil, func(m *bus.Message) {
				if m.Type == "barrier:open" {
					go func() {
						assert.NoError(t, c.Arrive(m.Payload.(string)))
					}()
				}
			}))
		}

		err := c.Synchronize(ctx, []string{"w1", "w2"}, time.Second)
		assert.NoError(t, err)
	})

	t.Run("times out when a participant never arrives", func(t *testing.T) {
		c, _, _ := newTestCoordinator(t, Options{})
		register(t, c, "w1", 1)
		register(t, c, "w2", 1)

		err := c.Synchronize(ctx, []string{"w1", "w2"}, 30*time.Millisecond)
		assert.ErrorIs(t, err, ErrBarrierTimeout)
	})

	t.Run("empty participant set resolves immediately", func(t *testing.T) {
		c, _, _ := newTestCoordinator(t, Options{})
		assert.NoError(t, c.Synchronize(ctx, nil, time.Second))
	})
}

func TestDetectDeadlock(t *testing.T) {
	ctx := context.Background()

	t.Run("mutual wait yields a report naming both sides", func(t *testing.T) {
		c, _, s := newTestCoordinator(t, Options{})

		l1, err := s.Lock(ctx, "res-a", "w1", time.Second)
		require.NoError(t, err)
		l2, err := s.Lock(ctx, "res-b", "w2", time.Second)
		require.NoError(t, err)
		defer func() {
			_ = s.Unlock(l1)
			_ = s.Unlock(l2)
		}()

		c.RecordResourceDependency("w1", "res-b")
		c.RecordResourceDependency("w2", "res-a")

		report := c.DetectDeadlock()
		require.NotNil(t, report)
		assert.ElementsMatch(t, []string{"w1", "w2"}, report.Workers)
		assert.ElementsMatch(t, []string{"res-a", "res-b"}, report.Resources)
		assert.Len(t, report.Chain, 2)
	})

	t.Run("waiting without a cycle reports nothing", func(t *testing.T) {
		c, _, s := newTestCoordinator(t, Options{})

		l, err := s.Lock(ctx, "res-a", "w1", time.Second)
		require.NoError(t, err)
		defer func() { _ = s.Unlock(l) }()

		c.RecordResourceDependency("w2", "res-a")
		assert.Nil(t, c.DetectDeadlock())
	})

	t.Run("cleared dependency breaks the cycle", func(t *testing.T) {
		c, _, s := newTestCoordinator(t, Options{})

		l1, err := s.Lock(ctx, "res-a", "w1", time.Second)
		require.NoError(t, err)
		l2, err := s.Lock(ctx, "res-b", "w2", time.Second)
		require.NoError(t, err)
		defer func() {
			_ = s.Unlock(l1)
			_ = s.Unlock(l2)
		}()

		c.RecordResourceDependency("w1", "res-b")
		c.RecordResourceDependency("w2", "res-a")
		require.NotNil(t, c.DetectDeadlock())

		c.ClearResourceDependency("w1")
		assert.Nil(t, c.DetectDeadlock())
	})

	t.Run("detection emits an event", func(t *testing.T) {
		c, _, s := newTestCoordinator(t, Options{})

		l1, err := s.Lock(ctx, "res-a", "w1", time.Second)
		require.NoError(t, err)
		l2, err := s.Lock(ctx, "res-b", "w2", time.Second)
		require.NoError(t, err)
		defer func() {
			_ = s.Unlock(l1)
			_ = s.Unlock(l2)
		}()

		c.RecordResourceDependency("w1", "res-b")
		c.RecordResourceDependency("w2", "res-a")

		var got *DeadlockReport
		c.Events().On(event.DeadlockDetected, func(ev event.Event) {
			got = ev.Payload.(*DeadlockReport)
		})
		report := c.DetectDeadlock()
		assert.Same(t, report, got)
	})
}

func TestHeartbeatSweep(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Options{
		HeartbeatTimeout: 30 * time.Millisecond,
		SweepInterval:    10 * time.Millisecond,
	})
	register(t, c, "w1", 1)

	require.Eventually(t, func() bool {
		w, _ := c.Worker("w1")
		return w.Status == StatusOffline
	}, time.Second, 5*time.Millisecond)

	// Offline workers take no new work.
	_, err := c.AssignTask(&task.Task{ID: "t1"}, Criteria{})
	assert.ErrorIs(t, err, ErrNoWorker)

	// A fresh heartbeat restores eligibility.
	require.NoError(t, c.Heartbeat("w1"))
	w, _ := c.Worker("w1")
	assert.Equal(t, StatusIdle, w.Status)
	_, err = c.AssignTask(&task.Task{ID: "t1"}, Criteria{})
	assert.NoError(t, err)
}

func TestStatsSnapshot(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Options{})
	register(t, c, "w1", 2)
	register(t, c, "w2", 4)

	_, err := c.AssignTask(&task.Task{ID: "t1"}, Criteria{Strategy: RoundRobin})
	require.NoError(t, err)
	require.NoError(t, c.CompleteTask("t1", nil))
	_, err = c.AssignTask(&task.Task{ID: "t2"}, Criteria{Strategy: RoundRobin})
	require.NoError(t, err)

	st := c.Stats()
	assert.Equal(t, 2, st.TotalAgents)
	assert.Equal(t, 2, st.ActiveAgents)
	assert.Equal(t, 2, st.TotalTasks)
	assert.Equal(t, 1, st.CompletedTasks)
	assert.Greater(t, st.AverageLoad, 0.0)
}
