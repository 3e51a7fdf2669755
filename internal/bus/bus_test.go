package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/taskgridgo/internal/event"
)

func ids(msgs []*Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestSubscribe(t *testing.T) {
	b := New(Options{}, nil)

	t.Run("rejects empty and wildcard ids", func(t *testing.T) {
		assert.Error(t, b.Subscribe("", nil, nil))
		assert.Error(t, b.Subscribe(Wildcard, nil, nil))
	})

	t.Run("empty type list subscribes to everything", func(t *testing.T) {
		require.NoError(t, b.Subscribe("w1", nil, nil))
		require.NoError(t, b.Send(&Message{From: "x", To: []string{"w1"}, Type: "anything"}))
		got := b.Dequeue("w1", 10)
		require.Len(t, got, 1)
		assert.Equal(t, "anything", got[0].Type)
	})

	t.Run("unsubscribe drops the mailbox", func(t *testing.T) {
		require.NoError(t, b.Subscribe("w2", nil, nil))
		require.NoError(t, b.Send(&Message{From: "x", To: []string{"w2"}, Type: "t"}))
		b.Unsubscribe("w2")
		assert.Empty(t, b.Dequeue("w2", 10))
	})
}

func TestSend(t *testing.T) {
	t.Run("stamps id and timestamp", func(t *testing.T) {
		b := New(Options{}, nil)
		require.NoError(t, b.Subscribe("w", nil, nil))

		msg := &Message{From: "x", To: []string{"w"}, Type: "t"}
		require.NoError(t, b.Send(msg))
		assert.NotEmpty(t, msg.ID)
		assert.False(t, msg.Timestamp.IsZero())
	})

	t.Run("rejects already expired messages", func(t *testing.T) {
		b := New(Options{}, nil)
		msg := &Message{From: "x", To: []string{"w"}, Type: "t", ExpiresAt: time.Now().Add(-time.Second)}
		assert.ErrorIs(t, b.Send(msg), ErrExpired)
	})

	t.Run("rejects out of range priority", func(t *testing.T) {
		b := New(Options{}, nil)
		assert.ErrorIs(t, b.Send(&Message{From: "x", To: []string{"w"}, Type: "t", Priority: 11}), ErrBadPriority)
		assert.ErrorIs(t, b.Send(&Message{From: "x", To: []string{"w"}, Type: "t", Priority: -1}), ErrBadPriority)
	})

	t.Run("rejects messages without recipients", func(t *testing.T) {
		b := New(Options{}, nil)
		assert.ErrorIs(t, b.Send(&Message{From: "x", Type: "t"}), ErrNoRecipient)
		assert.ErrorIs(t, b.Send(nil), ErrNoRecipient)
	})

	t.Run("unknown recipient is silently dropped", func(t *testing.T) {
		b := New(Options{}, nil)
		require.NoError(t, b.Send(&Message{From: "x", To: []string{"ghost"}, Type: "t"}))
		assert.Empty(t, b.Dequeue("ghost", 10))
	})

	t.Run("callback subscriber receives synchronously without queueing", func(t *testing.T) {
		b := New(Options{}, nil)
		var got *Message
		require.NoError(t, b.Subscribe("cb", nil, func(m *Message) { got = m }))

		require.NoError(t, b.Send(&Message{From: "x", To: []string{"cb"}, Type: "ping"}))
		require.NotNil(t, got)
		assert.Equal(t, "ping", got.Type)
		assert.Empty(t, b.Dequeue("cb", 10))
	})
}

func TestPriorityOrdering(t *testing.T) {
	t.Run("dequeue order is descending priority", func(t *testing.T) {
		b := New(Options{}, nil)
		require.NoError(t, b.Subscribe("w", nil, nil))

		for _, p := range []int{1, 10, 5} {
			require.NoError(t, b.Send(&Message{From: "x", To: []string{"w"}, Type: "t", Priority: p}))
		}

		got := b.Dequeue("w", 10)
		require.Len(t, got, 3)
		assert.Equal(t, []int{10, 5, 1}, []int{got[0].Priority, got[1].Priority, got[2].Priority})
	})

	t.Run("equal priorities keep arrival order", func(t *testing.T) {
		b := New(Options{}, nil)
		require.NoError(t, b.Subscribe("w", nil, nil))

		first := &Message{From: "x", To: []string{"w"}, Type: "t", Priority: 5}
		second := &Message{From: "x", To: []string{"w"}, Type: "t", Priority: 5}
		require.NoError(t, b.Send(first))
		require.NoError(t, b.Send(second))

		got := b.Dequeue("w", 2)
		require.Len(t, got, 2)
		assert.Equal(t, []string{first.ID, second.ID}, ids(got))
	})

	t.Run("overflow evicts the lowest priority entry", func(t *testing.T) {
		b := New(Options{QueueCapacity: 2}, nil)
		require.NoError(t, b.Subscribe("w", nil, nil))

		require.NoError(t, b.Send(&Message{From: "x", To: []string{"w"}, Type: "t", Priority: 1}))
		require.NoError(t, b.Send(&Message{From: "x", To: []string{"w"}, Type: "t", Priority: 5}))
		require.NoError(t, b.Send(&Message{From: "x", To: []string{"w"}, Type: "t", Priority: 9}))

		got := b.Dequeue("w", 10)
		require.Len(t, got, 2)
		assert.Equal(t, []int{9, 5}, []int{got[0].Priority, got[1].Priority})
	})

	t.Run("lowest priority incomer is dropped on overflow", func(t *testing.T) {
		b := New(Options{QueueCapacity: 2}, nil)
		require.NoError(t, b.Subscribe("w", nil, nil))

		require.NoError(t, b.Send(&Message{From: "x", To: []string{"w"}, Type: "t", Priority: 5}))
		require.NoError(t, b.Send(&Message{From: "x", To: []string{"w"}, Type: "t", Priority: 9}))
		require.NoError(t, b.Send(&Message{From: "x", To: []string{"w"}, Type: "t", Priority: 1}))

		got := b.Dequeue("w", 10)
		require.Len(t, got, 2)
		assert.Equal(t, []int{9, 5}, []int{got[0].Priority, got[1].Priority})
	})
}

func TestBroadcast(t *testing.T) {
	t.Run("reaches subscribers whose filter accepts the type", func(t *testing.T) {
		b := New(Options{}, nil)
		require.NoError(t, b.Subscribe("tasky", []string{"task"}, nil))
		require.NoError(t, b.Subscribe("all", []string{Wildcard}, nil))
		require.NoError(t, b.Subscribe("other", []string{"status"}, nil))

		_, err := b.Broadcast("task", "payload", "sender")
		require.NoError(t, err)

		assert.Len(t, b.Dequeue("tasky", 10), 1)
		assert.Len(t, b.Dequeue("all", 10), 1)
		assert.Empty(t, b.Dequeue("other", 10))
	})

	t.Run("does not echo to the sender", func(t *testing.T) {
		b := New(Options{}, nil)
		require.NoError(t, b.Subscribe("self", nil, nil))
		_, err := b.Broadcast("t", nil, "self")
		require.NoError(t, err)
		assert.Empty(t, b.Dequeue("self", 10))
	})
}

func TestRequestRespond(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		b := New(Options{}, nil)
		var received *Message
		require.NoError(t, b.Subscribe("server", []string{"query"}, func(m *Message) {
			received = m
			require.NoError(t, b.Respond(m, "answer"))
		}))

		got, err := b.Request("server", "query", "question", "client", time.Second)
		require.NoError(t, err)
		assert.Equal(t, "answer", got)

		// The request itself must reach the responder, not loop back to the
		// requester's waiter.
		require.NotNil(t, received)
		assert.Equal(t, "question", received.Payload)
		assert.NotEmpty(t, received.CorrelationID)
	})

	t.Run("request is queued for a mailbox-only responder", func(t *testing.T) {
		b := New(Options{}, nil)
		require.NoError(t, b.Subscribe("server", nil, nil))

		done := make(chan any, 1)
		go func() {
			got, err := b.Request("server", "query", "question", "client", time.Second)
			assert.NoError(t, err)
			done <- got
		}()

		var request *Message
		require.Eventually(t, func() bool {
			msgs := b.Dequeue("server", 1)
			if len(msgs) == 0 {
				return false
			}
			request = msgs[0]
			return true
		}, time.Second, time.Millisecond)

		assert.Equal(t, "question", request.Payload)
		require.NoError(t, b.Respond(request, "answer"))
		assert.Equal(t, "answer", <-done)
	})

	t.Run("requester needs no subscription of its own", func(t *testing.T) {
		b := New(Options{}, nil)
		require.NoError(t, b.Subscribe("server", nil, func(m *Message) {
			require.NoError(t, b.Respond(m, 42))
		}))

		got, err := b.Request("server", "q", nil, "anonymous", time.Second)
		require.NoError(t, err)
		assert.Equal(t, 42, got)
	})

	t.Run("timeout yields the typed error and removes the waiter", func(t *testing.T) {
		b := New(Options{}, nil)
		require.NoError(t, b.Subscribe("silent", nil, nil))

		_, err := b.Request("silent", "q", nil, "client", 30*time.Millisecond)
		assert.ErrorIs(t, err, ErrRequestTimeout)

		b.mu.Lock()
		assert.Empty(t, b.waiters)
		b.mu.Unlock()
	})

	t.Run("respond to a non-request fails", func(t *testing.T) {
		b := New(Options{}, nil)
		assert.Error(t, b.Respond(&Message{}, nil))
		assert.Error(t, b.Respond(nil, nil))
	})
}

func TestHistoryAndStats(t *testing.T) {
	t.Run("history is bounded and ordered oldest first", func(t *testing.T) {
		b := New(Options{HistoryCapacity: 3}, nil)
		require.NoError(t, b.Subscribe("w", nil, nil))

		var sent []*Message
		for i := 0; i < 5; i++ {
			m := &Message{From: "x", To: []string{"w"}, Type: "t"}
			require.NoError(t, b.Send(m))
			sent = append(sent, m)
		}

		hist := b.History(0)
		require.Len(t, hist, 3)
		assert.Equal(t, ids(sent[2:]), ids(hist))

		assert.Len(t, b.History(2), 2)
	})

	t.Run("stats reflect subscriptions and queue sizes", func(t *testing.T) {
		b := New(Options{}, nil)
		require.NoError(t, b.Subscribe("a", nil, nil))
		require.NoError(t, b.Subscribe("b", nil, nil))
		require.NoError(t, b.Send(&Message{From: "x", To: []string{"a"}, Type: "t"}))
		require.NoError(t, b.Send(&Message{From: "x", To: []string{"a"}, Type: "t"}))

		st := b.Stats()
		assert.Equal(t, 2, st.TotalMessages)
		assert.Equal(t, 2, st.ActiveSubscriptions)
		assert.Equal(t, 2, st.QueueSizes["a"])
		assert.Equal(t, 0, st.QueueSizes["b"])
	})
}

func TestConcurrentSendDequeue(t *testing.T) {
	b := New(Options{QueueCapacity: 1000}, nil)
	require.NoError(t, b.Subscribe("w", nil, nil))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.NoError(t, b.Send(&Message{From: "x", To: []string{"w"}, Type: "t", Priority: j % 11}))
			}
		}()
	}
	wg.Wait()

	total := 0
	for {
		got := b.Dequeue("w", 64)
		if len(got) == 0 {
			break
		}
		// Each batch is internally ordered by descending priority.
		for i := 1; i < len(got); i++ {
			assert.GreaterOrEqual(t, got[i-1].Priority, got[i].Priority)
		}
		total += len(got)
	}
	assert.Equal(t, 400, total)
}

func TestBusEvents(t *testing.T) {
	b := New(Options{}, nil)
	require.NoError(t, b.Subscribe("w", nil, nil))

	var names []string
	for _, name := range []string{event.MessageSent, event.MessageDelivered, event.MessageBroadcast} {
		name := name
		b.Events().On(name, func(ev event.Event) { names = append(names, ev.Name) })
	}

	require.NoError(t, b.Send(&Message{From: "x", To: []string{"w"}, Type: "t"}))
	_, err := b.Broadcast("t", nil, "x")
	require.NoError(t, err)

	assert.Equal(t, []string{event.MessageSent, event.MessageDelivered, event.MessageBroadcast}, names)
}
