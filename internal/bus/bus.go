// Package bus is an in-process message bus with per-recipient mailboxes.
// Delivery is at-most-once and best-effort: a recipient with no subscription
// silently receives nothing. Within a mailbox, descending priority is the
// authoritative order and arrival order breaks ties.
package bus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vk/taskgridgo/internal/event"
	"github.com/vk/taskgridgo/internal/metrics"
)

// Wildcard addresses every subscriber (as a recipient) or every message type
// (in a subscription's type filter).
const Wildcard = "*"

const (
	// MinPriority and MaxPriority bound the accepted message priority range.
	MinPriority = 0
	MaxPriority = 10

	defaultQueueCapacity   = 100
	defaultHistoryCapacity = 1000
)

var (
	// ErrExpired rejects a message that is already past its expiry on send.
	ErrExpired = errors.New("message already expired")
	// ErrBadPriority rejects a priority outside [MinPriority, MaxPriority].
	ErrBadPriority = errors.New("message priority out of range")
	// ErrNoRecipient rejects a message without any addressee.
	ErrNoRecipient = errors.New("message has no recipient")
	// ErrRequestTimeout is the typed failure of Request when no matching
	// response arrives in time.
	ErrRequestTimeout = errors.New("request timed out")
)

// Message is the unit of inter-worker communication.
type Message struct {
	ID            string
	From          string
	To            []string
	Type          string
	Payload       any
	Priority      int
	ExpiresAt     time.Time
	CorrelationID string
	Timestamp     time.Time

	// response marks a message built by Respond. Only responses resolve a
	// pending request waiter; the outgoing request itself carries the same
	// correlation ID and must reach the recipient instead.
	response bool
}

// expired reports whether the message is past its expiry at the given time.
func (m *Message) expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// Callback receives a message synchronously at delivery time, instead of the
// message entering the subscriber's mailbox.
type Callback func(*Message)

// Stats is a point-in-time snapshot of the bus.
type Stats struct {
	TotalMessages       int
	ActiveSubscriptions int
	QueueSizes          map[string]int
}

type subscription struct {
	id       string
	types    map[string]bool
	callback Callback
	queue    []*Message
}

// matches reports whether the subscription wants the given message type.
func (s *subscription) matches(msgType string) bool {
	return s.types[Wildcard] || s.types[msgType]
}

// Options tune mailbox and history bounds. Zero values select defaults.
type Options struct {
	QueueCapacity   int
	HistoryCapacity int
}

// Bus routes messages between in-process workers.
type Bus struct {
	mu      sync.Mutex
	subs    map[string]*subscription
	history []*Message
	// waiters maps a correlation ID to the one-shot channel of a pending
	// Request call.
	waiters map[string]chan *Message
	sent    int

	queueCap   int
	historyCap int

	emitter   *event.Emitter
	collector *metrics.Collector
}

// New creates a message bus; collector may be nil.
func New(opts Options, collector *metrics.Collector) *Bus {
	queueCap := opts.QueueCapacity
	if queueCap <= 0 {
		queueCap = defaultQueueCapacity
	}
	historyCap := opts.HistoryCapacity
	if historyCap <= 0 {
		historyCap = defaultHistoryCapacity
	}
	return &Bus{
		subs:       make(map[string]*subscription),
		waiters:    make(map[string]chan *Message),
		queueCap:   queueCap,
		historyCap: historyCap,
		emitter:    event.New(),
		collector:  collector,
	}
}

// Events exposes the bus's event emitter.
func (b *Bus) Events() *event.Emitter {
	return b.emitter
}

// Subscribe registers a recipient with an optional type filter and optional
// synchronous callback. Empty types subscribe to everything. Re-subscribing
// an existing ID replaces the filter and callback but keeps the mailbox.
func (b *Bus) Subscribe(id string, types []string, callback Callback) error {
	if id == "" || id == Wildcard {
		return fmt.Errorf("invalid subscriber id %q", id)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	if len(typeSet) == 0 {
		typeSet[Wildcard] = true
	}

	if sub, ok := b.subs[id]; ok {
		sub.types = typeSet
		sub.callback = callback
		return nil
	}
	b.subs[id] = &subscription{id: id, types: typeSet, callback: callback}
	return nil
}

// Unsubscribe removes a recipient and discards its queued messages.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
	b.updateGaugeLocked()
}

// Send validates and stamps the message, appends it to the history, and
// delivers it to each addressed recipient. The message struct is shared, not
// copied; senders must not mutate it afterwards.
func (b *Bus) Send(msg *Message) error {
	if msg == nil {
		return ErrNoRecipient
	}
	if len(msg.To) == 0 {
		return ErrNoRecipient
	}
	if msg.Priority < MinPriority || msg.Priority > MaxPriority {
		return fmt.Errorf("%w: %d", ErrBadPriority, msg.Priority)
	}

	now := time.Now()
	if msg.expired(now) {
		return ErrExpired
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Timestamp = now

	b.mu.Lock()
	b.sent++
	b.appendHistoryLocked(msg)

	// A response resolves its pending request waiter directly; the requester
	// does not need a mailbox of its own.
	if msg.response && msg.CorrelationID != "" {
		if waiter, ok := b.waiters[msg.CorrelationID]; ok {
			delete(b.waiters, msg.CorrelationID)
			b.mu.Unlock()
			waiter <- msg
			b.emitter.Emit(event.MessageSent, msg)
			b.emitter.Emit(event.MessageDelivered, msg)
			return nil
		}
	}

	var callbacks []Callback
	delivered := 0
	for _, sub := range b.recipientsLocked(msg.To) {
		if cb := b.deliverLocked(sub, msg); cb != nil {
			callbacks = append(callbacks, cb)
		}
		delivered++
	}
	b.updateGaugeLocked()
	b.mu.Unlock()

	b.emitter.Emit(event.MessageSent, msg)
	// Callbacks run synchronously but outside the bus lock, so a callback may
	// itself use the bus.
	for _, cb := range callbacks {
		cb(msg)
	}
	if delivered > 0 {
		b.emitter.Emit(event.MessageDelivered, msg)
	}
	return nil
}

// recipientsLocked resolves the To list to live subscriptions.
func (b *Bus) recipientsLocked(to []string) []*subscription {
	for _, addr := range to {
		if addr == Wildcard {
			all := make([]*subscription, 0, len(b.subs))
			for _, sub := range b.subs {
				all = append(all, sub)
			}
			return all
		}
	}

	var out []*subscription
	seen := make(map[string]bool, len(to))
	for _, addr := range to {
		if seen[addr] {
			continue
		}
		seen[addr] = true
		if sub, ok := b.subs[addr]; ok {
			out = append(out, sub)
		}
	}
	return out
}

// deliverLocked routes one message to one subscription. A callback
// subscription defers the callback to the caller; a plain subscription
// enqueues by priority. On overflow the lowest-priority entry loses, with the
// incoming message itself a candidate.
func (b *Bus) deliverLocked(sub *subscription, msg *Message) Callback {
	if sub.callback != nil {
		return sub.callback
	}

	if len(sub.queue) >= b.queueCap {
		tail := sub.queue[len(sub.queue)-1]
		if msg.Priority <= tail.Priority {
			return nil
		}
		sub.queue = sub.queue[:len(sub.queue)-1]
	}

	// Insert keeping descending priority; equal priorities keep arrival order.
	pos := len(sub.queue)
	for i, queued := range sub.queue {
		if msg.Priority > queued.Priority {
			pos = i
			break
		}
	}
	sub.queue = append(sub.queue, nil)
	copy(sub.queue[pos+1:], sub.queue[pos:])
	sub.queue[pos] = msg
	return nil
}

// Broadcast fans the payload out to every subscriber whose type filter
// accepts msgType, excluding the sender itself.
func (b *Bus) Broadcast(msgType string, payload any, from string) (*Message, error) {
	msg := &Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        []string{Wildcard},
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.mu.Lock()
	b.sent++
	b.appendHistoryLocked(msg)

	var callbacks []Callback
	for _, sub := range b.subs {
		if sub.id == from || !sub.matches(msgType) {
			continue
		}
		if cb := b.deliverLocked(sub, msg); cb != nil {
			callbacks = append(callbacks, cb)
		}
	}
	b.updateGaugeLocked()
	b.mu.Unlock()

	for _, cb := range callbacks {
		cb(msg)
	}
	b.emitter.Emit(event.MessageBroadcast, msg)
	return msg, nil
}

// Request sends a message stamped with a fresh correlation ID and blocks
// until a matching Respond arrives or the timeout fires. The waiter entry is
// removed on every exit path.
func (b *Bus) Request(to, msgType string, payload any, from string, timeout time.Duration) (any, error) {
	correlationID := uuid.NewString()
	waiter := make(chan *Message, 1)

	b.mu.Lock()
	b.waiters[correlationID] = waiter
	b.mu.Unlock()

	msg := &Message{
		From:          from,
		To:            []string{to},
		Type:          msgType,
		Payload:       payload,
		CorrelationID: correlationID,
	}
	if err := b.Send(msg); err != nil {
		b.removeWaiter(correlationID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-waiter:
		return resp.Payload, nil
	case <-timer.C:
		b.removeWaiter(correlationID)
		return nil, fmt.Errorf("%w: no response to %q from %q within %s", ErrRequestTimeout, msgType, to, timeout)
	}
}

func (b *Bus) removeWaiter(correlationID string) {
	b.mu.Lock()
	delete(b.waiters, correlationID)
	b.mu.Unlock()
}

// Respond answers a received request message, carrying its correlation ID
// back to the requester.
func (b *Bus) Respond(original *Message, payload any) error {
	if original == nil || original.CorrelationID == "" {
		return fmt.Errorf("message is not a request")
	}
	responder := ""
	if len(original.To) > 0 {
		responder = original.To[0]
	}
	return b.Send(&Message{
		From:          responder,
		To:            []string{original.From},
		Type:          original.Type + ".response",
		Payload:       payload,
		CorrelationID: original.CorrelationID,
		response:      true,
	})
}

// Dequeue removes and returns up to count messages from the recipient's
// mailbox, highest priority first.
func (b *Bus) Dequeue(id string, count int) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok || count <= 0 {
		return nil
	}

	// Expired messages are discarded on the way out, never delivered.
	now := time.Now()
	live := sub.queue[:0]
	for _, msg := range sub.queue {
		if !msg.expired(now) {
			live = append(live, msg)
		}
	}
	sub.queue = live

	n := min(count, len(sub.queue))
	out := make([]*Message, n)
	copy(out, sub.queue[:n])
	sub.queue = sub.queue[n:]
	b.updateGaugeLocked()
	return out
}

// History returns the most recent messages, oldest first. A non-positive
// limit returns the full retained history.
func (b *Bus) History(limit int) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*Message, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// Stats reports a snapshot of the bus.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	sizes := make(map[string]int, len(b.subs))
	for id, sub := range b.subs {
		sizes[id] = len(sub.queue)
	}
	return Stats{
		TotalMessages:       b.sent,
		ActiveSubscriptions: len(b.subs),
		QueueSizes:          sizes,
	}
}

func (b *Bus) appendHistoryLocked(msg *Message) {
	if len(b.history) >= b.historyCap {
		b.history = b.history[1:]
	}
	b.history = append(b.history, msg)
}

func (b *Bus) updateGaugeLocked() {
	total := 0
	for _, sub := range b.subs {
		total += len(sub.queue)
	}
	b.collector.SetBusQueued(total)
}
