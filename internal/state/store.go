// Package state is a concurrent key/value store with change watchers, timed
// advisory locks and single-key atomic primitives. Single-key atomicity is
// the strongest guarantee offered; there is no multi-key transaction.
package state

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vk/taskgridgo/internal/event"
	"github.com/vk/taskgridgo/internal/metrics"
)

var (
	// ErrLockTimeout is the typed failure of Lock when the key stays
	// contended past the caller's wait budget.
	ErrLockTimeout = errors.New("lock wait timed out")
	// ErrInvalidLock rejects Unlock with a handle that no longer holds the
	// key, including a handle revoked by expiry and handed to a waiter.
	ErrInvalidLock = errors.New("invalid lock handle")
	// ErrNotANumber rejects Increment on a key holding a non-integer value.
	ErrNotANumber = errors.New("value is not an integer")
)

const (
	defaultLockTTL       = 30 * time.Second
	defaultSweepInterval = time.Second
)

// Lock is an exclusive claim on a named key. The token ties the handle to one
// specific grant: after expiry hands the key to a waiter, the stale handle's
// Unlock fails loudly instead of releasing the new holder's claim.
type Lock struct {
	Key        string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time

	token string
}

// Change describes one mutation of a watched key.
type Change struct {
	Key     string
	Value   any
	Deleted bool
}

// WatchFunc observes changes to one key. Watchers run synchronously before
// the mutating call returns, in registration order.
type WatchFunc func(Change)

// Stats is a point-in-time snapshot of the store.
type Stats struct {
	Size      int
	Watchers  int
	Locks     int
	WaitQueue int
}

// Options tune lock lifetime and the expiry sweep. Zero values select
// defaults.
type Options struct {
	// LockTTL bounds how long a granted lock lives before the sweep revokes
	// it and hands the key to the next waiter.
	LockTTL       time.Duration
	SweepInterval time.Duration
}

type watcherEntry struct {
	id int
	fn WatchFunc
}

type lockWaiter struct {
	holder string
	// grant is buffered so a handoff never blocks on a departed waiter.
	grant chan *Lock
}

type lockState struct {
	current *Lock
	waiters []*lockWaiter
}

// Store is the shared mutable state of cooperating workers.
type Store struct {
	mu       sync.Mutex
	data     map[string]any
	watchers map[string][]watcherEntry
	nextID   int
	locks    map[string]*lockState

	lockTTL time.Duration

	stopSweep chan struct{}
	sweepOnce sync.Once

	emitter   *event.Emitter
	collector *metrics.Collector
}

// New creates a store and starts its lock expiry sweep; collector may be nil.
// Close stops the sweep.
func New(opts Options, collector *metrics.Collector) *Store {
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	interval := opts.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	s := &Store{
		data:      make(map[string]any),
		watchers:  make(map[string][]watcherEntry),
		locks:     make(map[string]*lockState),
		lockTTL:   ttl,
		stopSweep: make(chan struct{}),
		emitter:   event.New(),
		collector: collector,
	}
	go s.sweepLoop(interval)
	return s
}

// Events exposes the store's event emitter.
func (s *Store) Events() *event.Emitter {
	return s.emitter
}

// Close stops the background expiry sweep. Held locks stop expiring.
func (s *Store) Close() {
	s.sweepOnce.Do(func() { close(s.stopSweep) })
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// Set stores value under key and notifies the key's watchers.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	s.data[key] = value
	watchers := s.watchersLocked(key)
	s.mu.Unlock()

	s.notify(watchers, Change{Key: key, Value: value})
}

// Delete removes key and notifies its watchers. Deleting an absent key is a
// no-op with no notification.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	if _, ok := s.data[key]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.data, key)
	watchers := s.watchersLocked(key)
	s.mu.Unlock()

	s.notify(watchers, Change{Key: key, Deleted: true})
}

// Watch registers a change observer for one key and returns a function that
// removes the registration.
func (s *Store) Watch(key string, fn WatchFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.watchers[key] = append(s.watchers[key], watcherEntry{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		entries := s.watchers[key]
		for i, e := range entries {
			if e.id == id {
				s.watchers[key] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
		if len(s.watchers[key]) == 0 {
			delete(s.watchers, key)
		}
	}
}

// watchersLocked snapshots the key's watcher list so callbacks run outside
// the store lock; a watcher may call back into the store.
func (s *Store) watchersLocked(key string) []watcherEntry {
	entries := s.watchers[key]
	if len(entries) == 0 {
		return nil
	}
	out := make([]watcherEntry, len(entries))
	copy(out, entries)
	return out
}

func (s *Store) notify(watchers []watcherEntry, ch Change) {
	for _, w := range watchers {
		w.fn(ch)
	}
}

// CompareAndSwap sets key to newValue only if the current value equals
// expected, as one critical section over the entry. A missing key compares
// equal to a nil expected value. Watchers fire only on a successful swap.
func (s *Store) CompareAndSwap(key string, expected, newValue any) bool {
	s.mu.Lock()
	current := s.data[key]
	if !reflect.DeepEqual(current, expected) {
		s.mu.Unlock()
		return false
	}
	s.data[key] = newValue
	watchers := s.watchersLocked(key)
	s.mu.Unlock()

	s.notify(watchers, Change{Key: key, Value: newValue})
	return true
}

// Increment atomically adds delta to the integer under key, treating a
// missing key as zero, and returns the new value.
func (s *Store) Increment(key string, delta int64) (int64, error) {
	s.mu.Lock()
	var current int64
	switch v := s.data[key].(type) {
	case nil:
	case int64:
		current = v
	case int:
		current = int64(v)
	default:
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: key %q holds %T", ErrNotANumber, key, v)
	}
	next := current + delta
	s.data[key] = next
	watchers := s.watchersLocked(key)
	s.mu.Unlock()

	s.notify(watchers, Change{Key: key, Value: next})
	return next, nil
}

// Lock acquires an exclusive claim on key for holder, waiting up to wait when
// the key is contended. Grants among waiters are strict FIFO. The claim
// expires after the store's lock TTL; the sweep then hands the key to the
// next waiter without the holder acting.
func (s *Store) Lock(ctx context.Context, key, holder string, wait time.Duration) (*Lock, error) {
	s.mu.Lock()
	ls := s.locks[key]
	if ls == nil {
		ls = &lockState{}
		s.locks[key] = ls
	}

	if ls.current == nil {
		l := s.grantLocked(key, ls, holder)
		s.mu.Unlock()
		s.emitter.Emit(event.LockAcquired, l)
		return l, nil
	}

	w := &lockWaiter{holder: holder, grant: make(chan *Lock, 1)}
	ls.waiters = append(ls.waiters, w)
	s.updateGaugeLocked()
	s.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case l := <-w.grant:
		s.emitter.Emit(event.LockAcquired, l)
		return l, nil
	case <-timer.C:
		if l := s.abandonWaiter(key, w); l != nil {
			s.emitter.Emit(event.LockAcquired, l)
			return l, nil
		}
		return nil, fmt.Errorf("%w: key %q held away from %q for %s", ErrLockTimeout, key, holder, wait)
	case <-ctx.Done():
		if l := s.abandonWaiter(key, w); l != nil {
			s.emitter.Emit(event.LockAcquired, l)
			return l, nil
		}
		return nil, ctx.Err()
	}
}

// abandonWaiter removes a timed-out waiter from the queue. When the grant
// raced the timeout and won, the grant is kept and returned instead.
func (s *Store) abandonWaiter(key string, w *lockWaiter) *Lock {
	s.mu.Lock()
	defer s.mu.Unlock()

	ls := s.locks[key]
	if ls != nil {
		for i, queued := range ls.waiters {
			if queued == w {
				ls.waiters = append(ls.waiters[:i:i], ls.waiters[i+1:]...)
				s.updateGaugeLocked()
				return nil
			}
		}
	}

	select {
	case l := <-w.grant:
		return l
	default:
		return nil
	}
}

// Unlock releases the claim and hands the key to the next waiter, if any.
// A handle that no longer holds the key fails with ErrInvalidLock.
func (s *Store) Unlock(l *Lock) error {
	if l == nil {
		return ErrInvalidLock
	}

	s.mu.Lock()
	ls := s.locks[l.Key]
	if ls == nil || ls.current == nil || ls.current.token != l.token {
		s.mu.Unlock()
		return fmt.Errorf("%w: key %q is not held by this handle", ErrInvalidLock, l.Key)
	}
	granted := s.releaseLocked(l.Key, ls)
	s.mu.Unlock()

	s.emitter.Emit(event.LockReleased, l)
	return granted
}

// grantLocked installs holder as the key's current claim.
func (s *Store) grantLocked(key string, ls *lockState, holder string) *Lock {
	now := time.Now()
	l := &Lock{
		Key:        key,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(s.lockTTL),
		token:      uuid.NewString(),
	}
	ls.current = l
	s.updateGaugeLocked()
	return l
}

// releaseLocked clears the current claim and grants the next waiter directly,
// without the key passing through a free state.
func (s *Store) releaseLocked(key string, ls *lockState) error {
	ls.current = nil
	if len(ls.waiters) > 0 {
		next := ls.waiters[0]
		ls.waiters = ls.waiters[1:]
		next.grant <- s.grantLocked(key, ls, next.holder)
		return nil
	}
	delete(s.locks, key)
	s.updateGaugeLocked()
	return nil
}

// Holder reports the current holder of key, if locked.
func (s *Store) Holder(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := s.locks[key]
	if ls == nil || ls.current == nil {
		return "", false
	}
	return ls.current.Holder, true
}

// Stats reports a snapshot of the store.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	watchers := 0
	for _, entries := range s.watchers {
		watchers += len(entries)
	}
	locks, waiting := 0, 0
	for _, ls := range s.locks {
		if ls.current != nil {
			locks++
		}
		waiting += len(ls.waiters)
	}
	return Stats{
		Size:      len(s.data),
		Watchers:  watchers,
		Locks:     locks,
		WaitQueue: waiting,
	}
}

func (s *Store) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepExpired(time.Now())
		case <-s.stopSweep:
			return
		}
	}
}

// sweepExpired revokes every claim past its expiry and performs the same
// handoff an explicit Unlock would. The revoked holder is not notified; its
// stale handle surfaces as ErrInvalidLock on the next Unlock.
func (s *Store) sweepExpired(now time.Time) {
	s.mu.Lock()
	var expired []*Lock
	for key, ls := range s.locks {
		if ls.current != nil && now.After(ls.current.ExpiresAt) {
			expired = append(expired, ls.current)
			_ = s.releaseLocked(key, ls)
		}
	}
	s.mu.Unlock()

	for _, l := range expired {
		s.emitter.Emit(event.LockReleased, l)
	}
}

func (s *Store) updateGaugeLocked() {
	active := 0
	for _, ls := range s.locks {
		if ls.current != nil {
			active++
		}
	}
	s.collector.SetLocksActive(active)
}
