// Package queue implements the thread-safe FIFO instruction queues spec.md
// §5 requires for every session's inbound_queue and every mux's egress
// queue: many-producer/single-or-many-consumer, non-blocking on the
// producer side, bounded with drop-and-log on overflow (spec.md §5,
// §7 "Enqueue into full queue"). Adapted from the teacher's
// internal/sessions.SessionQueue mutex+slice pattern, but reshaped from
// that queue's blocking-wait-for-capacity semantics to the drop-on-full
// semantics this system requires: the forward diode cannot signal back, so
// this project never makes a producer wait.
package queue

import (
	"sync"
)

// DefaultMaxDepth bounds a queue when the caller does not specify one.
// spec.md §5 describes queues as "grow unbounded unless a configured cap is
// reached"; a cap is always configured in this implementation; there is no
// unbounded mode.
const DefaultMaxDepth = 1024

// DroppedFunc is invoked once for every instruction dropped because the
// queue was at capacity. Callers typically wire this to a rate-limited log
// line (internal/ratelimit) rather than logging unconditionally, since a
// sustained full queue would otherwise flood the log.
type DroppedFunc func(item any)

// Queue is a thread-safe FIFO with a fixed capacity. TryPush never blocks:
// when full, it drops the new item and reports it via the queue's
// configured DroppedFunc. Pop blocks until an item is available or the
// queue is closed; TryPop never blocks.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []any
	maxSize int
	dropped DroppedFunc
	closed  bool
}

// New creates a Queue with the given capacity (<=0 uses DefaultMaxDepth)
// and an optional drop callback (nil is allowed and simply discards
// silently — callers are expected to pass one so drops are observable).
func New(maxSize int, dropped DroppedFunc) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultMaxDepth
	}
	q := &Queue{maxSize: maxSize, dropped: dropped}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// TryPush appends an item to the back of the queue. If the queue is at
// capacity, the item is dropped and reported via DroppedFunc, and TryPush
// returns false — it never blocks and never applies backpressure to the
// caller (spec.md §5's "non-blocking on producers").
func (q *Queue) TryPush(item any) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		if q.dropped != nil {
			q.dropped(item)
		}
		return false
	}
	if len(q.items) >= q.maxSize {
		q.mu.Unlock()
		if q.dropped != nil {
			q.dropped(item)
		}
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.cond.Signal()
	return true
}

// Pop removes and returns the item at the front of the queue, blocking
// until one is available or the queue is closed (in which case ok is
// false).
func (q *Queue) Pop() (item any, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	item = q.items[0]
	q.items = q.items[1:]
	return item, true
}

// TryPop removes and returns the item at the front of the queue without
// blocking. ok is false if the queue is currently empty.
func (q *Queue) TryPop() (item any, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	item = q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed and wakes every blocked Pop, which then
// returns ok=false. Further TryPush calls are treated as drops. Close is
// idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
