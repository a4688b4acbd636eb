// Package queue is a capacity-limited FIFO guarded by a mutex and a sync.Cond.
//
// Producers pick one of two overflow disciplines per call: TryPush drops the
// incoming item and never blocks, PushTimeout blocks for a bounded time
// waiting for room. Close wakes every waiter; poppers observe the closed flag
// and return instead of waiting again.
package queue

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrClosed  = errors.New("queue: closed")
	ErrTimeout = errors.New("queue: timed out waiting for space")
	ErrTooMany = errors.New("queue: batch larger than capacity")
)

type Bounded[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []T
	capacity int
	closed   bool
	dropped  uint64
}

func New[T any](capacity int) *Bounded[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Bounded[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// TryPush appends item if there is room. On false the item was not taken and
// the caller still owns it.
func (q *Bounded[T]) TryPush(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.items) >= q.capacity {
		q.dropped++
		return false
	}
	q.items = append(q.items, item)
	q.cond.Broadcast()
	return true
}

// PushTimeout appends all items together, waiting up to timeout for enough
// room. Items of one call are never interleaved with another producer's.
// A non-positive timeout waits until there is room or the queue is closed.
func (q *Bounded[T]) PushTimeout(timeout time.Duration, items ...T) error {
	if len(items) > q.capacity {
		return ErrTooMany
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var expired bool
	if timeout > 0 && !q.closed && len(q.items)+len(items) > q.capacity {
		t := time.AfterFunc(timeout, func() {
			q.mu.Lock()
			expired = true
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		defer t.Stop()
	}
	for !q.closed && len(q.items)+len(items) > q.capacity {
		if expired {
			q.dropped += uint64(len(items))
			return ErrTimeout
		}
		q.cond.Wait()
	}
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, items...)
	q.cond.Broadcast()
	return nil
}

// Pop blocks until an item is available. It returns false once the queue is
// closed, even if items remain; those are collected with Drain.
func (q *Bounded[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	var zero T
	if q.closed {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.cond.Broadcast()
	return item, true
}

// DrainWait waits up to timeout for at least one item and then takes every
// queued item in FIFO order. Unlike Pop it keeps handing out items after
// Close until the queue is empty; ok is false only when closed and empty.
// An empty batch with ok true means the timeout passed.
func (q *Bounded[T]) DrainWait(timeout time.Duration) (batch []T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 && !q.closed {
		expired := false
		t := time.AfterFunc(timeout, func() {
			q.mu.Lock()
			expired = true
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		for len(q.items) == 0 && !q.closed && !expired {
			q.cond.Wait()
		}
		t.Stop()
	}
	if len(q.items) == 0 {
		return nil, !q.closed
	}
	batch = q.takeLocked()
	q.cond.Broadcast()
	return batch, true
}

// Drain removes and returns everything queued without waiting.
func (q *Bounded[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.takeLocked()
	q.cond.Broadcast()
	return batch
}

func (q *Bounded[T]) takeLocked() []T {
	if len(q.items) == 0 {
		return nil
	}
	batch := make([]T, len(q.items))
	copy(batch, q.items)
	clear(q.items)
	q.items = q.items[:0]
	return batch
}

// Close is idempotent.
func (q *Bounded[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *Bounded[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Bounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Bounded[T]) Cap() int {
	return q.capacity
}

// Space reports whether TryPush would currently succeed.
func (q *Bounded[T]) Space() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed && len(q.items) < q.capacity
}

// Dropped counts items refused by TryPush and timed out by PushTimeout.
func (q *Bounded[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
