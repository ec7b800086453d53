// Package workqueue provides a deduplicating blocking queue. An item
// already pending is not queued twice, which guarantees at most one
// pending unit of work per key. Used for outbound device command queues.
package workqueue

import (
	"context"
	"sync"
)

// Unique is a FIFO queue that rejects items already pending. The
// membership set and the queue are mutated under a single lock so Size,
// Peek and Clear never observe them inconsistent.
type Unique[T comparable] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []T
	pending map[T]struct{}
}

// NewUnique creates an empty deduplicating queue.
func NewUnique[T comparable]() *Unique[T] {
	q := &Unique[T]{pending: make(map[T]struct{})}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put enqueues item unless it is already pending. Returns true when the
// item was accepted.
func (q *Unique[T]) Put(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.pending[item]; exists {
		return false
	}
	q.pending[item] = struct{}{}
	q.items = append(q.items, item)
	q.cond.Signal()
	return true
}

// Take blocks until an item is available or the context is cancelled.
// The item is removed from the queue and the membership set atomically.
func (q *Unique[T]) Take(ctx context.Context) (T, error) {
	// Wake any waiter when the context ends so the wait loop can observe
	// the cancellation.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, err
		}
		q.cond.Wait()
	}

	item := q.items[0]
	q.items = q.items[1:]
	delete(q.pending, item)
	return item, nil
}

// TryTake removes and returns the head of the queue without blocking.
func (q *Unique[T]) TryTake() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	delete(q.pending, item)
	return item, true
}

// Peek returns the head of the queue without removing it.
func (q *Unique[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// Size returns the number of pending items.
func (q *Unique[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear removes all pending items.
func (q *Unique[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.pending = make(map[T]struct{})
}
