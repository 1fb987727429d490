// Package bufqueue provides the bounded queues and buffer pools behind every
// link output.
package bufqueue

import (
	"sync"

	"github.com/eapache/queue"
)

// Queue is a bounded FIFO safe for concurrent use. Operations never block:
// Put reports false when the queue is full and Get reports false when it is
// empty.
type Queue[T any] struct {
	mu       sync.Mutex
	items    *queue.Queue
	capacity int
}

// NewQueue creates a queue holding at most capacity elements.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		items:    queue.New(),
		capacity: capacity,
	}
}

// Put appends v. It returns false if the queue is full.
func (q *Queue[T]) Put(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Length() >= q.capacity {
		return false
	}
	q.items.Add(v)
	return true
}

// Get removes the oldest element.
func (q *Queue[T]) Get() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Length() == 0 {
		var zero T
		return zero, false
	}
	return q.items.Remove().(T), true
}

// Drain removes up to max elements in FIFO order. max <= 0 drains everything.
func (q *Queue[T]) Drain(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.items.Length()
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]T, 0, n)
	for range n {
		out = append(out, q.items.Remove().(T))
	}
	return out
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// Cap returns the maximum number of elements.
func (q *Queue[T]) Cap() int {
	return q.capacity
}
