package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/aristath/taskrouter/internal/task"
)

// ErrQueueClosed is returned by Enqueue after Close, and by Dequeue once a
// closed queue has been drained.
var ErrQueueClosed = errors.New("queue closed")

// Queue is an unbounded FIFO buffer between submission and processing.
// Ordering is strictly arrival order; priority and deadline are ignored.
// Safe for any number of concurrent producers and consumers; every task is
// handed to exactly one consumer.
type Queue struct {
	mu     sync.Mutex
	items  []*task.Task
	closed bool
	ready  chan struct{} // Capacity 1: "at least one item may be available"
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		ready: make(chan struct{}, 1),
	}
}

// Enqueue appends a task. Never blocks.
func (q *Queue) Enqueue(t *task.Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, t)
	q.mu.Unlock()

	q.signal()
	return nil
}

// Dequeue removes and returns the oldest task, waiting while the queue is empty.
// Returns the context error if ctx is cancelled first.
func (q *Queue) Dequeue(ctx context.Context) (*task.Task, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			// Clear the slot so the backing array does not pin the task
			t := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()

			// Hand the wakeup on to the next waiting consumer
			if remaining > 0 {
				q.signal()
			}
			return t, nil
		}
		if q.closed {
			q.mu.Unlock()
			q.signal() // Wake other consumers so they observe the close too
			return nil, ErrQueueClosed
		}
		q.mu.Unlock()

		// Wakeups may be spurious; loop and re-check under the lock
		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting tasks. Already queued tasks can still be dequeued.
// Safe to call multiple times.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// signal performs a non-blocking send on the ready channel.
func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
