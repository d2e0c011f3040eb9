package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aristath/taskrouter/internal/task"
)

func newTask(id string) *task.Task {
	return &task.Task{ID: id, Type: task.TypeAnalytics, Domain: "fixie.run"}
}

// TestQueue_FIFO verifies tasks come out in arrival order.
func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()

	for i := range 5 {
		if err := q.Enqueue(newTask(fmt.Sprintf("t%d", i))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if q.Len() != 5 {
		t.Fatalf("expected length 5, got %d", q.Len())
	}

	for i := range 5 {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		want := fmt.Sprintf("t%d", i)
		if got.ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, got.ID)
		}
	}
}

// TestQueue_PriorityBlind verifies priority does not affect ordering.
func TestQueue_PriorityBlind(t *testing.T) {
	q := NewQueue()
	low := newTask("low")
	low.Priority = 1
	high := newTask("high")
	high.Priority = 10

	_ = q.Enqueue(low)
	_ = q.Enqueue(high)

	first, _ := q.Dequeue(context.Background())
	if first.ID != "low" {
		t.Errorf("expected arrival order, got %s first", first.ID)
	}
}

// TestQueue_DequeueBlocksUntilEnqueue verifies consumers wait on an empty queue.
func TestQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue()
	got := make(chan *task.Task, 1)

	go func() {
		tk, err := q.Dequeue(context.Background())
		if err == nil {
			got <- tk
		}
	}()

	select {
	case <-got:
		t.Fatal("dequeue returned before anything was enqueued")
	case <-time.After(30 * time.Millisecond):
	}

	_ = q.Enqueue(newTask("late"))

	select {
	case tk := <-got:
		if tk.ID != "late" {
			t.Errorf("expected 'late', got %s", tk.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken by enqueue")
	}
}

// TestQueue_DequeueContextCancel verifies a waiting consumer returns on cancellation.
func TestQueue_DequeueContextCancel(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

// TestQueue_Close verifies close semantics: drain first, then ErrQueueClosed.
func TestQueue_Close(t *testing.T) {
	q := NewQueue()
	_ = q.Enqueue(newTask("a"))
	q.Close()

	if err := q.Enqueue(newTask("b")); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed on enqueue after close, got %v", err)
	}

	tk, err := q.Dequeue(context.Background())
	if err != nil || tk.ID != "a" {
		t.Fatalf("expected queued task to drain after close, got %v, %v", tk, err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed once drained, got %v", err)
	}

	q.Close() // idempotent
}

// TestQueue_ConcurrentExactlyOnce verifies many producers and consumers see each task once.
func TestQueue_ConcurrentExactlyOnce(t *testing.T) {
	const producers = 8
	const perProducer = 250
	const consumers = 6

	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seenMu sync.Mutex
	seen := make(map[string]int)

	var consumersWG sync.WaitGroup
	for range consumers {
		consumersWG.Add(1)
		go func() {
			defer consumersWG.Done()
			for {
				tk, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				seenMu.Lock()
				seen[tk.ID]++
				seenMu.Unlock()
			}
		}()
	}

	var producersWG sync.WaitGroup
	for p := range producers {
		producersWG.Add(1)
		go func() {
			defer producersWG.Done()
			for i := range perProducer {
				_ = q.Enqueue(newTask(fmt.Sprintf("p%d-%d", p, i)))
			}
		}()
	}
	producersWG.Wait()
	q.Close()
	consumersWG.Wait()

	if len(seen) != producers*perProducer {
		t.Fatalf("expected %d distinct tasks, got %d", producers*perProducer, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("task %s observed %d times", id, n)
		}
	}
}
