package quic

import (
	"context"
	"sync"

	"github.com/eapache/queue"
)

// acceptQueue is an unbounded FIFO with an end-of-stream marker. Items
// enqueued before complete are still handed out; afterwards dequeue returns
// the terminal error.
type acceptQueue[T any] struct {
	mu        sync.Mutex
	items     *queue.Queue
	completed bool
	terminal  error

	notify chan struct{}
	done   chan struct{}
}

func newAcceptQueue[T any](terminal error) *acceptQueue[T] {
	return &acceptQueue[T]{
		items:    queue.New(),
		terminal: terminal,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (q *acceptQueue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// enqueue reports false when the queue is already complete.
func (q *acceptQueue[T]) enqueue(v T) bool {
	q.mu.Lock()
	if q.completed {
		q.mu.Unlock()
		return false
	}
	q.items.Add(v)
	q.mu.Unlock()

	q.wake()
	return true
}

func (q *acceptQueue[T]) dequeue(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if q.items.Length() > 0 {
			v := q.items.Remove().(T)
			more := q.items.Length() > 0
			q.mu.Unlock()
			if more {
				// Pass the wakeup on to the next waiter.
				q.wake()
			}
			return v, nil
		}
		if q.completed {
			q.mu.Unlock()
			return zero, q.terminal
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func (q *acceptQueue[T]) complete() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.completed {
		return
	}
	q.completed = true
	close(q.done)
}

// drain removes and returns everything still queued.
func (q *acceptQueue[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]T, 0, q.items.Length())
	for q.items.Length() > 0 {
		items = append(items, q.items.Remove().(T))
	}
	return items
}

func (q *acceptQueue[T]) isComplete() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed
}
