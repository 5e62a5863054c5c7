// Package queue provides the multi-producer, single-consumer event queue
// between the provider adapters and the reconciler. Producers never block:
// webhook handlers have to respond within the provider's SLA, so the queue
// grows instead of applying backpressure.
package queue

import (
	"context"
	"sync"

	"github.com/onnwee/stream-herald/event"
)

// Queue is an unbounded FIFO of canonical events.
type Queue struct {
	mu     sync.Mutex
	items  []event.Event
	wake   chan struct{}
	closed bool
}

func New() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Push appends an event. It never blocks and is safe to call from any
// goroutine. Pushes after Close are dropped.
func (q *Queue) Push(ev event.Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest event, blocking until one is available.
// It returns ok=false when ctx is canceled or the queue is closed and empty.
func (q *Queue) Pop(ctx context.Context) (event.Event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return event.Event{}, false
		}
		select {
		case <-ctx.Done():
			return event.Event{}, false
		case <-q.wake:
		}
	}
}

// Len reports the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue. Blocked Pop calls drain remaining items, then
// return ok=false.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
