package event

import (
	"context"
	"errors"
	"sync"

	"github.com/amirphl/simple-oms/internal/order"
)

var ErrQueueClosed = errors.New("event queue closed")

// queue is a bounded FIFO with a single consumer. Publishers block while
// it is full.
type queue struct {
	ch     chan order.Event
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &queue{ch: make(chan order.Event, capacity), done: make(chan struct{})}
}

// publish enqueues e, waiting for room until ctx is done.
func (q *queue) publish(ctx context.Context, e order.Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- e:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops the queue from accepting new events. Events already queued
// are still delivered by run.
func (q *queue) close() {
	// release publishers blocked on a full queue before taking the lock
	q.once.Do(func() { close(q.done) })
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

func (q *queue) len() int {
	return len(q.ch)
}

// run consumes events until the context is done or the queue is closed
// and drained.
func (q *queue) run(ctx context.Context, handler func(order.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-q.ch:
			if !ok {
				return
			}
			handler(e)
		}
	}
}
