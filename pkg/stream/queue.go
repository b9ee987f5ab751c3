package stream

import (
	"context"
	"errors"
	"sync"
)

var errReceiverGone = errors.New("receiver closed")

// queue is a single-producer single-consumer FIFO. With limit 0 it never
// blocks the producer and grows without bound.
type queue[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	limit   int
	closed  bool
	dropped bool

	readable chan struct{}
	writable chan struct{}
}

func newQueue[T any](limit int) *queue[T] {
	return &queue[T]{
		limit:    limit,
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *queue[T]) lenLocked() int { return len(q.items) - q.head }

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// push appends v. It fails with errReceiverGone once the consumer dropped
// the queue, and with ctx.Err() while waiting for room in a bounded queue.
func (q *queue[T]) push(ctx context.Context, v T) error {
	for {
		q.mu.Lock()
		if q.dropped {
			q.mu.Unlock()
			return errReceiverGone
		}
		if q.limit <= 0 || q.lenLocked() < q.limit {
			q.items = append(q.items, v)
			q.mu.Unlock()
			signal(q.readable)
			return nil
		}
		q.mu.Unlock()

		select {
		case <-q.writable:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pop removes the oldest item. ok is false once the queue is closed and empty.
func (q *queue[T]) pop(ctx context.Context) (v T, ok bool, err error) {
	for {
		q.mu.Lock()
		if q.lenLocked() > 0 {
			v = q.items[q.head]
			var zero T
			q.items[q.head] = zero
			q.head++
			if q.head == len(q.items) {
				q.items = q.items[:0]
				q.head = 0
			} else if q.head > 64 && q.head*2 > len(q.items) {
				n := copy(q.items, q.items[q.head:])
				q.items = q.items[:n]
				q.head = 0
			}
			q.mu.Unlock()
			signal(q.writable)
			return v, true, nil
		}
		if q.closed || q.dropped {
			q.mu.Unlock()
			return v, false, nil
		}
		q.mu.Unlock()

		select {
		case <-q.readable:
		case <-ctx.Done():
			return v, false, ctx.Err()
		}
	}
}

// close marks the end of production; buffered items stay readable.
func (q *queue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	signal(q.readable)
}

// drop discards buffered items and makes further pushes fail.
func (q *queue[T]) drop() {
	q.mu.Lock()
	q.dropped = true
	q.items = nil
	q.head = 0
	q.mu.Unlock()
	signal(q.readable)
	signal(q.writable)
}
