// Package queue implements a bounded work queue of indexed frames with
// explicit close and drain accounting.
package queue

import (
	"context"
	"errors"
	"image"
	"sync"
)

// ErrClosed is returned by Take when the queue is closed and empty and by
// Submit when the queue is closed.
var ErrClosed = errors.New("queue closed")

// Item is a frame with its position in the source stream.
type Item struct {
	Index int
	Frame *image.RGBA
}

// Queue is a bounded FIFO shared by a single producer and multiple
// consumers. Every item is delivered to exactly one consumer.
type Queue struct {
	items  chan Item
	closed chan struct{}

	m        sync.Mutex
	isClosed bool
	pending  int           // submitted, but not marked done
	drained  chan struct{} // closed when pending drops to zero
}

// New returns a queue which holds up to capacity items. Submit blocks
// when the queue is full.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		items:  make(chan Item, capacity),
		closed: make(chan struct{}),
	}
}

// Submit adds the item to the tail of the queue. It blocks while the queue
// is full.
func (q *Queue) Submit(ctx context.Context, it Item) error {
	q.m.Lock()
	if q.isClosed {
		q.m.Unlock()
		return ErrClosed
	}
	q.pending++
	if q.pending == 1 {
		q.drained = make(chan struct{})
	}
	q.m.Unlock()

	select {
	case q.items <- it:
		return nil
	case <-ctx.Done():
		q.Done()
		return ctx.Err()
	}
}

// Take removes the item from the head of the queue. It blocks until an
// item is available. ErrClosed is returned once the queue is closed and
// all items were taken. Done context wins over waiting items.
func (q *Queue) Take(ctx context.Context) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	// items win over the closed state.
	select {
	case it := <-q.items:
		return it, nil
	default:
	}
	select {
	case it := <-q.items:
		return it, nil
	case <-q.closed:
		select {
		case it := <-q.items:
			return it, nil
		default:
			return Item{}, ErrClosed
		}
	case <-ctx.Done():
		return Item{}, ctx.Err()
	}
}

// Done marks one taken item as processed.
func (q *Queue) Done() {
	q.m.Lock()
	defer q.m.Unlock()
	if q.pending == 0 {
		panic("queue: Done called without pending items")
	}
	q.pending--
	if q.pending == 0 {
		close(q.drained)
	}
}

// AwaitDrained blocks until every submitted item was taken and marked done.
func (q *Queue) AwaitDrained(ctx context.Context) error {
	q.m.Lock()
	if q.pending == 0 {
		q.m.Unlock()
		return nil
	}
	drained := q.drained
	q.m.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the queue. Consumers receive ErrClosed after remaining
// items are taken. It's safe to call Close multiple times.
func (q *Queue) Close() {
	q.m.Lock()
	defer q.m.Unlock()
	if q.isClosed {
		return
	}
	q.isClosed = true
	close(q.closed)
}

// Len returns the number of items waiting to be taken.
func (q *Queue) Len() int {
	return len(q.items)
}

// Pending returns the number of submitted items which are not done yet.
func (q *Queue) Pending() int {
	q.m.Lock()
	defer q.m.Unlock()
	return q.pending
}
