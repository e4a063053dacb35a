package engine

import (
	"context"
	"sync"

	"github.com/roach88/rill/internal/ir"
)

// inboxItem is one read from the subscription: a record or the error
// that ended the read loop.
type inboxItem struct {
	rec ir.Record
	err error
}

// inbox is a bounded FIFO between a subscription pump and the worker loop.
//
// The pump blocks when the inbox is full, so a slow worker throttles reads
// from the log instead of buffering the topic in memory. The worker waits
// on a signal channel so its select can also serve tickers and cancellation.
type inbox struct {
	mu     sync.Mutex
	items  []inboxItem
	max    int
	closed bool
	signal chan struct{} // buffered, size 1; closed by Close
	space  chan struct{} // buffered, size 1
}

func newInbox(max int) *inbox {
	if max <= 0 {
		max = 256
	}
	return &inbox{
		items:  make([]inboxItem, 0, max),
		max:    max,
		signal: make(chan struct{}, 1),
		space:  make(chan struct{}, 1),
	}
}

// Enqueue adds an item, waiting for room. Returns false if the inbox is
// closed or ctx is done.
func (q *inbox) Enqueue(ctx context.Context, it inboxItem) bool {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return false
		}
		if len(q.items) < q.max {
			q.items = append(q.items, it)
			select {
			case q.signal <- struct{}{}:
			default:
			}
			q.mu.Unlock()
			return true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-q.space:
		}
	}
}

// TryDequeue removes the front item without blocking.
func (q *inbox) TryDequeue() (inboxItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return inboxItem{}, false
	}
	it := q.items[0]
	q.items[0] = inboxItem{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}

	select {
	case q.space <- struct{}{}:
	default:
	}
	return it, true
}

// Wait returns a channel that signals when items may be available.
func (q *inbox) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued items.
func (q *inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops further enqueues and wakes the waiter.
func (q *inbox) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
