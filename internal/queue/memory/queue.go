// Package memory provides an in-process job queue for single-node deployments
// and tests.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/scrapecache/internal/search"
	"github.com/JakeFAU/scrapecache/internal/telemetry"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	ErrQueueFull = search.ErrQueueFull
	// ErrClosed is returned once Close has been called.
	ErrClosed = search.ErrQueueClosed
)

// Queue is a bounded priority queue. High priority messages are delivered
// first and equal priorities are delivered in submission order.
type Queue struct {
	mu       sync.Mutex
	items    itemHeap
	seq      uint64
	capacity int
	closed   bool

	ready chan struct{}
	done  chan struct{}
}

// NewQueue constructs a queue holding at most capacity pending messages. A
// capacity of zero or less means unbounded.
func NewQueue(capacity int) *Queue {
	return &Queue{
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Enqueue adds msg, attaching the caller's trace context when msg has none.
func (q *Queue) Enqueue(ctx context.Context, msg search.Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	if msg.Trace == nil {
		msg.Trace = telemetry.Inject(ctx)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.capacity > 0 && q.items.Len() >= q.capacity {
		return ErrQueueFull
	}
	q.pushLocked(msg)
	return nil
}

// Dequeue blocks until a message is available, ctx ends, or the queue closes.
func (q *Queue) Dequeue(ctx context.Context) (*search.Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if q.items.Len() > 0 {
			it := heap.Pop(&q.items).(*item)
			if q.items.Len() > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return q.deliver(it.msg), nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
		case <-q.ready:
		}
	}
}

// Len reports the number of pending messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close wakes blocked consumers. Pending and delayed messages are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *Queue) deliver(msg search.Message) *search.Delivery {
	return search.NewDelivery(msg, nil, func(delay time.Duration) {
		if delay <= 0 {
			q.requeue(msg)
			return
		}
		time.AfterFunc(delay, func() { q.requeue(msg) })
	})
}

// requeue bypasses capacity: the message was already admitted once.
func (q *Queue) requeue(msg search.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.pushLocked(msg)
}

func (q *Queue) pushLocked(msg search.Message) {
	q.seq++
	heap.Push(&q.items, &item{msg: msg, rank: msg.Priority.Rank(), seq: q.seq})
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

type item struct {
	msg  search.Message
	rank int
	seq  uint64
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
