package search

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrJobNotFound is returned by JobStore implementations for unknown batch IDs.
var ErrJobNotFound = errors.New("job not found")

// ErrJobTerminal is returned when an update targets a completed or failed job.
var ErrJobTerminal = errors.New("job already terminal")

// ErrQueueFull is returned by bounded brokers at capacity.
var ErrQueueFull = errors.New("queue full")

// ErrQueueClosed is returned by Queue.Dequeue once the broker shuts down.
var ErrQueueClosed = errors.New("queue closed")

// Fetcher performs the upstream retrieval for one page of results. Failures
// should be reported as *FetchError so callers can pick a retry policy.
type Fetcher interface {
	Fetch(ctx context.Context, query string, page, limit int) ([]Record, error)
}

// JobStore persists job status independently of the broker.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, batchID string) (Job, error)
	UpdateJob(ctx context.Context, batchID string, update JobUpdate) (Job, error)
}

// RecordStore keeps individual records in durable storage.
type RecordStore interface {
	UpsertRecords(ctx context.Context, key Key, records []Record) error
}

// Queue is the durable broker for asynchronous jobs. Dequeue blocks until a
// delivery is available, honoring priority, or ctx ends.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	Dequeue(ctx context.Context) (*Delivery, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces batch IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Delivery is one message handed to a worker. Exactly one of Ack or Nack takes
// effect; later calls are ignored.
type Delivery struct {
	Message Message

	once sync.Once
	ack  func()
	nack func(delay time.Duration)
}

// NewDelivery wraps a message with broker-specific settlement callbacks.
func NewDelivery(msg Message, ack func(), nack func(delay time.Duration)) *Delivery {
	return &Delivery{Message: msg, ack: ack, nack: nack}
}

// Ack settles the delivery as processed.
func (d *Delivery) Ack() {
	d.once.Do(func() {
		if d.ack != nil {
			d.ack()
		}
	})
}

// Nack asks the broker to redeliver after roughly delay.
func (d *Delivery) Nack(delay time.Duration) {
	d.once.Do(func() {
		if d.nack != nil {
			d.nack(delay)
		}
	})
}
