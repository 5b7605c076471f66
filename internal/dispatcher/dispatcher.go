// Package dispatcher accepts asynchronous jobs and fans queue work out to a
// pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapecache/internal/events"
	"github.com/JakeFAU/scrapecache/internal/metrics"
	"github.com/JakeFAU/scrapecache/internal/search"
	"github.com/JakeFAU/scrapecache/internal/worker"
)

// QueueFullRetryAfter is the hint returned when the broker rejects a job.
const QueueFullRetryAfter = 30 * time.Second

// Config sizes the worker pool.
type Config struct {
	Concurrency int
	Worker      worker.Config
}

// Dispatcher owns job submission, status lookups and the worker pool.
type Dispatcher struct {
	queue   search.Queue
	jobs    search.JobStore
	ids     search.IDGenerator
	clock   search.Clock
	events  events.Emitter
	cfg     Config
	logger  *zap.Logger
	workers []*worker.Worker
}

// New creates a Dispatcher with no workers. Call AddWorkers before Run.
func New(
	queue search.Queue,
	jobs search.JobStore,
	ids search.IDGenerator,
	clock search.Clock,
	emitter events.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:  queue,
		jobs:   jobs,
		ids:    ids,
		clock:  clock,
		events: emitter,
		cfg:    cfg,
		logger: logger,
	}
}

// AddWorkers builds the configured number of workers around resolver. The
// resolver is usually the coordinator, which in turn submits through this
// dispatcher, hence the two-step construction.
func (d *Dispatcher) AddWorkers(resolver worker.Resolver, releaser worker.Releaser) {
	for i := 0; i < d.cfg.Concurrency; i++ {
		d.workers = append(d.workers, worker.New(
			i+1, d.queue, d.jobs, resolver, releaser, d.events, d.cfg.Worker, d.logger.Named("worker"),
		))
	}
}

// Workers reports the pool size.
func (d *Dispatcher) Workers() int {
	return len(d.workers)
}

// Submit records a queued job and enqueues it. A job whose enqueue fails is
// marked failed so status polls never hang on it.
func (d *Dispatcher) Submit(ctx context.Context, key search.Key, identity string, priority search.Priority) (string, error) {
	batchID, err := d.ids.NewID()
	if err != nil {
		return "", search.Internal(fmt.Errorf("generate batch id: %w", err))
	}
	now := d.clock.Now().UTC()
	job := search.Job{
		BatchID:   batchID,
		Key:       key,
		Priority:  priority,
		Status:    search.JobStatusQueued,
		Identity:  identity,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.jobs.CreateJob(ctx, job); err != nil {
		return "", search.Internal(fmt.Errorf("create job: %w", err))
	}

	msg := search.Message{
		BatchID:   batchID,
		Key:       key,
		Identity:  identity,
		Priority:  priority,
		Submitted: now.Unix(),
	}
	if err := d.queue.Enqueue(ctx, msg); err != nil {
		d.logger.Error("queue enqueue failed", zap.String("batch_id", batchID), zap.Error(err))
		if _, uerr := d.jobs.UpdateJob(context.WithoutCancel(ctx), batchID, search.JobUpdate{
			Status: search.JobStatusFailed,
			Error:  "enqueue failed",
		}); uerr != nil {
			d.logger.Warn("mark unqueued job failed", zap.String("batch_id", batchID), zap.Error(uerr))
		}
		metrics.ObserveJob(string(search.JobStatusFailed))
		if errors.Is(err, search.ErrQueueFull) {
			return "", search.AdmissionDenied("job queue is full", QueueFullRetryAfter)
		}
		return "", search.Internal(fmt.Errorf("queue enqueue: %w", err))
	}

	metrics.ObserveJob(string(search.JobStatusQueued))
	d.events.Emit(events.Event{Kind: events.KindJobQueued, Key: key.String(), BatchID: batchID})
	d.logger.Debug("job queued",
		zap.String("batch_id", batchID),
		zap.String("key", key.String()),
		zap.String("priority", string(priority)))
	return batchID, nil
}

// Status returns the persisted job.
func (d *Dispatcher) Status(ctx context.Context, batchID string) (search.Job, error) {
	job, err := d.jobs.GetJob(ctx, batchID)
	if errors.Is(err, search.ErrJobNotFound) {
		return search.Job{}, search.NotFound("job not found")
	}
	if err != nil {
		return search.Job{}, search.Internal(fmt.Errorf("get job: %w", err))
	}
	return job, nil
}

// Run starts all workers and blocks until they exit.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	d.logger.Info("dispatcher started", zap.Int("workers", len(d.workers)))
	wg.Wait()
}
