// Package worker executes queued search jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapecache/internal/coordinator"
	"github.com/JakeFAU/scrapecache/internal/events"
	"github.com/JakeFAU/scrapecache/internal/metrics"
	"github.com/JakeFAU/scrapecache/internal/retry"
	"github.com/JakeFAU/scrapecache/internal/search"
	"github.com/JakeFAU/scrapecache/internal/telemetry"
)

// Resolver runs the coordinator's resolve algorithm.
type Resolver interface {
	Resolve(ctx context.Context, req coordinator.Request) (coordinator.Response, error)
}

// Releaser frees the admission slot a job claimed at submit time.
type Releaser interface {
	DecrementConcurrentJobs(identity string)
}

// Config controls the broker-level retry budget.
type Config struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// WithDefaults fills unset fields: 3 attempts, 10s initial backoff, 5m cap.
func (c Config) WithDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 10 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	return c
}

// Worker consumes deliveries and drives each job to a terminal status.
type Worker struct {
	id       int
	queue    search.Queue
	jobs     search.JobStore
	resolver Resolver
	releaser Releaser
	events   events.Emitter
	tracer   trace.Tracer
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker. releaser and emitter may be nil.
func New(
	id int,
	queue search.Queue,
	jobs search.JobStore,
	resolver Resolver,
	releaser Releaser,
	emitter events.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if emitter == nil {
		emitter = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:       id,
		queue:    queue,
		jobs:     jobs,
		resolver: resolver,
		releaser: releaser,
		events:   emitter,
		tracer:   otel.Tracer("github.com/JakeFAU/scrapecache/internal/worker"),
		cfg:      cfg.WithDefaults(),
		logger:   logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming deliveries until ctx finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, search.ErrQueueClosed) {
				w.logger.Info("queue closed, worker exiting")
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		w.logger.Debug("dequeued job", zap.String("batch_id", d.Message.BatchID))
		w.Process(ctx, d)
	}
}

// Process handles one delivery and settles it.
func (w *Worker) Process(ctx context.Context, d *search.Delivery) {
	msg := d.Message
	ctx = telemetry.Extract(ctx, msg.Trace)
	ctx, span := w.tracer.Start(ctx, "worker.Process", trace.WithAttributes(
		attribute.String("scrapecache.batch_id", msg.BatchID),
		attribute.String("scrapecache.key", msg.Key.String()),
	))
	defer span.End()

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	job, err := w.jobs.GetJob(ctx, msg.BatchID)
	if err != nil {
		if errors.Is(err, search.ErrJobNotFound) {
			w.logger.Warn("dropping delivery for unknown job", zap.String("batch_id", msg.BatchID))
			d.Ack()
			return
		}
		w.logger.Error("load job failed", zap.String("batch_id", msg.BatchID), zap.Error(err))
		d.Nack(w.cfg.BackoffInitial)
		return
	}
	if job.Status.Terminal() {
		d.Ack()
		return
	}

	attempt := job.Attempt + 1
	if _, err := w.jobs.UpdateJob(ctx, msg.BatchID, search.JobUpdate{
		Status:  search.JobStatusProcessing,
		Attempt: attempt,
	}); err != nil {
		w.settleUpdateError(d, msg, err)
		return
	}
	metrics.ObserveJob(string(search.JobStatusProcessing))
	w.emit(events.KindJobProcessing, msg, attempt, "")

	resp, err := w.resolver.Resolve(ctx, coordinator.Request{
		Key:      msg.Key,
		Identity: msg.Identity,
		Mode:     coordinator.ModeSync,
		Priority: msg.Priority,
	})
	if err == nil {
		entry := resp.Entry
		w.finish(ctx, d, msg, attempt, search.JobUpdate{Status: search.JobStatusCompleted, Result: &entry})
		return
	}

	span.RecordError(err)
	if ctx.Err() != nil {
		// Shutdown interrupted the attempt. The job stays open for redelivery.
		w.logger.Warn("job interrupted by shutdown, redelivering",
			zap.String("batch_id", msg.BatchID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		d.Nack(w.cfg.BackoffInitial)
		return
	}
	if attempt < w.cfg.MaxAttempts && search.Retryable(err) {
		delay := w.backoff(attempt)
		w.logger.Warn("job attempt failed, redelivering",
			zap.String("batch_id", msg.BatchID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		w.emit(events.KindJobRetry, msg, attempt, string(search.CodeOf(err)))
		metrics.ObserveJob("retry")
		d.Nack(delay)
		return
	}

	span.SetStatus(codes.Error, err.Error())
	w.finish(ctx, d, msg, attempt, search.JobUpdate{
		Status: search.JobStatusFailed,
		Error:  failureText(err),
	})
}

// finish writes the terminal status. The admission slot is released only by
// the transition that actually made the job terminal.
func (w *Worker) finish(ctx context.Context, d *search.Delivery, msg search.Message, attempt int, update search.JobUpdate) {
	update.Attempt = attempt
	// The result must land even when shutdown canceled ctx mid-job.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if _, err := w.jobs.UpdateJob(writeCtx, msg.BatchID, update); err != nil {
		w.settleUpdateError(d, msg, err)
		return
	}
	d.Ack()
	if w.releaser != nil {
		w.releaser.DecrementConcurrentJobs(msg.Identity)
	}
	metrics.ObserveJob(string(update.Status))

	kind := events.KindJobCompleted
	if update.Status == search.JobStatusFailed {
		kind = events.KindJobFailed
	}
	w.emit(kind, msg, attempt, update.Error)
	w.logger.Info("job finished",
		zap.String("batch_id", msg.BatchID),
		zap.String("status", string(update.Status)),
		zap.Int("attempt", attempt))
}

func (w *Worker) settleUpdateError(d *search.Delivery, msg search.Message, err error) {
	switch {
	case errors.Is(err, search.ErrJobTerminal), errors.Is(err, search.ErrJobNotFound):
		d.Ack()
	default:
		w.logger.Error("update job failed", zap.String("batch_id", msg.BatchID), zap.Error(err))
		d.Nack(w.cfg.BackoffInitial)
	}
}

func (w *Worker) backoff(attempt int) time.Duration {
	return retry.Delay(retry.Options{
		InitialDelay: w.cfg.BackoffInitial,
		MaxDelay:     w.cfg.BackoffMax,
	}, attempt)
}

func (w *Worker) emit(kind events.Kind, msg search.Message, attempt int, note string) {
	w.events.Emit(events.Event{
		Kind:    kind,
		Key:     msg.Key.String(),
		BatchID: msg.BatchID,
		Attempt: attempt,
		Note:    note,
	})
}

// failureText is the caller-safe message stored on a failed job.
func failureText(err error) string {
	se := search.AsError(err)
	return fmt.Sprintf("%s: %s", se.Code, se.Message)
}
