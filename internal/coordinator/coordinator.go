// Package coordinator resolves search keys against the cache tiers, the
// per-key lock and the upstream fetcher. It is the only component that calls
// all three.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapecache/internal/events"
	"github.com/JakeFAU/scrapecache/internal/metrics"
	"github.com/JakeFAU/scrapecache/internal/retry"
	"github.com/JakeFAU/scrapecache/internal/search"
)

// Mode selects the execution path on a cache miss.
type Mode string

// Execution modes.
const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Request is one resolve call.
type Request struct {
	Key      search.Key
	Identity string
	Mode     Mode
	Priority search.Priority
}

// Response is either a resolved entry or, for async misses, a pending job.
type Response struct {
	Entry    search.Entry
	Source   search.Source
	Cached   bool
	BatchID  string
	Pending  bool
	Duration time.Duration
}

// Cache is the slice of cache.Tiers the coordinator uses.
type Cache interface {
	Lookup(ctx context.Context, key search.Key) (search.Entry, search.Source, bool)
	Contains(ctx context.Context, key search.Key) bool
	Store(ctx context.Context, key search.Key, entry search.Entry) error
	NewEntry(records []search.Record, source search.Source, took time.Duration) search.Entry
}

// Locker is the slice of lock.Coordinator the coordinator uses.
type Locker interface {
	TryAcquire(key search.Key) (string, bool)
	Release(key search.Key, token string) bool
	IsLocked(key search.Key) bool
	WaitForRelease(ctx context.Context, key search.Key, maxWait, poll time.Duration) bool
}

// Submitter hands async misses to the job queue.
type Submitter interface {
	Submit(ctx context.Context, key search.Key, identity string, priority search.Priority) (string, error)
}

// Config tunes waiting, retries and background work.
type Config struct {
	LockWaitMax       time.Duration
	LockPoll          time.Duration
	BusyRetryAfter    time.Duration
	BlockedRetryAfter time.Duration
	// FetchTimeout bounds a detached fetch. Zero leaves it to the fetcher.
	FetchTimeout time.Duration
	// RecordSyncTimeout bounds the per-record store write.
	RecordSyncTimeout time.Duration
	DisablePrefetch   bool
	// PrefetchMaxPage stops prefetching past this page. Zero means no limit.
	PrefetchMaxPage int
	Retry           retry.Options
}

const (
	defaultLockWaitMax       = 15 * time.Minute
	defaultLockPoll          = 2 * time.Second
	defaultBusyRetryAfter    = 30 * time.Second
	defaultBlockedRetryAfter = time.Minute
	defaultRecordSyncTimeout = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.LockWaitMax <= 0 {
		c.LockWaitMax = defaultLockWaitMax
	}
	if c.LockPoll <= 0 {
		c.LockPoll = defaultLockPoll
	}
	if c.BusyRetryAfter <= 0 {
		c.BusyRetryAfter = defaultBusyRetryAfter
	}
	if c.BlockedRetryAfter <= 0 {
		c.BlockedRetryAfter = defaultBlockedRetryAfter
	}
	if c.RecordSyncTimeout <= 0 {
		c.RecordSyncTimeout = defaultRecordSyncTimeout
	}
	return c
}

// errNoResults marks a successful fetch with zero records. It stops retries.
var errNoResults = errors.New("upstream returned no records")

// Coordinator implements the resolve algorithm.
type Coordinator struct {
	cache   Cache
	locks   Locker
	fetcher search.Fetcher
	records search.RecordStore
	jobs    Submitter
	events  events.Emitter
	tracer  trace.Tracer
	cfg     Config
	logger  *zap.Logger

	base    context.Context
	stop    context.CancelFunc
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// New builds a Coordinator. records, jobs and emitter may be nil; without a
// Submitter async requests fail.
func New(
	cache Cache,
	locks Locker,
	fetcher search.Fetcher,
	records search.RecordStore,
	jobs Submitter,
	emitter events.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	if emitter == nil {
		emitter = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	cfg.Retry.Logger = logger
	base, stop := context.WithCancel(context.Background())
	return &Coordinator{
		cache:   cache,
		locks:   locks,
		fetcher: fetcher,
		records: records,
		jobs:    jobs,
		events:  emitter,
		tracer:  otel.Tracer("github.com/JakeFAU/scrapecache/internal/coordinator"),
		cfg:     cfg,
		logger:  logger,
		base:    base,
		stop:    stop,
	}
}

// Resolve serves key from cache, queues it (async) or fetches it under the
// key's lock (sync).
func (c *Coordinator) Resolve(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "coordinator.Resolve", trace.WithAttributes(
		attribute.String("scrapecache.key", req.Key.String()),
		attribute.String("scrapecache.mode", string(req.Mode)),
	))
	defer span.End()

	if err := req.Key.Validate(); err != nil {
		return Response{}, search.Validation(err.Error())
	}
	resp, err := c.resolve(ctx, req)
	resp.Duration = time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(search.CodeOf(err)))
		return resp, err
	}
	span.SetAttributes(
		attribute.String("scrapecache.source", string(resp.Source)),
		attribute.Bool("scrapecache.pending", resp.Pending),
	)
	return resp, nil
}

func (c *Coordinator) resolve(ctx context.Context, req Request) (Response, error) {
	key := req.Key
	if resp, ok := c.fromCache(ctx, req); ok {
		return resp, nil
	}
	c.emit(events.Event{Kind: events.KindCacheMiss, Key: key.String()})

	if req.Mode == ModeAsync {
		if c.jobs == nil {
			return Response{}, search.Internal(errors.New("async resolution is not configured"))
		}
		batchID, err := c.jobs.Submit(ctx, key, req.Identity, req.Priority)
		if err != nil {
			return Response{}, err
		}
		return Response{BatchID: batchID, Pending: true}, nil
	}

	if c.locks.IsLocked(key) {
		resp, ok, released := c.waitAndRecheck(ctx, req)
		if ok {
			return resp, nil
		}
		if !released {
			return Response{}, c.busy(ctx, key)
		}
	}

	// Losing the acquire race earns one more wait before giving up.
	token, ok := c.locks.TryAcquire(key)
	if !ok {
		resp, hit, released := c.waitAndRecheck(ctx, req)
		if hit {
			return resp, nil
		}
		if released {
			token, ok = c.locks.TryAcquire(key)
		}
	}
	if !ok {
		return Response{}, c.busy(ctx, key)
	}
	return c.fetchLocked(ctx, req, token)
}

func (c *Coordinator) busy(ctx context.Context, key search.Key) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("wait for %s: %w", key, err)
	}
	return search.ResourceBusy(key, c.cfg.BusyRetryAfter)
}

func (c *Coordinator) fromCache(ctx context.Context, req Request) (Response, bool) {
	entry, source, ok := c.cache.Lookup(ctx, req.Key)
	if !ok {
		return Response{}, false
	}
	c.emit(events.Event{
		Kind:    events.KindCacheHit,
		Key:     req.Key.String(),
		Source:  string(source),
		Records: len(entry.Records),
	})
	c.Prefetch(ctx, req.Key.Next(), req.Identity)
	return Response{Entry: entry, Source: source, Cached: true}, true
}

// waitAndRecheck waits for another holder of the key. It reports whether the
// cache then had the entry, and whether the lock was released at all.
func (c *Coordinator) waitAndRecheck(ctx context.Context, req Request) (Response, bool, bool) {
	c.emit(events.Event{Kind: events.KindLockWait, Key: req.Key.String()})
	start := time.Now()
	released := c.locks.WaitForRelease(ctx, req.Key, c.cfg.LockWaitMax, c.cfg.LockPoll)
	result := "released"
	if !released {
		result = "timeout"
	}
	metrics.ObserveLockWait(result, time.Since(start))
	if !released {
		return Response{}, false, false
	}
	resp, ok := c.fromCache(ctx, req)
	return resp, ok, true
}

type fetchResult struct {
	resp Response
	err  error
}

// fetchLocked runs the fetch detached from ctx and releases the lock when it
// finishes. A caller whose ctx ends stops waiting, but the fetch still
// populates the cache.
func (c *Coordinator) fetchLocked(ctx context.Context, req Request, token string) (Response, error) {
	done := make(chan fetchResult, 1)
	run := func(fetchCtx context.Context) {
		resp, err := c.fetch(fetchCtx, req, true)
		c.locks.Release(req.Key, token)
		done <- fetchResult{resp: resp, err: err}
	}
	if !c.goBackground(ctx, c.cfg.FetchTimeout, run) {
		run(ctx)
	}

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return Response{}, fmt.Errorf("abandoned wait for %s: %w", req.Key, ctx.Err())
	}
}

func (c *Coordinator) fetch(ctx context.Context, req Request, prefetchNext bool) (Response, error) {
	key := req.Key
	ctx, span := c.tracer.Start(ctx, "coordinator.fetch", trace.WithAttributes(
		attribute.String("scrapecache.key", key.String()),
	))
	defer span.End()

	c.emit(events.Event{Kind: events.KindFetchStart, Key: key.String()})
	start := time.Now()
	opts := c.cfg.Retry
	opts.Classify = classify
	opts.Hook = c.retryHook(key, c.cfg.Retry.Hook)
	res := retry.Execute(ctx, func(ctx context.Context, _ int) ([]search.Record, error) {
		records, err := c.fetcher.Fetch(ctx, key.Query, key.Page, key.Limit)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, errNoResults
		}
		return records, nil
	}, opts)
	took := time.Since(start)
	span.SetAttributes(attribute.Int("scrapecache.attempts", res.Attempts))

	if !res.Success {
		outcome, err := c.failure(key, res.Err)
		metrics.ObserveFetch(outcome, res.Attempts, took)
		c.emit(events.Event{
			Kind:       events.KindFetchFailed,
			Key:        key.String(),
			Attempt:    res.Attempts,
			DurationMs: took.Milliseconds(),
			Note:       outcome,
		})
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, outcome)
		c.logger.Info("fetch failed",
			zap.String("key", key.String()),
			zap.String("identity", req.Identity),
			zap.String("outcome", outcome),
			zap.Int("attempt", res.Attempts),
			zap.Error(res.Err),
		)
		return Response{}, err
	}

	metrics.ObserveFetch("success", res.Attempts, took)
	entry := c.cache.NewEntry(res.Value, search.SourceLive, took)
	if err := c.cache.Store(ctx, key, entry); err != nil {
		c.logger.Warn("serving uncached result", zap.String("key", key.String()), zap.Error(err))
	}
	c.syncRecords(ctx, key, res.Value)
	c.emit(events.Event{
		Kind:       events.KindFetchDone,
		Key:        key.String(),
		Source:     string(search.SourceLive),
		Attempt:    res.Attempts,
		Records:    len(res.Value),
		DurationMs: took.Milliseconds(),
	})
	if prefetchNext {
		c.Prefetch(ctx, key.Next(), req.Identity)
	}
	return Response{Entry: entry, Source: search.SourceLive}, nil
}

func (c *Coordinator) failure(key search.Key, err error) (string, error) {
	switch {
	case errors.Is(err, errNoResults):
		return "no_results", search.NoResults(key)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return "canceled", search.FetchFailed(err)
	case search.IsBlocked(err):
		return "blocked", search.FetchBlocked(err, c.cfg.BlockedRetryAfter)
	default:
		return "failed", search.FetchFailed(err)
	}
}

func classify(err error) retry.Decision {
	switch {
	case errors.Is(err, errNoResults):
		return retry.Stop
	case search.IsBlocked(err):
		return retry.RetryLonger
	default:
		return retry.DefaultClassify(err)
	}
}

func (c *Coordinator) retryHook(key search.Key, next retry.Hook) retry.Hook {
	return retry.HookFunc(func(ctx context.Context, attempt int, err error) error {
		c.emit(events.Event{Kind: events.KindFetchFailed, Key: key.String(), Attempt: attempt, Note: "retrying"})
		if next == nil {
			return nil
		}
		return next.BeforeRetry(ctx, attempt, err)
	})
}

func (c *Coordinator) syncRecords(ctx context.Context, key search.Key, records []search.Record) {
	if c.records == nil {
		return
	}
	c.goBackground(ctx, c.cfg.RecordSyncTimeout, func(bg context.Context) {
		if err := c.records.UpsertRecords(bg, key, records); err != nil {
			c.logger.Warn("record sync failed", zap.String("key", key.String()), zap.Error(err))
		}
	})
}

// Prefetch populates key in the background. It does nothing when key is
// cached or locked, and the prefetched page does not chain further.
func (c *Coordinator) Prefetch(ctx context.Context, key search.Key, identity string) {
	if c.cfg.DisablePrefetch || (c.cfg.PrefetchMaxPage > 0 && key.Page > c.cfg.PrefetchMaxPage) {
		return
	}
	c.goBackground(ctx, c.cfg.FetchTimeout, func(bg context.Context) {
		if c.locks.IsLocked(key) || c.cache.Contains(bg, key) {
			return
		}
		token, ok := c.locks.TryAcquire(key)
		if !ok {
			return
		}
		defer c.locks.Release(key, token)
		c.emit(events.Event{Kind: events.KindPrefetch, Key: key.String()})
		if _, err := c.fetch(bg, Request{Key: key, Identity: identity, Mode: ModeSync}, false); err != nil {
			c.logger.Warn("prefetch failed", zap.String("key", key.String()), zap.Error(err))
		}
	})
}

// goBackground runs fn on a context detached from parent's cancellation but
// canceled by Close. It returns false once the coordinator is closing.
func (c *Coordinator) goBackground(parent context.Context, timeout time.Duration, fn func(context.Context)) bool {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return false
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
		defer cancel()
		if timeout > 0 {
			var cancelTimeout context.CancelFunc
			ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
			defer cancelTimeout()
		}
		stop := context.AfterFunc(c.base, cancel)
		defer stop()
		fn(ctx)
	}()
	return true
}

// Wait blocks until in-flight background work finishes.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close stops accepting background work and waits for what is in flight.
// When ctx ends first, outstanding work is canceled.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	defer c.stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("coordinator close: %w", ctx.Err())
	}
}

func (c *Coordinator) emit(evt events.Event) {
	c.events.Emit(evt)
}
