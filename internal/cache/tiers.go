// Package cache layers a fast ephemeral tier over a durable slow tier.
package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapecache/internal/metrics"
	"github.com/JakeFAU/scrapecache/internal/search"
)

// FastTier is the low-latency, TTL-bounded acceleration layer.
type FastTier interface {
	Get(ctx context.Context, key search.Key) (search.Entry, bool, error)
	Set(ctx context.Context, key search.Key, entry search.Entry, ttl time.Duration) error
}

// SlowTier is the durable tier. It is authoritative for hits across restarts.
type SlowTier interface {
	Get(ctx context.Context, key search.Key) (search.Entry, bool, error)
	Put(ctx context.Context, key search.Key, entry search.Entry) error
	Delete(ctx context.Context, key search.Key) error
}

// PopularityTracker is implemented by slow tiers that record query analytics.
type PopularityTracker interface {
	TouchQuery(ctx context.Context, query string, at time.Time) error
}

// Config controls entry lifetimes.
type Config struct {
	// FastTTL is capped at one hour.
	FastTTL time.Duration
	// SlowTTL stamps ExpiresAt on new entries (default 7 days).
	SlowTTL time.Duration
	// BackgroundTimeout bounds promotion, lazy deletes and popularity writes.
	BackgroundTimeout time.Duration
}

const (
	// MaxFastTTL is the ceiling for the fast tier.
	MaxFastTTL = time.Hour

	defaultSlowTTL           = 7 * 24 * time.Hour
	defaultBackgroundTimeout = 5 * time.Second
)

// Tiers coordinates lookups and writes across the fast and slow tiers.
type Tiers struct {
	fast   FastTier
	slow   SlowTier
	cfg    Config
	clock  search.Clock
	logger *zap.Logger

	wg sync.WaitGroup
}

// New builds Tiers. A nil fast tier disables acceleration.
func New(fast FastTier, slow SlowTier, cfg Config, clock search.Clock, logger *zap.Logger) *Tiers {
	if cfg.FastTTL <= 0 || cfg.FastTTL > MaxFastTTL {
		cfg.FastTTL = MaxFastTTL
	}
	if cfg.SlowTTL <= 0 {
		cfg.SlowTTL = defaultSlowTTL
	}
	if cfg.BackgroundTimeout <= 0 {
		cfg.BackgroundTimeout = defaultBackgroundTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tiers{
		fast:   fast,
		slow:   slow,
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}
}

// NewEntry stamps records with a creation time and the slow-tier expiry.
func (t *Tiers) NewEntry(records []search.Record, source search.Source, took time.Duration) search.Entry {
	now := t.clock.Now().UTC()
	if records == nil {
		records = []search.Record{}
	}
	return search.Entry{
		Records:         records,
		CreatedAt:       now,
		ExpiresAt:       now.Add(t.cfg.SlowTTL),
		Source:          string(source),
		FetchDurationMs: took.Milliseconds(),
	}
}

// Lookup checks the fast tier, then the slow tier. A tier that errors is
// skipped. A slow hit is promoted into the fast tier in the background.
func (t *Tiers) Lookup(ctx context.Context, key search.Key) (search.Entry, search.Source, bool) {
	if !search.IsNumericQuery(key.Query) {
		t.touch(ctx, key.Query)
	}
	now := t.clock.Now()

	if t.fast != nil {
		entry, ok, err := t.fast.Get(ctx, key)
		switch {
		case err != nil:
			metrics.ObserveCacheLookup("fast", "error")
			t.logger.Warn("fast tier unavailable", zap.String("key", key.String()), zap.Error(err))
		case ok && !entry.Expired(now):
			metrics.ObserveCacheLookup("fast", "hit")
			return entry, search.SourceFastCache, true
		case ok:
			metrics.ObserveCacheLookup("fast", "expired")
		default:
			metrics.ObserveCacheLookup("fast", "miss")
		}
	}

	entry, ok, err := t.slow.Get(ctx, key)
	if err != nil {
		metrics.ObserveCacheLookup("slow", "error")
		t.logger.Warn("slow tier unavailable",
			zap.String("key", key.String()),
			zap.Error(search.TierUnavailable("slow", err)))
		return search.Entry{}, "", false
	}
	if !ok {
		metrics.ObserveCacheLookup("slow", "miss")
		return search.Entry{}, "", false
	}
	if entry.Expired(now) {
		metrics.ObserveCacheLookup("slow", "expired")
		t.background(ctx, func(bg context.Context) {
			if err := t.slow.Delete(bg, key); err != nil {
				t.logger.Warn("delete expired entry failed", zap.String("key", key.String()), zap.Error(err))
			}
		})
		return search.Entry{}, "", false
	}

	metrics.ObserveCacheLookup("slow", "hit")
	t.background(ctx, func(bg context.Context) {
		t.setFast(bg, key, entry)
	})
	return entry, search.SourceSlowCache, true
}

// Contains reports whether a live entry exists in either tier. Unlike Lookup
// it neither promotes nor counts the query.
func (t *Tiers) Contains(ctx context.Context, key search.Key) bool {
	now := t.clock.Now()
	if t.fast != nil {
		if entry, ok, err := t.fast.Get(ctx, key); err == nil && ok && !entry.Expired(now) {
			return true
		}
	}
	entry, ok, err := t.slow.Get(ctx, key)
	return err == nil && ok && !entry.Expired(now)
}

// Store writes the slow tier first, then the fast tier. A slow tier failure is
// returned but does not skip the fast write; fast failures only log.
func (t *Tiers) Store(ctx context.Context, key search.Key, entry search.Entry) error {
	slowErr := t.slow.Put(ctx, key, entry)
	t.setFast(ctx, key, entry)
	if slowErr != nil {
		metrics.ObserveCacheWriteError("slow")
		return search.TierUnavailable("slow", slowErr)
	}
	return nil
}

// Wait blocks until background promotions and deletes finish.
func (t *Tiers) Wait() {
	t.wg.Wait()
}

func (t *Tiers) setFast(ctx context.Context, key search.Key, entry search.Entry) {
	if t.fast == nil {
		return
	}
	ttl := t.cfg.FastTTL
	if remaining := entry.ExpiresAt.Sub(t.clock.Now()); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}
	if err := t.fast.Set(ctx, key, entry, ttl); err != nil {
		metrics.ObserveCacheWriteError("fast")
		t.logger.Warn("fast tier write failed", zap.String("key", key.String()), zap.Error(err))
	}
}

func (t *Tiers) touch(ctx context.Context, query string) {
	tracker, ok := t.slow.(PopularityTracker)
	if !ok || query == "" {
		return
	}
	at := t.clock.Now().UTC()
	t.background(ctx, func(bg context.Context) {
		if err := tracker.TouchQuery(bg, query, at); err != nil {
			t.logger.Debug("touch query failed", zap.String("query", query), zap.Error(err))
		}
	})
}

func (t *Tiers) background(parent context.Context, fn func(ctx context.Context)) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), t.cfg.BackgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
}
