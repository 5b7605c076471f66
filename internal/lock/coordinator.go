// Package lock grants process-local exclusive ownership of cache keys while a
// fetch is in flight.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapecache/internal/search"
)

// Config controls lock lifetimes.
type Config struct {
	// TTL bounds how long a lock is honored without release (default 15m).
	TTL time.Duration
	// SweepInterval is how often Run purges expired locks (default 5m).
	SweepInterval time.Duration
}

const (
	defaultTTL           = 15 * time.Minute
	defaultSweepInterval = 5 * time.Minute
)

type held struct {
	token      string
	acquiredAt time.Time
}

// Coordinator owns the lock table. Locks do not survive a restart and carry no
// fencing token across instances.
type Coordinator struct {
	cfg    Config
	clock  search.Clock
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]held
}

// New builds a Coordinator.
func New(cfg Config, clock search.Clock, logger *zap.Logger) *Coordinator {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		locks:  make(map[string]held),
	}
}

// TryAcquire grants the lock for key when no live lock exists.
func (c *Coordinator) TryAcquire(key search.Key) (string, bool) {
	id := key.String()
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.locks[id]; ok && !c.expired(h, now) {
		return "", false
	}
	token := uuid.NewString()
	c.locks[id] = held{token: token, acquiredAt: now}
	return token, true
}

// Release drops the lock when token matches the current holder.
func (c *Coordinator) Release(key search.Key, token string) bool {
	id := key.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.locks[id]
	if !ok {
		c.logger.Warn("release of unheld lock", zap.String("key", id))
		return false
	}
	if h.token != token {
		c.logger.Warn("lock token mismatch on release", zap.String("key", id))
		return false
	}
	delete(c.locks, id)
	return true
}

// IsLocked reports whether a live lock exists, deleting an expired one.
func (c *Coordinator) IsLocked(key search.Key) bool {
	id := key.String()
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.locks[id]
	if !ok {
		return false
	}
	if c.expired(h, now) {
		delete(c.locks, id)
		return false
	}
	return true
}

// WaitForRelease polls IsLocked every poll until the lock clears, maxWait
// elapses, or ctx ends. It reports whether the lock cleared.
func (c *Coordinator) WaitForRelease(ctx context.Context, key search.Key, maxWait, poll time.Duration) bool {
	if !c.IsLocked(key) {
		return true
	}
	if poll <= 0 {
		poll = time.Second
	}
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return !c.IsLocked(key)
		case <-ticker.C:
			if !c.IsLocked(key) {
				return true
			}
		}
	}
}

// Sweep deletes every expired lock and returns how many were removed.
func (c *Coordinator) Sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, h := range c.locks {
		if c.expired(h, now) {
			delete(c.locks, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked locks, live or not yet swept.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}

// Run sweeps on SweepInterval until ctx ends.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Info("swept expired locks", zap.Int("removed", n))
			}
		}
	}
}

func (c *Coordinator) expired(h held, now time.Time) bool {
	return now.Sub(h.acquiredAt) >= c.cfg.TTL
}
