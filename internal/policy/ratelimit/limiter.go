// Package ratelimit paces upstream requests per host with token buckets that
// slow down when the host starts blocking.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/scrapecache/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// MinRPS is the floor Penalize backs off to. Zero selects DefaultRPS/8.
	MinRPS float64
}

type hostLimiter struct {
	lim  *rate.Limiter
	base rate.Limit
}

// Limiter manages per-host limits.
type Limiter struct {
	mu    sync.Mutex
	hosts map[string]*hostLimiter
	rate  rate.Limit
	burst int
	floor rate.Limit
}

// New creates a Limiter. A non-positive DefaultRPS disables pacing.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	floor := rate.Limit(cfg.MinRPS)
	if cfg.MinRPS <= 0 {
		floor = r / 8
	}
	return &Limiter{
		hosts: make(map[string]*hostLimiter),
		rate:  r,
		burst: burst,
		floor: floor,
	}
}

func (l *Limiter) host(rawURL string) (string, *hostLimiter) {
	name := metrics.SanitizeHost(rawURL)
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.hosts[name]
	if !ok {
		h = &hostLimiter{lim: rate.NewLimiter(l.rate, l.burst), base: l.rate}
		l.hosts[name] = h
	}
	return name, h
}

// Wait blocks until the host of rawURL has a token or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	name, h := l.host(rawURL)
	start := time.Now()
	if err := h.lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(name, waited)
	}
	return nil
}

// Penalize halves the host's rate, down to the configured floor.
func (l *Limiter) Penalize(rawURL string) {
	_, h := l.host(rawURL)
	if h.base == rate.Inf {
		return
	}
	next := h.lim.Limit() / 2
	if next < l.floor {
		next = l.floor
	}
	h.lim.SetLimit(next)
}

// Recover restores the host's configured rate.
func (l *Limiter) Recover(rawURL string) {
	_, h := l.host(rawURL)
	if h.lim.Limit() != h.base {
		h.lim.SetLimit(h.base)
	}
}

// Limit reports the current rate for the host of rawURL.
func (l *Limiter) Limit(rawURL string) rate.Limit {
	_, h := l.host(rawURL)
	return h.lim.Limit()
}
