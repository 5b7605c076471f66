// Package admission decides whether a caller may start work: per-identity
// request rate, per-identity concurrent jobs, payload validation and priority.
package admission

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/scrapecache/internal/metrics"
	"github.com/JakeFAU/scrapecache/internal/search"
)

// Denial reasons.
const (
	ReasonRateLimited = "rate_limited"
	ReasonTooManyJobs = "too_many_concurrent_jobs"
)

const (
	reasonAllowed         = "allowed"
	defaultTrackedCallers = 100_000
)

// Config holds admission thresholds. Anonymous callers are keyed by IP and
// get the stricter limits.
type Config struct {
	Window               time.Duration
	RequestsPerWindowIP  int
	RequestsPerWindowKey int
	MaxConcurrentPerIP   int
	MaxConcurrentPerKey  int

	// ConcurrencyRetryAfter is the hint returned when the job cap is hit.
	ConcurrencyRetryAfter time.Duration
	MaxTrackedCallers     int

	MaxQueryLength       int
	MaxPageSync          int
	MaxPageAsync         int
	MaxLimit             int
	Privileged           []string
	NormalLimitThreshold int
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.RequestsPerWindowIP <= 0 {
		c.RequestsPerWindowIP = 30
	}
	if c.RequestsPerWindowKey <= 0 {
		c.RequestsPerWindowKey = 300
	}
	if c.MaxConcurrentPerIP <= 0 {
		c.MaxConcurrentPerIP = 2
	}
	if c.MaxConcurrentPerKey <= 0 {
		c.MaxConcurrentPerKey = 10
	}
	if c.ConcurrencyRetryAfter <= 0 {
		c.ConcurrencyRetryAfter = 5 * time.Second
	}
	if c.MaxTrackedCallers <= 0 {
		c.MaxTrackedCallers = defaultTrackedCallers
	}
	if c.MaxQueryLength <= 0 {
		c.MaxQueryLength = 200
	}
	if c.MaxPageSync <= 0 {
		c.MaxPageSync = 50
	}
	if c.MaxPageAsync <= 0 {
		c.MaxPageAsync = 1000
	}
	if c.MaxLimit <= 0 || c.MaxLimit > search.MaxLimit {
		c.MaxLimit = search.MaxLimit
	}
	if c.NormalLimitThreshold <= 0 {
		c.NormalLimitThreshold = 25
	}
	return c
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed           bool
	Reason            string
	RetryAfterSeconds int
}

// Err converts a denial into a typed error. It returns nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return search.AdmissionDenied(d.Reason, time.Duration(d.RetryAfterSeconds)*time.Second)
}

// Gate owns the per-identity counters.
type Gate struct {
	cfg        Config
	clock      search.Clock
	logger     *zap.Logger
	privileged map[string]struct{}

	limMu    sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]

	mu     sync.Mutex
	active map[string]int
}

// New builds a Gate.
func New(cfg Config, clock search.Clock, logger *zap.Logger) *Gate {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	privileged := make(map[string]struct{}, len(cfg.Privileged))
	for _, id := range cfg.Privileged {
		if id = strings.TrimSpace(id); id != "" {
			privileged[id] = struct{}{}
		}
	}
	return &Gate{
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
		privileged: privileged,
		limiters:   expirable.NewLRU[string, *rate.Limiter](cfg.MaxTrackedCallers, nil, cfg.Window),
		active:     make(map[string]int),
	}
}

// Config returns the effective configuration.
func (g *Gate) Config() Config {
	return g.cfg
}

// CanAdmit checks the request rate, then the concurrent-job cap. It consumes
// a rate token only when the request is allowed.
func (g *Gate) CanAdmit(identity string, apiKeyPresent bool) Decision {
	d, _ := g.admit(identity, apiKeyPresent, false)
	return d
}

// Admit runs CanAdmit and, when allowed, claims a concurrent-job slot in the
// same step. The returned release frees the slot exactly once.
func (g *Gate) Admit(identity string, apiKeyPresent bool) (Decision, func()) {
	return g.admit(identity, apiKeyPresent, true)
}

func (g *Gate) admit(identity string, apiKeyPresent, claim bool) (Decision, func()) {
	now := g.clock.Now()
	lim := g.limiter(identity, apiKeyPresent)
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return g.deny(identity, ReasonRateLimited, g.cfg.Window), noop
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return g.deny(identity, ReasonRateLimited, delay), noop
	}

	g.mu.Lock()
	if g.active[identity] >= g.maxConcurrent(apiKeyPresent) {
		g.mu.Unlock()
		res.CancelAt(now)
		return g.deny(identity, ReasonTooManyJobs, g.cfg.ConcurrencyRetryAfter), noop
	}
	release := noop
	if claim {
		g.active[identity]++
		release = g.releaseOnce(identity)
	}
	g.mu.Unlock()

	metrics.ObserveAdmission("allowed", reasonAllowed)
	return Decision{Allowed: true}, release
}

// IncrementConcurrentJobs claims a slot without any checks.
func (g *Gate) IncrementConcurrentJobs(identity string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active[identity]++
}

// DecrementConcurrentJobs frees a slot. The count never drops below zero.
func (g *Gate) DecrementConcurrentJobs(identity string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.active[identity]
	if n <= 1 {
		if n <= 0 {
			g.logger.Warn("decrement without matching increment", zap.String("identity", identity))
		}
		delete(g.active, identity)
		return
	}
	g.active[identity] = n - 1
}

// ActiveJobs reports the current concurrent-job count for identity.
func (g *Gate) ActiveJobs(identity string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[identity]
}

// CalculatePriority assigns queue priority: privileged identities first, then
// small pages, then everything else.
func (g *Gate) CalculatePriority(identity string, limit int) search.Priority {
	if _, ok := g.privileged[identity]; ok {
		return search.PriorityHigh
	}
	if limit < g.cfg.NormalLimitThreshold {
		return search.PriorityNormal
	}
	return search.PriorityLow
}

func (g *Gate) releaseOnce(identity string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { g.DecrementConcurrentJobs(identity) })
	}
}

func (g *Gate) limiter(identity string, apiKeyPresent bool) *rate.Limiter {
	n := g.cfg.RequestsPerWindowIP
	id := "ip:" + identity
	if apiKeyPresent {
		n = g.cfg.RequestsPerWindowKey
		id = "key:" + identity
	}
	g.limMu.Lock()
	defer g.limMu.Unlock()
	lim, ok := g.limiters.Get(id)
	if !ok {
		lim = rate.NewLimiter(rate.Every(g.cfg.Window/time.Duration(n)), n)
	}
	// Re-adding refreshes the entry's TTL so active callers keep their bucket.
	g.limiters.Add(id, lim)
	return lim
}

func (g *Gate) maxConcurrent(apiKeyPresent bool) int {
	if apiKeyPresent {
		return g.cfg.MaxConcurrentPerKey
	}
	return g.cfg.MaxConcurrentPerIP
}

func (g *Gate) deny(identity, reason string, retryAfter time.Duration) Decision {
	metrics.ObserveAdmission("denied", reason)
	g.logger.Debug("admission denied", zap.String("identity", identity), zap.String("reason", reason))
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return Decision{Allowed: false, Reason: reason, RetryAfterSeconds: secs}
}

func noop() {}
