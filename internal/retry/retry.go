// Package retry runs operations under an exponential backoff schedule, or
// across an ordered list of fallback strategies.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Decision tells Execute how to treat a failed attempt.
type Decision int

// Retry decisions.
const (
	// Retry waits the scheduled delay and tries again.
	Retry Decision = iota
	// RetryLonger waits the scheduled delay times BlockedFactor.
	RetryLonger
	// Stop returns the error immediately.
	Stop
)

// Hook is invoked synchronously before each wait. A returned error is logged
// and does not abort the retry loop.
type Hook interface {
	BeforeRetry(ctx context.Context, attempt int, err error) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, attempt int, err error) error

// BeforeRetry calls f.
func (f HookFunc) BeforeRetry(ctx context.Context, attempt int, err error) error {
	return f(ctx, attempt, err)
}

// Options controls Execute. Zero values fall back to the defaults: 3 attempts,
// 2s initial delay, 10s cap, multiplier 2, blocked factor 2.
type Options struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	BlockedFactor float64
	Hook          Hook
	Classify      func(error) Decision
	Logger        *zap.Logger
}

const (
	defaultMaxAttempts   = 3
	defaultInitialDelay  = 2 * time.Second
	defaultMaxDelay      = 10 * time.Second
	defaultMultiplier    = 2.0
	defaultBlockedFactor = 2.0
)

// WithDefaults fills unset fields.
func (o Options) WithDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = defaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if o.MaxDelay < o.InitialDelay {
		o.MaxDelay = o.InitialDelay
	}
	if o.Multiplier < 1 {
		o.Multiplier = defaultMultiplier
	}
	if o.BlockedFactor < 1 {
		o.BlockedFactor = defaultBlockedFactor
	}
	if o.Classify == nil {
		o.Classify = DefaultClassify
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// DefaultClassify stops on context errors and retries everything else.
func DefaultClassify(err error) Decision {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Stop
	}
	return Retry
}

func (o Options) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.InitialDelay
	b.MaxInterval = o.MaxDelay
	b.Multiplier = o.Multiplier
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Delays returns the first n pre-retry delays: delay n (1-based) is
// min(InitialDelay * Multiplier^(n-1), MaxDelay).
func Delays(opts Options, n int) []time.Duration {
	opts = opts.WithDefaults()
	b := opts.newBackOff()
	out := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

// Delay returns the single delay before retry number attempt (1-based).
func Delay(opts Options, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delays := Delays(opts, attempt)
	return delays[len(delays)-1]
}

// Result reports the outcome of Execute or Strategies.
type Result[T any] struct {
	Value    T
	Err      error
	Success  bool
	Attempts int
	Elapsed  time.Duration
	// Strategy names the strategy that produced Value (Strategies only).
	Strategy string
}

// Execute runs op until it succeeds, the classifier says stop, the attempt
// budget is spent, or ctx ends.
func Execute[T any](ctx context.Context, op func(ctx context.Context, attempt int) (T, error), opts Options) Result[T] {
	opts = opts.WithDefaults()
	start := time.Now()
	b := opts.newBackOff()
	var res Result[T]
	for attempt := 1; ; attempt++ {
		val, err := op(ctx, attempt)
		res.Attempts = attempt
		if err == nil {
			res.Value = val
			res.Err = nil
			res.Success = true
			break
		}
		res.Err = err
		decision := opts.Classify(err)
		if decision == Stop || attempt >= opts.MaxAttempts {
			break
		}
		delay := b.NextBackOff()
		if decision == RetryLonger {
			delay = time.Duration(float64(delay) * opts.BlockedFactor)
		}
		if opts.Hook != nil {
			if hookErr := opts.Hook.BeforeRetry(ctx, attempt, err); hookErr != nil {
				opts.Logger.Warn("retry hook failed", zap.Int("attempt", attempt), zap.Error(hookErr))
			}
		}
		opts.Logger.Debug("retrying operation",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if waitErr := sleep(ctx, delay); waitErr != nil {
			res.Err = errors.Join(err, waitErr)
			break
		}
	}
	res.Elapsed = time.Since(start)
	return res
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
