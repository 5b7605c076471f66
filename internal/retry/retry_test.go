package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDelaysFollowCappedExponentialSchedule(t *testing.T) {
	t.Parallel()

	opts := Options{InitialDelay: 1000 * time.Millisecond, Multiplier: 2, MaxDelay: 10000 * time.Millisecond}
	got := Delays(opts, 7)
	want := []time.Duration{1000, 2000, 4000, 8000, 10000, 10000, 10000}
	for i := range want {
		want[i] *= time.Millisecond
	}
	require.Equal(t, want, got)
}

func TestDelaysUseDefaults(t *testing.T) {
	t.Parallel()

	got := Delays(Options{}, 4)
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}, got)
	require.Equal(t, 8*time.Second, Delay(Options{}, 3))
}

func TestExecuteSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	res := Execute(context.Background(), func(_ context.Context, attempt int) (string, error) {
		calls++
		if attempt < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}, fastOptions())

	require.True(t, res.Success)
	require.NoError(t, res.Err)
	require.Equal(t, "ok", res.Value)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, 3, calls)
}

func TestExecuteStopsAtMaxAttempts(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	res := Execute(context.Background(), func(context.Context, int) (int, error) {
		return 0, boom
	}, fastOptions())

	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, boom)
	require.Equal(t, 3, res.Attempts)
}

func TestExecuteHonorsStopDecision(t *testing.T) {
	t.Parallel()

	permanent := errors.New("permanent")
	opts := fastOptions()
	opts.Classify = func(err error) Decision {
		if errors.Is(err, permanent) {
			return Stop
		}
		return Retry
	}
	res := Execute(context.Background(), func(context.Context, int) (int, error) {
		return 0, permanent
	}, opts)

	require.Equal(t, 1, res.Attempts)
	require.ErrorIs(t, res.Err, permanent)
}

func TestExecuteHookFailureDoesNotAbort(t *testing.T) {
	t.Parallel()

	var hookCalls []int
	opts := fastOptions()
	opts.Hook = HookFunc(func(_ context.Context, attempt int, _ error) error {
		hookCalls = append(hookCalls, attempt)
		return errors.New("cleanup failed")
	})
	res := Execute(context.Background(), func(_ context.Context, attempt int) (int, error) {
		if attempt == 1 {
			return 0, errors.New("first")
		}
		return attempt, nil
	}, opts)

	require.True(t, res.Success)
	require.Equal(t, 2, res.Value)
	require.Equal(t, []int{1}, hookCalls)
}

func TestExecuteRetryLongerStretchesDelay(t *testing.T) {
	t.Parallel()

	opts := Options{
		MaxAttempts:   2,
		InitialDelay:  20 * time.Millisecond,
		MaxDelay:      20 * time.Millisecond,
		BlockedFactor: 3,
		Classify:      func(error) Decision { return RetryLonger },
		Logger:        zap.NewNop(),
	}
	res := Execute(context.Background(), func(context.Context, int) (int, error) {
		return 0, errors.New("blocked")
	}, opts)

	require.Equal(t, 2, res.Attempts)
	require.GreaterOrEqual(t, res.Elapsed, 60*time.Millisecond)
}

func TestExecuteAbortsWaitOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	opts := Options{MaxAttempts: 5, InitialDelay: time.Minute}
	res := Execute(ctx, func(context.Context, int) (int, error) {
		cancel()
		return 0, errors.New("fail")
	}, opts)

	require.Equal(t, 1, res.Attempts)
	require.ErrorIs(t, res.Err, context.Canceled)
	require.Less(t, res.Elapsed, time.Second)
}

func TestStrategiesReturnsFirstSuccess(t *testing.T) {
	t.Parallel()

	var tried []string
	res := Strategies(context.Background(), []Strategy[string]{
		{Name: "probe", Run: func(context.Context) (string, error) {
			tried = append(tried, "probe")
			return "", errors.New("shell page")
		}},
		{Name: "headless", Run: func(context.Context) (string, error) {
			tried = append(tried, "headless")
			return "rendered", nil
		}},
		{Name: "never", Run: func(context.Context) (string, error) {
			tried = append(tried, "never")
			return "", nil
		}},
	})

	require.True(t, res.Success)
	require.Equal(t, "rendered", res.Value)
	require.Equal(t, "headless", res.Strategy)
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, []string{"probe", "headless"}, tried)
}

func TestStrategiesJoinsErrors(t *testing.T) {
	t.Parallel()

	first := errors.New("first")
	second := errors.New("second")
	res := Strategies(context.Background(), []Strategy[int]{
		{Name: "a", Run: func(context.Context) (int, error) { return 0, first }},
		{Name: "b", Run: func(context.Context) (int, error) { return 0, second }},
	})

	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, first)
	require.ErrorIs(t, res.Err, second)
	require.Contains(t, res.Err.Error(), "a: first")

	empty := Strategies[int](context.Background(), nil)
	require.Error(t, empty.Err)
}

func fastOptions() Options {
	return Options{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		Logger:       zap.NewNop(),
	}
}
