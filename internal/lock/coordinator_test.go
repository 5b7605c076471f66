package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapecache/internal/search"
)

func TestTryAcquireIsExclusive(t *testing.T) {
	t.Parallel()

	c := New(Config{TTL: time.Minute}, newFakeClock(), zap.NewNop())
	key := search.NewKey("honda", 1, 10)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := c.TryAcquire(key); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
	require.True(t, c.IsLocked(key))
}

func TestReleaseRequiresMatchingToken(t *testing.T) {
	t.Parallel()

	c := New(Config{}, newFakeClock(), zap.NewNop())
	key := search.NewKey("honda", 1, 10)
	token, ok := c.TryAcquire(key)
	require.True(t, ok)

	require.False(t, c.Release(key, "not-the-owner"))
	require.True(t, c.IsLocked(key))
	require.True(t, c.Release(key, token))
	require.False(t, c.IsLocked(key))
	require.False(t, c.Release(key, token))
}

func TestExpiredLockIsAbsentAndReacquirable(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := New(Config{TTL: 15 * time.Minute}, clock, zap.NewNop())
	key := search.NewKey("honda", 1, 10)
	stale, ok := c.TryAcquire(key)
	require.True(t, ok)

	clock.Advance(15 * time.Minute)
	require.False(t, c.IsLocked(key))
	require.Equal(t, 0, c.Len())

	fresh, ok := c.TryAcquire(key)
	require.True(t, ok)
	require.False(t, c.Release(key, stale), "stale owner must not release the new holder")
	require.True(t, c.Release(key, fresh))
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := New(Config{TTL: time.Minute}, clock, zap.NewNop())
	_, _ = c.TryAcquire(search.NewKey("old", 1, 10))
	clock.Advance(2 * time.Minute)
	_, _ = c.TryAcquire(search.NewKey("new", 1, 10))

	require.Equal(t, 1, c.Sweep())
	require.Equal(t, 1, c.Len())
	require.True(t, c.IsLocked(search.NewKey("new", 1, 10)))
}

func TestWaitForReleaseObservesRelease(t *testing.T) {
	t.Parallel()

	c := New(Config{}, newFakeClock(), zap.NewNop())
	key := search.NewKey("honda", 1, 10)
	token, _ := c.TryAcquire(key)

	go func() {
		time.Sleep(30 * time.Millisecond)
		c.Release(key, token)
	}()
	require.True(t, c.WaitForRelease(context.Background(), key, time.Second, 5*time.Millisecond))
}

func TestWaitForReleaseTimesOut(t *testing.T) {
	t.Parallel()

	c := New(Config{}, newFakeClock(), zap.NewNop())
	key := search.NewKey("honda", 1, 10)
	_, _ = c.TryAcquire(key)

	start := time.Now()
	require.False(t, c.WaitForRelease(context.Background(), key, 40*time.Millisecond, 5*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestWaitForReleaseUnlockedReturnsImmediately(t *testing.T) {
	t.Parallel()

	c := New(Config{}, newFakeClock(), zap.NewNop())
	require.True(t, c.WaitForRelease(context.Background(), search.NewKey("idle", 1, 10), time.Hour, time.Hour))
}

func TestRunSweepsUntilCanceled(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := New(Config{TTL: time.Minute, SweepInterval: 5 * time.Millisecond}, clock, zap.NewNop())
	_, _ = c.TryAcquire(search.NewKey("abandoned", 1, 10))
	clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
