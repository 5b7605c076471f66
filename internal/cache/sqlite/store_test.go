package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrapecache/internal/search"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Open("  ")
	require.Error(t, err)
}

func TestRoundTripAndOverwrite(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	key := search.NewKey("honda civic", 1, 10)
	price := 18500.0
	created := time.UnixMilli(1_700_000_000_123).UTC()
	entry := search.Entry{
		Records:         []search.Record{{ID: "r1", Title: "Civic", Price: &price, Extra: map[string]string{"trim": "EX"}}},
		CreatedAt:       created,
		ExpiresAt:       created.Add(7 * 24 * time.Hour),
		Source:          "live",
		FetchDurationMs: 950,
	}

	require.NoError(t, s.Put(ctx, key, entry))
	got, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entry, got)

	entry.Records = []search.Record{{ID: "r2"}}
	require.NoError(t, s.Put(ctx, key, entry))
	got, _, err = s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "r2", got.Records[0].ID)

	require.NoError(t, s.Delete(ctx, key))
	_, ok, err = s.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTouchQueryCountsHits(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	at := time.Unix(1_700_000_000, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.TouchQuery(ctx, "toyota camry", at))
	}
	hits, err := s.Hits(ctx, "toyota camry")
	require.NoError(t, err)
	require.Equal(t, int64(3), hits)

	hits, err = s.Hits(ctx, "never seen")
	require.NoError(t, err)
	require.Zero(t, hits)
}

func TestPurgeExpired(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, s.Put(ctx, search.NewKey("old", 1, 10), search.Entry{CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}))
	require.NoError(t, s.Put(ctx, search.NewKey("fresh", 1, 10), search.Entry{CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))

	n, err := s.PurgeExpired(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	_, ok, err := s.Get(ctx, search.NewKey("fresh", 1, 10))
	require.NoError(t, err)
	require.True(t, ok)
}
