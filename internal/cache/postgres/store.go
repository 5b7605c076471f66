// Package postgres implements the durable slow tier on a Postgres table keyed
// by the serialized cache key.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/scrapecache/internal/search"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "search_cache"

// Pool is the subset of pgxpool.Pool the store needs.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads and writes cache entries. Popularity counters live in
// "<table>_queries".
type Store struct {
	pool    Pool
	table   string
	queries string
}

// New constructs a Store over an existing pool.
func New(pool Pool, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table, queries: table + "_queries"}, nil
}

// EnsureSchema creates the cache and popularity tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	cache_key         TEXT PRIMARY KEY,
	query             TEXT NOT NULL,
	page              INTEGER NOT NULL,
	page_limit        INTEGER NOT NULL,
	records           JSONB NOT NULL,
	source            TEXT NOT NULL,
	fetch_duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL,
	expires_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_expires_at_idx ON %[1]s (expires_at);
CREATE TABLE IF NOT EXISTS %[2]s (
	query     TEXT PRIMARY KEY,
	hits      BIGINT NOT NULL DEFAULT 0,
	last_seen TIMESTAMPTZ NOT NULL
);`, s.table, s.queries)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create cache schema: %w", err)
	}
	return nil
}

// Get loads the entry for key. Expiry is left to the caller.
func (s *Store) Get(ctx context.Context, key search.Key) (search.Entry, bool, error) {
	query := fmt.Sprintf(`
SELECT records, source, fetch_duration_ms, created_at, expires_at
FROM %s
WHERE cache_key = $1`, s.table)

	var (
		raw   []byte
		entry search.Entry
	)
	err := s.pool.QueryRow(ctx, query, key.String()).Scan(
		&raw,
		&entry.Source,
		&entry.FetchDurationMs,
		&entry.CreatedAt,
		&entry.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return search.Entry{}, false, nil
	}
	if err != nil {
		return search.Entry{}, false, fmt.Errorf("select cache entry: %w", err)
	}
	if err := json.Unmarshal(raw, &entry.Records); err != nil {
		return search.Entry{}, false, fmt.Errorf("decode cached records: %w", err)
	}
	return entry, true, nil
}

// Put upserts the entry for key. Last write wins.
func (s *Store) Put(ctx context.Context, key search.Key, entry search.Entry) error {
	records, err := json.Marshal(entry.Records)
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	cache_key, query, page, page_limit, records, source, fetch_duration_ms, created_at, expires_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (cache_key) DO UPDATE SET
	records = EXCLUDED.records,
	source = EXCLUDED.source,
	fetch_duration_ms = EXCLUDED.fetch_duration_ms,
	created_at = EXCLUDED.created_at,
	expires_at = EXCLUDED.expires_at`, s.table)

	args := []any{
		key.String(),
		key.Query,
		key.Page,
		key.Limit,
		records,
		entry.Source,
		entry.FetchDurationMs,
		entry.CreatedAt,
		entry.ExpiresAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Delete removes the entry for key.
func (s *Store) Delete(ctx context.Context, key search.Key) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE cache_key = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, key.String()); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// TouchQuery increments the popularity counter for query.
func (s *Store) TouchQuery(ctx context.Context, query string, at time.Time) error {
	stmt := fmt.Sprintf(`
INSERT INTO %[1]s (query, hits, last_seen) VALUES ($1, 1, $2)
ON CONFLICT (query) DO UPDATE SET hits = %[1]s.hits + 1, last_seen = EXCLUDED.last_seen`, s.queries)
	if _, err := s.pool.Exec(ctx, stmt, query, at); err != nil {
		return fmt.Errorf("touch query: %w", err)
	}
	return nil
}

// PurgeExpired deletes every entry whose expiry is at or before now.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("purge expired entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
