// Package sqlite implements a single-node durable slow tier on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/scrapecache/internal/search"
)

const schema = `
CREATE TABLE IF NOT EXISTS search_cache (
	cache_key TEXT PRIMARY KEY,
	query TEXT NOT NULL,
	page INTEGER NOT NULL,
	page_limit INTEGER NOT NULL,
	records TEXT NOT NULL,
	source TEXT NOT NULL,
	fetch_duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS search_cache_expires_at_idx ON search_cache (expires_at);
CREATE TABLE IF NOT EXISTS search_queries (
	query TEXT PRIMARY KEY,
	hits INTEGER NOT NULL DEFAULT 0,
	last_seen INTEGER NOT NULL
);
`

// Store is a SQLite-backed slow tier.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dsn and applies the schema.
func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlite dsn is required")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent promotions.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get loads the entry for key.
func (s *Store) Get(ctx context.Context, key search.Key) (search.Entry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT records, source, fetch_duration_ms, created_at, expires_at
		 FROM search_cache
		 WHERE cache_key = ?`,
		key.String(),
	)
	var (
		raw              string
		entry            search.Entry
		created, expires int64
	)
	err := row.Scan(&raw, &entry.Source, &entry.FetchDurationMs, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return search.Entry{}, false, nil
	}
	if err != nil {
		return search.Entry{}, false, fmt.Errorf("select cache entry: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &entry.Records); err != nil {
		return search.Entry{}, false, fmt.Errorf("decode cached records: %w", err)
	}
	entry.CreatedAt = time.UnixMilli(created).UTC()
	entry.ExpiresAt = time.UnixMilli(expires).UTC()
	return entry, true, nil
}

// Put upserts the entry for key.
func (s *Store) Put(ctx context.Context, key search.Key, entry search.Entry) error {
	records, err := json.Marshal(entry.Records)
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO search_cache (
		cache_key, query, page, page_limit, records, source, fetch_duration_ms, created_at, expires_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (cache_key) DO UPDATE SET
		records = excluded.records,
		source = excluded.source,
		fetch_duration_ms = excluded.fetch_duration_ms,
		created_at = excluded.created_at,
		expires_at = excluded.expires_at
	`,
		key.String(),
		key.Query,
		key.Page,
		key.Limit,
		string(records),
		entry.Source,
		entry.FetchDurationMs,
		entry.CreatedAt.UnixMilli(),
		entry.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Delete removes the entry for key.
func (s *Store) Delete(ctx context.Context, key search.Key) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM search_cache WHERE cache_key = ?`, key.String()); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// TouchQuery increments the popularity counter for query.
func (s *Store) TouchQuery(ctx context.Context, query string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO search_queries (query, hits, last_seen) VALUES (?, 1, ?)
	ON CONFLICT (query) DO UPDATE SET hits = hits + 1, last_seen = excluded.last_seen
	`, query, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("touch query: %w", err)
	}
	return nil
}

// Hits returns the popularity counter for query.
func (s *Store) Hits(ctx context.Context, query string) (int64, error) {
	var hits int64
	err := s.db.QueryRowContext(ctx, `SELECT hits FROM search_queries WHERE query = ?`, query).Scan(&hits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select query hits: %w", err)
	}
	return hits, nil
}

// PurgeExpired deletes every entry whose expiry is at or before now.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM search_cache WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge expired entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired entries: %w", err)
	}
	return n, nil
}
