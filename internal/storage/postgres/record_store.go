package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/scrapecache/internal/search"
)

// RecordStore upserts individual records into search_records.
type RecordStore struct {
	pool Pool
	now  func() time.Time
}

// NewRecordStore constructs a RecordStore over an existing pool.
func NewRecordStore(pool Pool) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RecordStore{pool: pool, now: time.Now}, nil
}

// UpsertRecords writes every record with an ID in one transaction.
func (s *RecordStore) UpsertRecords(ctx context.Context, key search.Key, records []search.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin record sync: %w", err)
	}
	query := `
		INSERT INTO search_records (record_id, cache_key, payload, synced_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (record_id) DO UPDATE
		SET cache_key = EXCLUDED.cache_key, payload = EXCLUDED.payload, synced_at = EXCLUDED.synced_at`
	syncedAt := s.now().UTC()
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("encode record %s: %w", rec.ID, err)
		}
		if _, err := tx.Exec(ctx, query, rec.ID, key.String(), payload, syncedAt); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("upsert record %s: %w", rec.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit record sync: %w", err)
	}
	return nil
}
