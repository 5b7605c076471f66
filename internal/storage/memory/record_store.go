package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/scrapecache/internal/search"
)

// StoredRecord is a record plus the key it was last seen under.
type StoredRecord struct {
	Record   search.Record
	Key      search.Key
	SyncedAt time.Time
}

// RecordStore keeps individual records keyed by record ID.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]StoredRecord
}

// NewRecordStore constructs a RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]StoredRecord)}
}

// UpsertRecords overwrites records by ID. Records without an ID are skipped.
func (s *RecordStore) UpsertRecords(_ context.Context, key search.Key, records []search.Record) error {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		s.records[rec.ID] = StoredRecord{Record: rec, Key: key, SyncedAt: now}
	}
	return nil
}

// Get returns the stored record for id.
func (s *RecordStore) Get(id string) (StoredRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// Len reports how many records are stored.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
