// Package memory provides an in-process slow tier for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/scrapecache/internal/search"
)

// QueryStat is the popularity record for one normalized query.
type QueryStat struct {
	Query    string
	Hits     int64
	LastSeen time.Time
}

// Store keeps entries in a map. It does not survive restarts.
type Store struct {
	mu      sync.RWMutex
	entries map[string]search.Entry
	queries map[string]QueryStat
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]search.Entry),
		queries: make(map[string]QueryStat),
	}
}

// Get returns the entry stored under key.
func (s *Store) Get(_ context.Context, key search.Key) (search.Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key.String()]
	return e, ok, nil
}

// Put overwrites the entry for key.
func (s *Store) Put(_ context.Context, key search.Key, entry search.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key.String()] = entry
	return nil
}

// Delete removes key. Missing keys are ignored.
func (s *Store) Delete(_ context.Context, key search.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key.String())
	return nil
}

// TouchQuery bumps the hit counter for query.
func (s *Store) TouchQuery(_ context.Context, query string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stat := s.queries[query]
	stat.Query = query
	stat.Hits++
	stat.LastSeen = at
	s.queries[query] = stat
	return nil
}

// Popular returns up to n queries ordered by hit count.
func (s *Store) Popular(n int) []QueryStat {
	s.mu.RLock()
	out := make([]QueryStat, 0, len(s.queries))
	for _, stat := range s.queries {
		out = append(out, stat)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hits == out[j].Hits {
			return out[i].Query < out[j].Query
		}
		return out[i].Hits > out[j].Hits
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
