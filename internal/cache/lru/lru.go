// Package lru implements the fast cache tier on an expirable in-process LRU.
package lru

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/JakeFAU/scrapecache/internal/search"
)

const defaultSize = 10_000

type item struct {
	entry     search.Entry
	expiresAt time.Time
}

// Cache is a size- and TTL-bounded fast tier. The LRU evicts after the
// configured TTL; shorter per-entry TTLs are enforced on read.
type Cache struct {
	lru *expirable.LRU[string, item]
	now func() time.Time
}

// New builds a Cache holding at most size entries for at most ttl.
func New(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = defaultSize
	}
	return &Cache{
		lru: expirable.NewLRU[string, item](size, nil, ttl),
		now: time.Now,
	}
}

// Get returns the entry for key when present and not past its TTL.
func (c *Cache) Get(_ context.Context, key search.Key) (search.Entry, bool, error) {
	id := key.String()
	it, ok := c.lru.Get(id)
	if !ok {
		return search.Entry{}, false, nil
	}
	if !c.now().Before(it.expiresAt) {
		c.lru.Remove(id)
		return search.Entry{}, false, nil
	}
	return it.entry, true, nil
}

// Set stores entry for ttl.
func (c *Cache) Set(_ context.Context, key search.Key, entry search.Entry, ttl time.Duration) error {
	c.lru.Add(key.String(), item{entry: entry, expiresAt: c.now().Add(ttl)})
	return nil
}

// Len reports the number of resident entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
