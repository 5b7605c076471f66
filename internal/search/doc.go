// Package search holds the domain types shared by the cache, lock, admission,
// coordination, and job layers of the scrapecache service: cache keys, records,
// cache entries, jobs, queue messages, the error taxonomy, and the interfaces
// the orchestration code depends on.
package search
