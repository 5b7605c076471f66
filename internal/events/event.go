package events

import (
	"errors"
	"fmt"
	"time"
)

// Kind names the lifecycle step an Event records.
type Kind string

// Supported event kinds.
const (
	KindCacheHit        Kind = "cache_hit"
	KindCacheMiss       Kind = "cache_miss"
	KindLockWait        Kind = "lock_wait"
	KindFetchStart      Kind = "fetch_start"
	KindFetchDone       Kind = "fetch_done"
	KindFetchFailed     Kind = "fetch_failed"
	KindPrefetch        Kind = "prefetch"
	KindJobQueued       Kind = "job_queued"
	KindJobProcessing   Kind = "job_processing"
	KindJobRetry        Kind = "job_retry"
	KindJobCompleted    Kind = "job_completed"
	KindJobFailed       Kind = "job_failed"
	KindAdmissionDenied Kind = "admission_denied"
)

// Event is one observable step. Identity is deliberately absent so events can
// be streamed to any subscriber.
type Event struct {
	Kind       Kind      `json:"kind"`
	TS         time.Time `json:"ts"`
	Key        string    `json:"key,omitempty"`
	BatchID    string    `json:"batchId,omitempty"`
	Source     string    `json:"source,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Records    int       `json:"records,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
	Note       string    `json:"note,omitempty"`
}

// Validate rejects events with an unknown kind.
func (e Event) Validate() error {
	switch e.Kind {
	case KindCacheHit, KindCacheMiss, KindLockWait, KindFetchStart, KindFetchDone, KindFetchFailed,
		KindPrefetch, KindJobQueued, KindJobProcessing, KindJobRetry, KindJobCompleted, KindJobFailed,
		KindAdmissionDenied:
	case "":
		return errors.New("kind is required")
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.DurationMs < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
