package search

import "time"

// Record is one normalized listing returned by the upstream source. Fields the
// upstream does not always provide are optional; anything unrecognized lands
// in Extra.
type Record struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	URL      string            `json:"url"`
	Price    *float64          `json:"price,omitempty"`
	Currency string            `json:"currency,omitempty"`
	Year     *int              `json:"year,omitempty"`
	Mileage  *int              `json:"mileage,omitempty"`
	Location string            `json:"location,omitempty"`
	ImageURL string            `json:"imageUrl,omitempty"`
	PostedAt *time.Time        `json:"postedAt,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Entry is a cached page of records.
type Entry struct {
	Records         []Record  `json:"records"`
	CreatedAt       time.Time `json:"createdAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
	Source          string    `json:"source"`
	FetchDurationMs int64     `json:"fetchDurationMs"`
}

// Expired reports whether the entry should be treated as absent at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Source labels where a response was served from.
type Source string

// Response sources.
const (
	SourceFastCache Source = "fast-cache"
	SourceSlowCache Source = "slow-cache"
	SourceLive      Source = "live"
)

// Priority orders queued work.
type Priority string

// Supported priorities.
const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns 0 for the most urgent priority.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}

// JobStatus represents the lifecycle state of an asynchronous job.
type JobStatus string

// Supported job statuses.
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job tracks one asynchronous request.
type Job struct {
	BatchID   string    `json:"batchId"`
	Key       Key       `json:"key"`
	Priority  Priority  `json:"priority"`
	Status    JobStatus `json:"status"`
	Identity  string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Result    *Entry    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Attempt   int       `json:"attempt"`
}

// JobUpdate is applied by JobStore.UpdateJob.
type JobUpdate struct {
	Status  JobStatus
	Attempt int
	Result  *Entry
	Error   string
}

// Message is the durable queue payload for a job.
type Message struct {
	BatchID   string   `json:"batchId"`
	Key       Key      `json:"key"`
	Identity  string   `json:"identity"`
	Priority  Priority `json:"priority"`
	Submitted int64    `json:"submitted"`
	// Trace carries W3C trace context. Brokers move it out of band.
	Trace map[string]string `json:"-"`
}
