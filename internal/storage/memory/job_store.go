// Package memory provides in-memory job and record stores for development and
// tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/scrapecache/internal/search"
)

// JobStore keeps jobs in a map guarded by a RWMutex.
type JobStore struct {
	mu   sync.RWMutex
	jobs  map[string]search.Job
	clock search.Clock
}

// NewJobStore constructs a JobStore that stamps UpdatedAt from clock. A nil
// clock uses the wall clock.
func NewJobStore(clock search.Clock) *JobStore {
	if clock == nil {
		clock = wallClock{}
	}
	return &JobStore{
		jobs:  make(map[string]search.Job),
		clock: clock,
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job search.Job) error {
	if job.BatchID == "" {
		return errors.New("batch id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.BatchID]; exists {
		return fmt.Errorf("job %s already exists", job.BatchID)
	}
	s.jobs[job.BatchID] = job
	return nil
}

// GetJob fetches a job by batch ID.
func (s *JobStore) GetJob(_ context.Context, batchID string) (search.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[batchID]
	if !ok {
		return search.Job{}, search.ErrJobNotFound
	}
	return job, nil
}

// UpdateJob applies update unless the job is already terminal.
func (s *JobStore) UpdateJob(_ context.Context, batchID string, update search.JobUpdate) (search.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[batchID]
	if !ok {
		return search.Job{}, search.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return job, search.ErrJobTerminal
	}
	if update.Status != "" {
		job.Status = update.Status
	}
	if update.Attempt > 0 {
		job.Attempt = update.Attempt
	}
	if update.Result != nil {
		job.Result = update.Result
	}
	job.Error = update.Error
	job.UpdatedAt = s.clock.Now().UTC()
	s.jobs[batchID] = job
	return job, nil
}
