package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scrapecache/internal/search"
)

const jobColumns = `batch_id, query, page, page_limit, priority, status, identity, attempt,
	COALESCE(result, 'null'::jsonb), error, created_at, updated_at`

// JobStore persists jobs in the jobs table.
type JobStore struct {
	pool Pool
	now  func() time.Time
}

// NewJobStore constructs a JobStore over an existing pool.
func NewJobStore(pool Pool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool, now: time.Now}, nil
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job search.Job) error {
	query := `
		INSERT INTO jobs (batch_id, query, page, page_limit, priority, status, identity, attempt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.pool.Exec(ctx, query,
		job.BatchID,
		job.Key.Query,
		job.Key.Page,
		job.Key.Limit,
		string(job.Priority),
		string(job.Status),
		job.Identity,
		job.Attempt,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob loads a job by batch ID.
func (s *JobStore) GetJob(ctx context.Context, batchID string) (search.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE batch_id = $1`, batchID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return search.Job{}, search.ErrJobNotFound
	}
	if err != nil {
		return search.Job{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// UpdateJob applies update to a non-terminal job and returns the new row.
func (s *JobStore) UpdateJob(ctx context.Context, batchID string, update search.JobUpdate) (search.Job, error) {
	var result []byte
	if update.Result != nil {
		raw, err := json.Marshal(update.Result)
		if err != nil {
			return search.Job{}, fmt.Errorf("encode job result: %w", err)
		}
		result = raw
	}
	query := `
		UPDATE jobs
		SET status = COALESCE(NULLIF($2, ''), status),
			attempt = GREATEST($3, attempt),
			result = COALESCE($4, result),
			error = $5,
			updated_at = $6
		WHERE batch_id = $1 AND status NOT IN ('completed', 'failed')
		RETURNING ` + jobColumns
	row := s.pool.QueryRow(ctx, query,
		batchID,
		string(update.Status),
		update.Attempt,
		result,
		update.Error,
		s.now().UTC(),
	)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return search.Job{}, fmt.Errorf("update job: %w", err)
	}
	current, getErr := s.GetJob(ctx, batchID)
	if getErr != nil {
		return search.Job{}, getErr
	}
	return current, search.ErrJobTerminal
}

func scanJob(row pgx.Row) (search.Job, error) {
	var (
		job      search.Job
		priority string
		status   string
		result   []byte
	)
	err := row.Scan(
		&job.BatchID,
		&job.Key.Query,
		&job.Key.Page,
		&job.Key.Limit,
		&priority,
		&status,
		&job.Identity,
		&job.Attempt,
		&result,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return search.Job{}, err
	}
	job.Priority = search.Priority(priority)
	job.Status = search.JobStatus(status)
	if len(result) > 0 {
		if err := json.Unmarshal(result, &job.Result); err != nil {
			return search.Job{}, fmt.Errorf("decode job result: %w", err)
		}
	}
	return job, nil
}
