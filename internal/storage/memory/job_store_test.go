package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/scrapecache/internal/search"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	fixed := time.Unix(1_700_000_000, 0).UTC()
	store := NewJobStore(fixedClock(fixed))
	ctx := context.Background()
	job := search.Job{BatchID: "job-1", Key: search.NewKey("honda", 1, 10), Status: search.JobStatusQueued}

	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := store.CreateJob(ctx, job); err == nil {
		t.Fatal("expected duplicate job error")
	}

	got, err := store.UpdateJob(ctx, job.BatchID, search.JobUpdate{Status: search.JobStatusProcessing, Attempt: 1})
	if err != nil {
		t.Fatalf("UpdateJob processing error = %v", err)
	}
	if got.Status != search.JobStatusProcessing || got.Attempt != 1 || !got.UpdatedAt.Equal(fixed) {
		t.Fatalf("unexpected job after processing update: %+v", got)
	}

	entry := &search.Entry{Records: []search.Record{{ID: "r1"}}}
	if _, err := store.UpdateJob(ctx, job.BatchID, search.JobUpdate{Status: search.JobStatusCompleted, Result: entry}); err != nil {
		t.Fatalf("UpdateJob completed error = %v", err)
	}
	final, err := store.GetJob(ctx, job.BatchID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if final.Status != search.JobStatusCompleted || final.Result == nil || final.Attempt != 1 {
		t.Fatalf("expected completed job with result, got %+v", final)
	}
}

func TestJobStoreTerminalIsImmutable(t *testing.T) {
	t.Parallel()

	store := NewJobStore(nil)
	ctx := context.Background()
	if err := store.CreateJob(ctx, search.Job{BatchID: "job-2", Status: search.JobStatusFailed, Error: "blocked"}); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	job, err := store.UpdateJob(ctx, "job-2", search.JobUpdate{Status: search.JobStatusCompleted})
	if !errors.Is(err, search.ErrJobTerminal) {
		t.Fatalf("expected ErrJobTerminal, got %v", err)
	}
	if job.Status != search.JobStatusFailed || job.Error != "blocked" {
		t.Fatalf("terminal job mutated: %+v", job)
	}
}

func TestJobStoreNotFound(t *testing.T) {
	t.Parallel()

	store := NewJobStore(nil)
	if _, err := store.GetJob(context.Background(), "missing"); !errors.Is(err, search.ErrJobNotFound) {
		t.Fatalf("GetJob() error = %v, want ErrJobNotFound", err)
	}
	if _, err := store.UpdateJob(context.Background(), "missing", search.JobUpdate{}); !errors.Is(err, search.ErrJobNotFound) {
		t.Fatalf("UpdateJob() error = %v, want ErrJobNotFound", err)
	}
}

func TestRecordStoreUpserts(t *testing.T) {
	t.Parallel()

	store := NewRecordStore()
	key := search.NewKey("honda", 1, 10)
	err := store.UpsertRecords(context.Background(), key, []search.Record{{ID: "a", Title: "old"}, {Title: "no id"}})
	if err != nil {
		t.Fatalf("UpsertRecords() error = %v", err)
	}
	if err := store.UpsertRecords(context.Background(), key.Next(), []search.Record{{ID: "a", Title: "new"}}); err != nil {
		t.Fatalf("UpsertRecords() error = %v", err)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 record, got %d", store.Len())
	}
	rec, ok := store.Get("a")
	if !ok || rec.Record.Title != "new" || rec.Key.Page != 2 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }
