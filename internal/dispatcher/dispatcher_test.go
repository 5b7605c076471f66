package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapecache/internal/coordinator"
	"github.com/JakeFAU/scrapecache/internal/queue/memory"
	"github.com/JakeFAU/scrapecache/internal/search"
	storagememory "github.com/JakeFAU/scrapecache/internal/storage/memory"
)

func TestSubmitCreatesQueuedJobAndMessage(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(4)
	jobs := storagememory.NewJobStore(fixedClock{})
	d := New(queue, jobs, &seqIDs{}, fixedClock{}, nil, Config{}, zap.NewNop())
	key := search.NewKey("civic", 3, 25)

	batchID, err := d.Submit(context.Background(), key, "key:abc", search.PriorityHigh)
	require.NoError(t, err)
	require.Equal(t, "batch-1", batchID)

	job, err := d.Status(context.Background(), batchID)
	require.NoError(t, err)
	require.Equal(t, search.JobStatusQueued, job.Status)
	require.Equal(t, key, job.Key)
	require.Equal(t, "key:abc", job.Identity)

	delivery, err := queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, batchID, delivery.Message.BatchID)
	require.Equal(t, search.PriorityHigh, delivery.Message.Priority)
	require.Equal(t, fixedClock{}.Now().Unix(), delivery.Message.Submitted)
}

func TestSubmitMarksJobFailedWhenQueueFull(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(1)
	jobs := storagememory.NewJobStore(fixedClock{})
	d := New(queue, jobs, &seqIDs{}, fixedClock{}, nil, Config{}, zap.NewNop())
	_, err := d.Submit(context.Background(), search.NewKey("a", 1, 10), "ip:1", search.PriorityNormal)
	require.NoError(t, err)

	_, err = d.Submit(context.Background(), search.NewKey("b", 1, 10), "ip:1", search.PriorityNormal)
	require.Equal(t, search.CodeAdmissionDenied, search.CodeOf(err))
	require.Equal(t, 30, search.AsError(err).RetryAfterSeconds())

	job, err := jobs.GetJob(context.Background(), "batch-2")
	require.NoError(t, err)
	require.Equal(t, search.JobStatusFailed, job.Status)
}

// TestDispatcherEnqueueForwardsErrors verifies broker errors surface as internal.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	d := New(&errorQueue{err: errors.New("boom")}, storagememory.NewJobStore(fixedClock{}), &seqIDs{}, fixedClock{}, nil, Config{}, zap.NewNop())
	_, err := d.Submit(context.Background(), search.NewKey("a", 1, 10), "ip:1", search.PriorityLow)
	if err == nil || search.CodeOf(err) != search.CodeInternal {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestStatusUnknownBatchIsNotFound(t *testing.T) {
	t.Parallel()

	d := New(memory.NewQueue(1), storagememory.NewJobStore(fixedClock{}), &seqIDs{}, fixedClock{}, nil, Config{}, zap.NewNop())
	_, err := d.Status(context.Background(), "missing")
	require.Equal(t, search.CodeNotFound, search.CodeOf(err))
}

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(8)
	jobs := storagememory.NewJobStore(fixedClock{})
	d := New(queue, jobs, &seqIDs{}, fixedClock{}, nil, Config{Concurrency: 2}, zap.NewNop())
	resolver := &countingResolver{}
	d.AddWorkers(resolver, nil)
	require.Equal(t, 2, d.Workers())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		_, err := d.Submit(context.Background(), search.NewKey(fmt.Sprintf("q%d", i), 1, 10), "ip:1", search.PriorityNormal)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		for i := 1; i <= 3; i++ {
			job, err := jobs.GetJob(context.Background(), fmt.Sprintf("batch-%d", i))
			if err != nil || job.Status != search.JobStatusCompleted {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("batch-%d", s.n), nil
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Unix(1_700_000_000, 0) }

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, search.Message) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (*search.Delivery, error) {
	return nil, q.err
}

type countingResolver struct {
	mu    sync.Mutex
	calls int
}

func (r *countingResolver) Resolve(_ context.Context, _ coordinator.Request) (coordinator.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return coordinator.Response{Entry: search.Entry{Records: []search.Record{{ID: "x"}}}, Source: search.SourceLive}, nil
}
