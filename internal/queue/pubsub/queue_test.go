package pubsub

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"

	"github.com/JakeFAU/scrapecache/internal/search"
)

func newTestClient(t *testing.T) *pubsub.Client {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.Dial(srv.Addr, grpc.WithInsecure())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewRequiresExistingTopicsUnlessCreating(t *testing.T) {
	client := newTestClient(t)

	_, err := New(context.Background(), client, Config{Topic: "jobs"}, zap.NewNop())
	require.ErrorContains(t, err, "does not exist")

	q, err := New(context.Background(), client, Config{Topic: "jobs", CreateIfMissing: true}, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, q.topics, 3)
	require.Equal(t, "jobs-workers-high", q.subs[search.PriorityHigh].ID())
	require.NoError(t, q.Close())
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	client := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q, err := New(ctx, client, Config{Topic: "jobs", CreateIfMissing: true}, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = q.Close() }()
	go func() { _ = q.Run(ctx) }()

	msg := search.Message{
		BatchID:   "0192f3a4-0000-7000-8000-000000000001",
		Key:       search.NewKey("honda civic", 2, 25),
		Identity:  "key:abc",
		Priority:  search.PriorityHigh,
		Submitted: 1_700_000_000,
		Trace:     map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
	}
	require.NoError(t, q.Enqueue(ctx, msg))

	dctx, dcancel := context.WithTimeout(ctx, 5*time.Second)
	defer dcancel()
	d, err := q.Dequeue(dctx)
	require.NoError(t, err)
	require.Equal(t, msg, d.Message)
	d.Ack()
}

func TestNackRedelivers(t *testing.T) {
	client := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := Config{Topic: "jobs", CreateIfMissing: true, MinBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	q, err := New(ctx, client, cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = q.Close() }()
	go func() { _ = q.Run(ctx) }()

	require.NoError(t, q.Enqueue(ctx, search.Message{BatchID: "again", Key: search.NewKey("a", 1, 10), Priority: search.PriorityNormal}))

	dctx, dcancel := context.WithTimeout(ctx, 10*time.Second)
	defer dcancel()
	first, err := q.Dequeue(dctx)
	require.NoError(t, err)
	first.Nack(0)

	second, err := q.Dequeue(dctx)
	require.NoError(t, err)
	require.Equal(t, "again", second.Message.BatchID)
	second.Ack()
}

func TestDequeuePrefersHigherLanes(t *testing.T) {
	t.Parallel()

	q := &Queue{
		ready: map[search.Priority]chan *search.Delivery{
			search.PriorityHigh:   make(chan *search.Delivery, 1),
			search.PriorityNormal: make(chan *search.Delivery, 1),
			search.PriorityLow:    make(chan *search.Delivery, 1),
		},
		done: make(chan struct{}),
	}
	for _, p := range []search.Priority{search.PriorityLow, search.PriorityNormal, search.PriorityHigh} {
		q.ready[p] <- search.NewDelivery(search.Message{BatchID: string(p), Priority: p}, nil, nil)
	}

	var got []string
	for range 3 {
		d, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		got = append(got, d.Message.BatchID)
	}
	require.Equal(t, []string{"high", "normal", "low"}, got)

	close(q.done)
	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
