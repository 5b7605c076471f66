// Package pubsub implements the job queue on Google Cloud Pub/Sub.
//
// Pub/Sub has no native priorities, so every priority gets its own topic and
// subscription ("<topic>-high", "<topic>-normal", "<topic>-low"). Consumers
// drain the lanes in priority order.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/JakeFAU/scrapecache/internal/search"
	"github.com/JakeFAU/scrapecache/internal/telemetry"
)

const priorityAttribute = "priority"

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = search.ErrQueueClosed

// Config names the topics and controls redelivery.
type Config struct {
	ProjectID      string        `mapstructure:"project_id"`
	Topic          string        `mapstructure:"topic"`
	Subscription   string        `mapstructure:"subscription"`
	AckDeadline    time.Duration `mapstructure:"ack_deadline"`
	MinBackoff     time.Duration `mapstructure:"min_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	MaxOutstanding int           `mapstructure:"max_outstanding"`
	// CreateIfMissing provisions topics and subscriptions on startup.
	CreateIfMissing bool `mapstructure:"create_if_missing"`
}

var lanes = []search.Priority{search.PriorityHigh, search.PriorityNormal, search.PriorityLow}

// Queue publishes job messages and hands received ones to workers.
type Queue struct {
	client     *pubsub.Client
	ownsClient bool
	cfg        Config
	logger     *zap.Logger

	topics map[search.Priority]*pubsub.Topic
	subs   map[search.Priority]*pubsub.Subscription
	ready  map[search.Priority]chan *search.Delivery
	done   chan struct{}
}

// Dial creates a client for cfg.ProjectID and wraps it in a Queue.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*Queue, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	q, err := New(ctx, client, cfg, logger)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("Failed to close pubsub client after setup failure", zap.Error(closeErr))
		}
		return nil, err
	}
	q.ownsClient = true
	return q, nil
}

// New resolves the lane topics and subscriptions on an existing client.
func New(ctx context.Context, client *pubsub.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.Topic == "" {
		return nil, errors.New("pubsub topic is required")
	}
	if cfg.Subscription == "" {
		cfg.Subscription = cfg.Topic + "-workers"
	}
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = 10 * time.Minute
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 10 * time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 10 * time.Minute
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	q := &Queue{
		client: client,
		cfg:    cfg,
		logger: logger,
		topics: make(map[search.Priority]*pubsub.Topic, len(lanes)),
		subs:   make(map[search.Priority]*pubsub.Subscription, len(lanes)),
		ready:  make(map[search.Priority]chan *search.Delivery, len(lanes)),
		done:   make(chan struct{}),
	}
	for _, p := range lanes {
		topic, err := q.ensureTopic(ctx, laneName(cfg.Topic, p))
		if err != nil {
			return nil, err
		}
		sub, err := q.ensureSubscription(ctx, laneName(cfg.Subscription, p), topic)
		if err != nil {
			return nil, err
		}
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
		sub.ReceiveSettings.NumGoroutines = 1
		q.topics[p] = topic
		q.subs[p] = sub
		q.ready[p] = make(chan *search.Delivery)
	}
	return q, nil
}

func laneName(base string, p search.Priority) string {
	return base + "-" + string(p)
}

func (q *Queue) ensureTopic(ctx context.Context, id string) (*pubsub.Topic, error) {
	topic := q.client.Topic(id)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %q: %w", id, err)
	}
	if exists {
		return topic, nil
	}
	if !q.cfg.CreateIfMissing {
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", id, q.client.Project())
	}
	topic, err = q.client.CreateTopic(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to create topic %q: %w", id, err)
	}
	return topic, nil
}

func (q *Queue) ensureSubscription(ctx context.Context, id string, topic *pubsub.Topic) (*pubsub.Subscription, error) {
	sub := q.client.Subscription(id)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for subscription %q: %w", id, err)
	}
	if exists {
		return sub, nil
	}
	if !q.cfg.CreateIfMissing {
		return nil, fmt.Errorf("pubsub subscription %q does not exist", id)
	}
	sub, err = q.client.CreateSubscription(ctx, id, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: q.cfg.AckDeadline,
		RetryPolicy: &pubsub.RetryPolicy{
			MinimumBackoff: q.cfg.MinBackoff,
			MaximumBackoff: q.cfg.MaxBackoff,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription %q: %w", id, err)
	}
	return sub, nil
}

// Enqueue publishes msg on its priority lane and waits for the server ack.
func (q *Queue) Enqueue(ctx context.Context, msg search.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	attrs := map[string]string{priorityAttribute: string(msg.Priority)}
	trace := msg.Trace
	if trace == nil {
		trace = telemetry.Inject(ctx)
	}
	for k, v := range trace {
		attrs[k] = v
	}

	topic, ok := q.topics[msg.Priority]
	if !ok {
		topic = q.topics[search.PriorityNormal]
	}
	if _, err := topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Run receives from every lane until ctx ends. Each received message is held
// until a worker takes it through Dequeue.
func (q *Queue) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range lanes {
		sub, ready := q.subs[p], q.ready[p]
		g.Go(func() error {
			err := sub.Receive(gctx, func(rctx context.Context, m *pubsub.Message) {
				q.handle(rctx, m, ready)
			})
			if err != nil {
				return fmt.Errorf("receive %s: %w", sub.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (q *Queue) handle(ctx context.Context, m *pubsub.Message, ready chan<- *search.Delivery) {
	var msg search.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		q.logger.Error("dropping undecodable job message", zap.String("message_id", m.ID), zap.Error(err))
		m.Ack()
		return
	}
	msg.Trace = make(map[string]string, len(m.Attributes))
	for k, v := range m.Attributes {
		if k != priorityAttribute {
			msg.Trace[k] = v
		}
	}

	// Redelivery spacing comes from the subscription retry policy.
	d := search.NewDelivery(msg, m.Ack, func(time.Duration) { m.Nack() })
	select {
	case ready <- d:
	case <-ctx.Done():
		m.Nack()
	case <-q.done:
		m.Nack()
	}
}

// Dequeue returns the next delivery, preferring higher priority lanes.
func (q *Queue) Dequeue(ctx context.Context) (*search.Delivery, error) {
	for _, p := range lanes {
		select {
		case d := <-q.ready[p]:
			return d, nil
		default:
		}
	}
	select {
	case d := <-q.ready[search.PriorityHigh]:
		return d, nil
	case d := <-q.ready[search.PriorityNormal]:
		return d, nil
	case d := <-q.ready[search.PriorityLow]:
		return d, nil
	case <-q.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	}
}

// Close flushes publishers and releases the client when Dial created it.
func (q *Queue) Close() error {
	select {
	case <-q.done:
		return nil
	default:
		close(q.done)
	}
	for _, topic := range q.topics {
		topic.Stop()
	}
	if q.ownsClient {
		if err := q.client.Close(); err != nil {
			return fmt.Errorf("failed to close pubsub client: %w", err)
		}
	}
	return nil
}
