package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/taskbridge/message"
	"github.com/c360studio/taskbridge/routing"
	"github.com/cenkalti/backoff/v4"
)

const (
	defaultMirrorRetries  = 5
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 16 * time.Second
)

// Broker is the publishing surface the Publisher needs.
type Broker interface {
	Publish(ctx context.Context, exchange, key string, body []byte, headers map[string]any) error
}

// Publisher delivers sent mirrors and engine responses for handlers.
// Mirrors are best-effort with bounded retries; responses get a single
// attempt because the broker adapter already retries transparently.
type Publisher struct {
	broker  Broker
	table   *routing.Table
	logger  *slog.Logger
	retries uint64
	initial time.Duration
	max     time.Duration
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithMirrorRetries overrides how many times a failed mirror publish is
// retried after the first attempt.
func WithMirrorRetries(n uint64) PublisherOption {
	return func(p *Publisher) {
		p.retries = n
	}
}

// WithInitialBackoff overrides the first retry delay, mainly for tests.
func WithInitialBackoff(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.initial = d
	}
}

// NewPublisher creates a Publisher over the broker and routing table.
func NewPublisher(b Broker, table *routing.Table, logger *slog.Logger, opts ...PublisherOption) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		broker:  b,
		table:   table,
		logger:  logger,
		retries: defaultMirrorRetries,
		initial: defaultInitialBackoff,
		max:     defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishMirror writes a sent mirror to the sent queue mapped to
// sourceQueue, retrying with exponential backoff (1, 2, 4, 8, 16 seconds by
// default). The error returned after exhausted retries is informational;
// callers keep going.
func (p *Publisher) PublishMirror(ctx context.Context, sourceQueue string, m *message.SentMirror) error {
	sentQueue, ok := p.table.SentQueueFor(sourceQueue)
	if !ok {
		return fmt.Errorf("no sent queue mapped for %s", sourceQueue)
	}
	m.OriginalQueue = sourceQueue
	if err := m.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode sent mirror: %w", err)
	}
	headers := map[string]any{
		"task_id":       m.OriginalMessage.TaskID,
		"source_queue":  sourceQueue,
		"mirror_status": m.ProcessingStatus,
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.initial
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = p.max
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := p.broker.Publish(ctx, p.table.SentExchange, sentQueue, body, headers)
		if err != nil {
			p.logger.Warn("mirror publish attempt failed",
				"attempt", attempt,
				"sent_queue", sentQueue,
				"task_id", m.OriginalMessage.TaskID,
				"error", err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, p.retries), ctx)); err != nil {
		return fmt.Errorf("mirror for task %s to %s after %d attempts: %w",
			m.OriginalMessage.TaskID, sentQueue, attempt, err)
	}
	return nil
}

// PublishResponse places a response message on the response queue.
func (p *Publisher) PublishResponse(ctx context.Context, r *message.ResponseMessage) error {
	if err := r.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	headers := map[string]any{
		"task_id":       r.TaskID,
		"response_type": string(r.ResponseType),
	}
	if err := p.broker.Publish(ctx, p.table.ResponseExchange, p.table.ResponseQueue, body, headers); err != nil {
		return fmt.Errorf("publish %s response for task %s: %w", r.ResponseType, r.TaskID, err)
	}
	return nil
}
