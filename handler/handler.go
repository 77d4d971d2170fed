// Package handler defines the contract downstream system handlers
// implement, a base implementation that takes care of mirroring and
// response emission, and the compile-time registry that maps queues to
// handler constructors.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/taskbridge/broker"
	"github.com/c360studio/taskbridge/message"
)

// Handler processes work items from one queue. ProcessMessage returns true
// when the item was acted on downstream; the consumer framework acks on
// true and nacks with requeue on false.
type Handler interface {
	ProcessMessage(ctx context.Context, item *message.WorkItem, delivery broker.Delivery) bool
	OriginalQueueName() string
	Stats() Stats
	Cleanup()
}

// Stats is a snapshot of one handler's counters.
type Stats struct {
	Attempts            uint64    `json:"attempts"`
	Succeeded           uint64    `json:"succeeded"`
	Failed              uint64    `json:"failed"`
	Mirrored            uint64    `json:"mirrored"`
	MirrorFailures      uint64    `json:"mirrorFailures"`
	ResponseFailures    uint64    `json:"responseFailures"`
	LastProcessed       time.Time `json:"lastProcessed"`
	AvgProcessingMillis float64   `json:"avgProcessingMillis"`
}

// Result is what a handler action produces for one work item. Response, if
// set, is published to the response queue so the engine-side task settles.
// ResponseData is an opaque payload recorded in the sent mirror for
// reconciliation and audits.
type Result struct {
	Response     *message.ResponseMessage
	ResponseData any
	// Status overrides the mirror's processingStatus; empty means success.
	Status string
}

// Action is the downstream call a concrete handler performs. Returning an
// error means the work item failed and will be redelivered.
type Action interface {
	Execute(ctx context.Context, item *message.WorkItem) (*Result, error)
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, item *message.WorkItem) (*Result, error)

func (f ActionFunc) Execute(ctx context.Context, item *message.WorkItem) (*Result, error) {
	return f(ctx, item)
}

// Base wires an Action into the full handler contract: counters, the sent
// mirror, and the response emission. Concrete handlers embed or construct
// it with their action.
type Base struct {
	name      string
	queue     string
	action    Action
	publisher *Publisher
	logger    *slog.Logger

	attempts         atomic.Uint64
	succeeded        atomic.Uint64
	failed           atomic.Uint64
	mirrored         atomic.Uint64
	mirrorFailures   atomic.Uint64
	responseFailures atomic.Uint64
	totalMillis      atomic.Uint64

	lastMu        sync.Mutex
	lastProcessed time.Time
}

// NewBase builds a handler around an action. The queue name doubles as the
// mirror source; the publisher resolves the matching sent queue.
func NewBase(name, queue string, action Action, publisher *Publisher, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{
		name:      name,
		queue:     queue,
		action:    action,
		publisher: publisher,
		logger:    logger.With("handler", name, "queue", queue),
	}
}

// ProcessMessage runs the action, mirrors the processed item to the sent
// queue, and emits the engine response. A failed mirror does not fail the
// item: the direct response can still settle the task, and if that is lost
// too the operator sees it in the mirror failure counter.
func (b *Base) ProcessMessage(ctx context.Context, item *message.WorkItem, _ broker.Delivery) bool {
	b.attempts.Add(1)
	start := time.Now()

	res, err := b.action.Execute(ctx, item)
	if err != nil {
		b.failed.Add(1)
		b.logger.Error("handler action failed",
			"task_id", item.TaskID,
			"topic", item.Topic,
			"error", err)
		return false
	}
	if res == nil {
		res = &Result{}
	}

	b.succeeded.Add(1)
	elapsed := time.Since(start)
	b.totalMillis.Add(uint64(elapsed.Milliseconds()))
	b.lastMu.Lock()
	b.lastProcessed = time.Now()
	b.lastMu.Unlock()

	status := res.Status
	if status == "" {
		status = message.StatusSuccess
	}
	mirror := &message.SentMirror{
		Timestamp:        item.Timestamp,
		ProcessedAt:      time.Now().UnixMilli(),
		OriginalQueue:    b.queue,
		OriginalMessage:  *item,
		ProcessingStatus: status,
	}
	if res.ResponseData != nil {
		data, err := json.Marshal(res.ResponseData)
		if err != nil {
			b.logger.Warn("response data not serializable, mirroring without it",
				"task_id", item.TaskID,
				"error", err)
		} else {
			mirror.ResponseData = data
		}
	}

	if err := b.publisher.PublishMirror(ctx, b.queue, mirror); err != nil {
		b.mirrorFailures.Add(1)
		b.logger.Warn("sent mirror not delivered",
			"task_id", item.TaskID,
			"error", err)
	} else {
		b.mirrored.Add(1)
	}

	if res.Response != nil {
		if err := b.publisher.PublishResponse(ctx, res.Response); err != nil {
			b.responseFailures.Add(1)
			b.logger.Error("response not delivered, reconciliation must settle the task",
				"task_id", item.TaskID,
				"response_type", string(res.Response.ResponseType),
				"error", err)
		}
	}
	return true
}

// OriginalQueueName returns the queue this handler consumes.
func (b *Base) OriginalQueueName() string {
	return b.queue
}

// Stats returns a snapshot of the handler counters.
func (b *Base) Stats() Stats {
	b.lastMu.Lock()
	last := b.lastProcessed
	b.lastMu.Unlock()

	s := Stats{
		Attempts:         b.attempts.Load(),
		Succeeded:        b.succeeded.Load(),
		Failed:           b.failed.Load(),
		Mirrored:         b.mirrored.Load(),
		MirrorFailures:   b.mirrorFailures.Load(),
		ResponseFailures: b.responseFailures.Load(),
		LastProcessed:    last,
	}
	if s.Succeeded > 0 {
		s.AvgProcessingMillis = float64(b.totalMillis.Load()) / float64(s.Succeeded)
	}
	return s
}

// Cleanup releases handler resources. The base holds none.
func (b *Base) Cleanup() {}
