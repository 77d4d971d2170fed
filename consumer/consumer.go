// Package consumer dispatches work queue deliveries to registered handlers.
// One consumer loop runs per system queue with prefetch 1 and manual acks: a
// handler returning true acks the delivery, false requeues it, and a body
// that does not parse is dropped with a copy routed to the error queue.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/c360studio/taskbridge/broker"
	"github.com/c360studio/taskbridge/component"
	"github.com/c360studio/taskbridge/handler"
	"github.com/c360studio/taskbridge/message"
	"github.com/c360studio/taskbridge/routing"
)

const (
	defaultPrefetch       = 1
	defaultReconnectFloor = time.Second
	defaultReconnectCap   = 30 * time.Second
)

// Broker is the adapter surface the framework consumes through.
type Broker interface {
	Consume(ctx context.Context, queue string, prefetch int, fn func(broker.Delivery) broker.Outcome) error
	Publish(ctx context.Context, exchange, key string, body []byte, headers map[string]any) error
	IsConnected() bool
}

// Config tunes the consumer framework.
type Config struct {
	// Prefetch per consumer; the core fixes this at 1 so one slow handler
	// never holds more than one item hostage.
	Prefetch int
	// WorkerID is threaded into the handler deps.
	WorkerID string
	// ReconnectFloor and ReconnectCap bound the backoff between consume
	// attempts after a dead channel.
	ReconnectFloor time.Duration
	ReconnectCap   time.Duration
}

// QueueStats tracks one queue's dispatch counters.
type QueueStats struct {
	Delivered   uint64    `json:"delivered"`
	Acked       uint64    `json:"acked"`
	Requeued    uint64    `json:"requeued"`
	Malformed   uint64    `json:"malformed"`
	LastSeen    time.Time `json:"lastSeen"`
	AvgMillis   float64   `json:"avgMillis"`
	totalMillis uint64
}

// Stats is a framework-wide snapshot keyed by queue.
type Stats struct {
	Queues map[string]QueueStats `json:"queues"`
}

// Framework owns one consumer loop per registered queue.
type Framework struct {
	cfg      Config
	adapter  Broker
	registry *handler.Registry
	deps     handler.Deps
	table    *routing.Table
	logger   *slog.Logger

	mu        sync.RWMutex
	running   bool
	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	handlers  map[string]handler.Handler

	statsMu sync.Mutex
	stats   map[string]*QueueStats
	errors  int
}

// New creates the framework. Handlers are instantiated lazily in Start so
// registration order does not matter.
func New(cfg Config, adapter Broker, registry *handler.Registry, deps handler.Deps, table *routing.Table, logger *slog.Logger) *Framework {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}
	if cfg.ReconnectFloor <= 0 {
		cfg.ReconnectFloor = defaultReconnectFloor
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = defaultReconnectCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Framework{
		cfg:      cfg,
		adapter:  adapter,
		registry: registry,
		deps:     deps,
		table:    table,
		logger:   logger.With("component", "consumer"),
		handlers: make(map[string]handler.Handler),
		stats:    make(map[string]*QueueStats),
	}
}

// Name implements component.Component.
func (f *Framework) Name() string {
	return "consumer"
}

// Start instantiates every registered handler and spawns its consume loop.
func (f *Framework) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("consumer framework already running")
	}

	queues := f.registry.Queues()
	if len(queues) == 0 {
		f.mu.Unlock()
		return fmt.Errorf("no handlers registered")
	}
	for _, queue := range queues {
		h, err := f.registry.Create(queue, f.deps)
		if err != nil {
			f.mu.Unlock()
			return err
		}
		f.handlers[queue] = h
		f.stats[queue] = &QueueStats{}
	}

	f.running = true
	f.startTime = time.Now()
	subCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.mu.Unlock()

	for queue, h := range f.handlers {
		f.wg.Add(1)
		go f.consumeQueue(subCtx, queue, h)
	}

	f.logger.Info("consumer framework started",
		"queues", len(queues),
		"prefetch", f.cfg.Prefetch)
	return nil
}

// consumeQueue keeps one queue consumed until shutdown, backing off between
// attempts whenever the channel dies.
func (f *Framework) consumeQueue(ctx context.Context, queue string, h handler.Handler) {
	defer f.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.cfg.ReconnectFloor
	bo.MaxInterval = f.cfg.ReconnectCap
	bo.MaxElapsedTime = 0

	for {
		err := f.adapter.Consume(ctx, queue, f.cfg.Prefetch, func(d broker.Delivery) broker.Outcome {
			return f.dispatch(ctx, queue, h, d)
		})
		if ctx.Err() != nil {
			return
		}
		f.statsMu.Lock()
		f.errors++
		f.statsMu.Unlock()

		wait := bo.NextBackOff()
		f.logger.Warn("consumer detached, retrying",
			"queue", queue,
			"retry_in", wait.String(),
			"error", err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// dispatch parses one delivery and runs the handler. Unparseable bodies are
// dropped after a best-effort copy to the error queue so an operator can
// inspect them.
func (f *Framework) dispatch(ctx context.Context, queue string, h handler.Handler, d broker.Delivery) broker.Outcome {
	start := time.Now()
	f.bump(queue, func(s *QueueStats) {
		s.Delivered++
		s.LastSeen = start
	})

	var item message.WorkItem
	if err := json.Unmarshal(d.Body, &item); err != nil {
		f.quarantine(ctx, queue, d, fmt.Errorf("parse work item: %w", err))
		return broker.OutcomeDrop
	}
	if err := item.Validate(); err != nil {
		f.quarantine(ctx, queue, d, err)
		return broker.OutcomeDrop
	}

	ok := h.ProcessMessage(ctx, &item, d)
	elapsed := time.Since(start)
	f.bump(queue, func(s *QueueStats) {
		s.totalMillis += uint64(elapsed.Milliseconds())
		if ok {
			s.Acked++
		} else {
			s.Requeued++
		}
		if done := s.Acked + s.Requeued; done > 0 {
			s.AvgMillis = float64(s.totalMillis) / float64(done)
		}
	})

	if ok {
		return broker.OutcomeAck
	}
	f.logger.Warn("handler declined work item, requeueing",
		"queue", queue,
		"task_id", item.TaskID,
		"redelivered", d.Redelivered)
	return broker.OutcomeRequeue
}

// quarantine counts a malformed delivery and copies it to the error queue.
// The copy is best effort; the original is dropped either way because a body
// that does not parse will never parse.
func (f *Framework) quarantine(ctx context.Context, queue string, d broker.Delivery, cause error) {
	f.bump(queue, func(s *QueueStats) { s.Malformed++ })
	f.logger.Error("malformed delivery dropped",
		"queue", queue,
		"routing_key", d.RoutingKey,
		"error", cause)

	headers := map[string]any{
		"source_queue": queue,
		"error":        cause.Error(),
	}
	if err := f.adapter.Publish(ctx, f.table.MainExchange, f.table.ErrorKey(queue), d.Body, headers); err != nil {
		f.logger.Warn("could not copy malformed delivery to error queue",
			"queue", queue,
			"error", err)
	}
}

func (f *Framework) bump(queue string, fn func(*QueueStats)) {
	f.statsMu.Lock()
	if s, ok := f.stats[queue]; ok {
		fn(s)
	}
	f.statsMu.Unlock()
}

// Stop cancels the consume loops, waits for in-flight handlers, and runs
// every handler's cleanup.
func (f *Framework) Stop(timeout time.Duration) error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	if f.cancel != nil {
		f.cancel()
	}
	f.running = false
	handlers := f.handlers
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("consumer loops still running after %s", timeout)
	}

	for _, h := range handlers {
		h.Cleanup()
	}
	f.logger.Info("consumer framework stopped")
	return nil
}

// Health implements component.Component. The framework is healthy while its
// loops run and the broker connection is believed alive.
func (f *Framework) Health() component.HealthStatus {
	f.mu.RLock()
	running := f.running
	startTime := f.startTime
	f.mu.RUnlock()

	f.statsMu.Lock()
	errorCount := f.errors
	f.statsMu.Unlock()

	healthy := running && f.adapter.IsConnected()
	var uptime time.Duration
	if running {
		uptime = time.Since(startTime)
	}
	return component.HealthStatus{
		Healthy:    healthy,
		Status:     component.StatusOf(running),
		LastCheck:  time.Now(),
		ErrorCount: errorCount,
		Uptime:     uptime,
	}
}

// Stats returns a per-queue snapshot.
func (f *Framework) Stats() Stats {
	out := Stats{Queues: make(map[string]QueueStats, len(f.stats))}
	f.statsMu.Lock()
	for queue, s := range f.stats {
		out.Queues[queue] = *s
	}
	f.statsMu.Unlock()
	return out
}

// HandlerStats returns the stats of every live handler keyed by queue.
func (f *Framework) HandlerStats() map[string]handler.Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]handler.Stats, len(f.handlers))
	for queue, h := range f.handlers {
		out[queue] = h.Stats()
	}
	return out
}
