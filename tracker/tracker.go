// Package tracker reconciles sent-mirror queues against the engine. A sent
// mirror is the handler's durable "I finished this" record; if the matching
// task is still locked in the engine, the direct response path lost the
// completion, and the tracker re-emits it onto the response queue.
//
// One loop runs per sent-mirror queue at the heartbeat cadence. Mirrors for
// tasks the engine no longer knows are dropped; mirrors the engine cannot be
// asked about right now go back on the queue for the next cycle.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/taskbridge/broker"
	"github.com/c360studio/taskbridge/component"
	"github.com/c360studio/taskbridge/engine"
	"github.com/c360studio/taskbridge/message"
	"github.com/c360studio/taskbridge/routing"
	"github.com/c360studio/taskbridge/variables"
)

const (
	defaultHeartbeat      = 30 * time.Second
	defaultBatch          = 25
	defaultDisconnectWait = 30 * time.Second
)

// EngineAPI is the slice of the engine client the tracker asks about locks.
type EngineAPI interface {
	Task(ctx context.Context, taskID string) (*engine.LockedTask, error)
}

// Broker is the adapter surface the tracker reads mirrors and emits
// responses through.
type Broker interface {
	Drain(ctx context.Context, queue string, max int, fn func(broker.Delivery) broker.Outcome) (int, error)
	Publish(ctx context.Context, exchange, key string, body []byte, headers map[string]any) error
	IsConnected() bool
}

// Config tunes the reconciliation loops.
type Config struct {
	// WorkerID scopes reconciliation to tasks this bridge locked.
	WorkerID string
	// Heartbeat paces the cycles.
	Heartbeat time.Duration
	// Batch bounds mirrors inspected per queue per cycle.
	Batch int
	// DisconnectWait is the pause after a broker failure before resuming.
	DisconnectWait time.Duration
}

// QueueStats tracks one sent queue's reconciliation counters.
type QueueStats struct {
	Inspected   uint64    `json:"inspected"`
	Completions uint64    `json:"completions"`
	Dropped     uint64    `json:"dropped"`
	Skipped     uint64    `json:"skipped"`
	Requeued    uint64    `json:"requeued"`
	Malformed   uint64    `json:"malformed"`
	LastCycle   time.Time `json:"lastCycle"`
}

// Stats is a tracker-wide snapshot keyed by sent queue.
type Stats struct {
	Completions uint64                `json:"completions"`
	Queues      map[string]QueueStats `json:"queues"`
}

// Tracker runs one reconciliation loop per sent-mirror queue.
type Tracker struct {
	cfg    Config
	eng    EngineAPI
	adapt  Broker
	table  *routing.Table
	logger *slog.Logger

	mu        sync.RWMutex
	running   bool
	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	completions atomic.Uint64
	errorCount  atomic.Uint64

	statsMu sync.Mutex
	stats   map[string]*QueueStats
}

// New creates a tracker over every sent queue in the routing table.
func New(cfg Config, eng EngineAPI, adapt Broker, table *routing.Table, logger *slog.Logger) (*Tracker, error) {
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("tracker needs a worker id")
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultBatch
	}
	if cfg.DisconnectWait <= 0 {
		cfg.DisconnectWait = defaultDisconnectWait
	}
	if logger == nil {
		logger = slog.Default()
	}

	stats := make(map[string]*QueueStats)
	for _, sent := range table.SentQueues {
		stats[sent] = &QueueStats{}
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("routing table maps no sent queues")
	}
	return &Tracker{
		cfg:    cfg,
		eng:    eng,
		adapt:  adapt,
		table:  table,
		logger: logger.With("component", "tracker"),
		stats:  stats,
	}, nil
}

// Name implements component.Component.
func (t *Tracker) Name() string {
	return "tracker"
}

// Start spawns one loop per sent queue.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("tracker already running")
	}
	t.running = true
	t.startTime = time.Now()
	subCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	t.statsMu.Lock()
	queues := make([]string, 0, len(t.stats))
	for q := range t.stats {
		queues = append(queues, q)
	}
	t.statsMu.Unlock()

	for _, queue := range queues {
		t.wg.Add(1)
		go t.watchQueue(subCtx, queue)
	}
	t.logger.Info("tracker started",
		"sent_queues", len(queues),
		"heartbeat", t.cfg.Heartbeat.String())
	return nil
}

// watchQueue reconciles one sent queue until shutdown.
func (t *Tracker) watchQueue(ctx context.Context, queue string) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		t.bump(queue, func(s *QueueStats) { s.LastCycle = time.Now() })
		_, err := t.adapt.Drain(ctx, queue, t.cfg.Batch, func(d broker.Delivery) broker.Outcome {
			return t.reconcile(ctx, queue, d)
		})
		if err != nil && ctx.Err() == nil {
			t.errorCount.Add(1)
			t.logger.Warn("sent queue unreachable, backing off",
				"sent_queue", queue,
				"wait", t.cfg.DisconnectWait.String(),
				"error", err)
			timer := time.NewTimer(t.cfg.DisconnectWait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

// reconcile decides the fate of one mirror. Terminal mirrors whose task is
// still locked by this worker produce a completion on the response queue;
// everything settled elsewhere is dropped.
func (t *Tracker) reconcile(ctx context.Context, queue string, d broker.Delivery) broker.Outcome {
	t.bump(queue, func(s *QueueStats) { s.Inspected++ })

	var mirror message.SentMirror
	if err := json.Unmarshal(d.Body, &mirror); err != nil {
		t.bump(queue, func(s *QueueStats) { s.Malformed++ })
		t.logger.Error("unparseable sent mirror dropped", "sent_queue", queue, "error", err)
		return broker.OutcomeDrop
	}
	if err := mirror.Validate(); err != nil {
		t.bump(queue, func(s *QueueStats) { s.Malformed++ })
		t.logger.Error("invalid sent mirror dropped", "sent_queue", queue, "error", err)
		return broker.OutcomeDrop
	}

	taskID := mirror.OriginalMessage.TaskID
	if !mirror.Terminal() {
		// Non-terminal statuses are audit records only; nothing to close.
		// The body is logged before the ack retires it, so the record
		// survives in the logs.
		t.bump(queue, func(s *QueueStats) { s.Skipped++ })
		t.logger.Debug("non-terminal mirror retired",
			"sent_queue", queue,
			"task_id", taskID,
			"status", mirror.ProcessingStatus,
			"body", string(d.Body))
		return broker.OutcomeAck
	}

	task, err := t.eng.Task(ctx, taskID)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		// The response loop already closed it.
		t.bump(queue, func(s *QueueStats) { s.Dropped++ })
		t.logger.Debug("mirror for closed task dropped", "task_id", taskID)
		return broker.OutcomeAck
	case err != nil:
		t.errorCount.Add(1)
		t.bump(queue, func(s *QueueStats) { s.Requeued++ })
		t.logger.Warn("engine lookup failed, mirror requeued",
			"task_id", taskID,
			"error", err)
		return broker.OutcomeRequeue
	}

	if task.WorkerID != t.cfg.WorkerID || task.LockExpirationTime == nil {
		// Not our lock anymore; some other worker owns the outcome.
		t.bump(queue, func(s *QueueStats) { s.Dropped++ })
		t.logger.Debug("mirror for foreign or unlocked task dropped",
			"task_id", taskID,
			"locked_by", task.WorkerID)
		return broker.OutcomeAck
	}

	if err := t.emitCompletion(ctx, &mirror); err != nil {
		t.errorCount.Add(1)
		t.bump(queue, func(s *QueueStats) { s.Requeued++ })
		t.logger.Warn("completion not published, mirror requeued",
			"task_id", taskID,
			"error", err)
		return broker.OutcomeRequeue
	}

	t.completions.Add(1)
	t.bump(queue, func(s *QueueStats) { s.Completions++ })
	t.logger.Info("orphaned task completion recovered from mirror",
		"task_id", taskID,
		"sent_queue", queue,
		"original_queue", mirror.OriginalQueue)
	return broker.OutcomeAck
}

// emitCompletion publishes a complete response reconstructed from a mirror.
// The completion carries at least the handler's terminal status; the raw
// handler payload rides along as a Json variable for the process to pick
// apart if it wants to.
func (t *Tracker) emitCompletion(ctx context.Context, mirror *message.SentMirror) error {
	vars := map[string]variables.Variable{
		"bridge_status": {Value: mirror.ProcessingStatus, Type: variables.TypeString},
	}
	if len(mirror.ResponseData) > 0 {
		vars["bridge_result"] = variables.Variable{
			Value: string(mirror.ResponseData),
			Type:  variables.TypeJSON,
		}
	}
	resp := message.ResponseMessage{
		TaskID:       mirror.OriginalMessage.TaskID,
		ResponseType: message.ResponseComplete,
		WorkerID:     t.cfg.WorkerID,
		Variables:    vars,
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode reconciliation completion: %w", err)
	}
	headers := map[string]any{
		"task_id":       resp.TaskID,
		"response_type": string(resp.ResponseType),
		"reconciled":    true,
	}
	return t.adapt.Publish(ctx, t.table.ResponseExchange, t.table.ResponseQueue, body, headers)
}

func (t *Tracker) bump(queue string, fn func(*QueueStats)) {
	t.statsMu.Lock()
	if s, ok := t.stats[queue]; ok {
		fn(s)
	}
	t.statsMu.Unlock()
}

// Stop cancels the loops and waits up to timeout for a clean join.
func (t *Tracker) Stop(timeout time.Duration) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.running = false
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("tracker loops still running after %s", timeout)
	}
	t.logger.Info("tracker stopped", "completions", t.completions.Load())
	return nil
}

// Health implements component.Component.
func (t *Tracker) Health() component.HealthStatus {
	t.mu.RLock()
	running := t.running
	startTime := t.startTime
	t.mu.RUnlock()

	var uptime time.Duration
	if running {
		uptime = time.Since(startTime)
	}
	return component.HealthStatus{
		Healthy:    running && t.adapt.IsConnected(),
		Status:     component.StatusOf(running),
		LastCheck:  time.Now(),
		ErrorCount: int(t.errorCount.Load()),
		Uptime:     uptime,
	}
}

// Stats returns a per-queue snapshot.
func (t *Tracker) Stats() Stats {
	out := Stats{
		Completions: t.completions.Load(),
		Queues:      make(map[string]QueueStats, len(t.stats)),
	}
	t.statsMu.Lock()
	for queue, s := range t.stats {
		out.Queues[queue] = *s
	}
	t.statsMu.Unlock()
	return out
}

// CycleNow runs one reconciliation pass over every sent queue immediately,
// outside the heartbeat cadence. Used by tests and the recovery CLI to get a
// deterministic pass.
func (t *Tracker) CycleNow(ctx context.Context) error {
	t.statsMu.Lock()
	queues := make([]string, 0, len(t.stats))
	for q := range t.stats {
		queues = append(queues, q)
	}
	t.statsMu.Unlock()

	var firstErr error
	for _, queue := range queues {
		t.bump(queue, func(s *QueueStats) { s.LastCycle = time.Now() })
		_, err := t.adapt.Drain(ctx, queue, t.cfg.Batch, func(d broker.Delivery) broker.Outcome {
			return t.reconcile(ctx, queue, d)
		})
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("drain %s: %w", queue, err)
		}
	}
	return firstErr
}
