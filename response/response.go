// Package response closes the loop with the engine: it reads terminal
// ResponseMessages off the response queue and issues the matching complete,
// failure, or bpmnError call. The engine answering 404 means the task is
// already closed, which counts as success, so redeliveries are harmless.
//
// The loop runs in one of two modes. Push keeps a standing consumer on the
// response queue; pull drains up to a batch of messages every heartbeat.
// Both settle messages identically.
package response

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/c360studio/taskbridge/broker"
	"github.com/c360studio/taskbridge/component"
	"github.com/c360studio/taskbridge/engine"
	"github.com/c360studio/taskbridge/message"
	"github.com/c360studio/taskbridge/routing"
)

// Mode selects how the loop reads the response queue.
type Mode string

const (
	// ModePush keeps a standing consumer attached.
	ModePush Mode = "push"
	// ModePull drains a bounded batch every heartbeat.
	ModePull Mode = "pull"
)

const (
	defaultPullBatch      = 10
	defaultHeartbeat      = 30 * time.Second
	defaultReconnectFloor = time.Second
	defaultReconnectCap   = 30 * time.Second
	defaultAuthPause      = 30 * time.Second
)

// EngineAPI is the slice of the engine client the loop settles tasks with.
type EngineAPI interface {
	Complete(ctx context.Context, taskID string, req engine.CompleteRequest) error
	Failure(ctx context.Context, taskID string, req engine.FailureRequest) error
	BPMNError(ctx context.Context, taskID string, req engine.BPMNErrorRequest) error
}

// Broker is the adapter surface the loop reads through.
type Broker interface {
	Consume(ctx context.Context, queue string, prefetch int, fn func(broker.Delivery) broker.Outcome) error
	Drain(ctx context.Context, queue string, max int, fn func(broker.Delivery) broker.Outcome) (int, error)
	IsConnected() bool
}

// Config tunes the response loop.
type Config struct {
	// WorkerID is the identity completions are issued under. Responses
	// carrying a different workerId are processed with a warning; the
	// engine rejects them if the lock truly belongs to someone else.
	WorkerID string
	Mode     Mode
	// PullBatch bounds messages per pull pass.
	PullBatch int
	// Heartbeat paces pull passes.
	Heartbeat time.Duration
	// ReconnectFloor and ReconnectCap bound the push-mode backoff.
	ReconnectFloor time.Duration
	ReconnectCap   time.Duration
	// AuthPause is how long the loop holds after a credential rejection
	// before the requeued response is redelivered.
	AuthPause time.Duration
}

// Stats is a snapshot of loop counters.
type Stats struct {
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
	BPMNErrors uint64 `json:"bpmnErrors"`
	Duplicates uint64 `json:"duplicates"`
	Requeued   uint64 `json:"requeued"`
	Malformed  uint64 `json:"malformed"`
	Mismatched uint64 `json:"mismatched"`
}

// Loop settles engine tasks from the response queue.
type Loop struct {
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

	completed  atomic.Uint64
	failed     atomic.Uint64
	bpmnErrors atomic.Uint64
	duplicates atomic.Uint64
	requeued   atomic.Uint64
	malformed  atomic.Uint64
	mismatched atomic.Uint64
}

// New creates a response loop.
func New(cfg Config, eng EngineAPI, adapt Broker, table *routing.Table, logger *slog.Logger) (*Loop, error) {
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("response loop needs a worker id")
	}
	switch cfg.Mode {
	case ModePush, ModePull:
	case "":
		cfg.Mode = ModePush
	default:
		return nil, fmt.Errorf("unknown response mode %q", cfg.Mode)
	}
	if cfg.PullBatch <= 0 {
		cfg.PullBatch = defaultPullBatch
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.ReconnectFloor <= 0 {
		cfg.ReconnectFloor = defaultReconnectFloor
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = defaultReconnectCap
	}
	if cfg.AuthPause <= 0 {
		cfg.AuthPause = defaultAuthPause
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:    cfg,
		eng:    eng,
		adapt:  adapt,
		table:  table,
		logger: logger.With("component", "response", "mode", string(cfg.Mode)),
	}, nil
}

// Name implements component.Component.
func (l *Loop) Name() string {
	return "response"
}

// Start spawns the loop in its configured mode.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("response loop already running")
	}
	l.running = true
	l.startTime = time.Now()
	subCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	if l.cfg.Mode == ModePull {
		go l.pullLoop(subCtx)
	} else {
		go l.pushLoop(subCtx)
	}
	l.logger.Info("response loop started", "queue", l.table.ResponseQueue)
	return nil
}

// pushLoop holds a consumer on the response queue, reattaching with backoff
// when the channel dies.
func (l *Loop) pushLoop(ctx context.Context) {
	defer l.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.cfg.ReconnectFloor
	bo.MaxInterval = l.cfg.ReconnectCap
	bo.MaxElapsedTime = 0

	for {
		err := l.adapt.Consume(ctx, l.table.ResponseQueue, 1, func(d broker.Delivery) broker.Outcome {
			return l.handle(ctx, d)
		})
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		l.logger.Warn("response consumer detached, retrying",
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

// pullLoop drains a bounded batch every heartbeat.
func (l *Loop) pullLoop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.adapt.Drain(ctx, l.table.ResponseQueue, l.cfg.PullBatch, func(d broker.Delivery) broker.Outcome {
				return l.handle(ctx, d)
			})
			if err != nil && ctx.Err() == nil {
				l.logger.Warn("response drain failed", "error", err)
			} else if n > 0 {
				l.logger.Debug("response batch drained", "settled", n)
			}
		}
	}
}

// handle settles one response message against the engine.
func (l *Loop) handle(ctx context.Context, d broker.Delivery) broker.Outcome {
	var resp message.ResponseMessage
	if err := json.Unmarshal(d.Body, &resp); err != nil {
		l.malformed.Add(1)
		l.logger.Error("unparseable response dropped", "error", err)
		return broker.OutcomeDrop
	}
	if err := resp.Validate(); err != nil {
		l.malformed.Add(1)
		l.logger.Error("invalid response dropped", "task_id", resp.TaskID, "error", err)
		return broker.OutcomeDrop
	}
	if resp.WorkerID != l.cfg.WorkerID {
		l.mismatched.Add(1)
		l.logger.Warn("response carries foreign worker id",
			"task_id", resp.TaskID,
			"worker_id", resp.WorkerID,
			"expected", l.cfg.WorkerID)
	}

	err := l.settle(ctx, &resp)
	switch {
	case err == nil:
		l.count(resp.ResponseType)
		l.logger.Debug("task settled",
			"task_id", resp.TaskID,
			"response_type", string(resp.ResponseType))
		return broker.OutcomeAck
	case errors.Is(err, engine.ErrNotFound):
		// Already closed, most likely our own earlier attempt.
		l.duplicates.Add(1)
		l.logger.Debug("task already closed", "task_id", resp.TaskID)
		return broker.OutcomeAck
	case engine.IsAuth(err):
		// Requeueing cannot help, but dropping would lose the response.
		// Leave it on the queue for after the credentials are fixed, and
		// hold the loop so the redelivery does not spin hot.
		l.requeued.Add(1)
		l.logger.Error("engine rejected credentials, response requeued",
			"task_id", resp.TaskID,
			"pause", l.cfg.AuthPause.String(),
			"error", err)
		l.hold(ctx, l.cfg.AuthPause)
		return broker.OutcomeRequeue
	default:
		l.requeued.Add(1)
		l.logger.Warn("engine call failed, response requeued",
			"task_id", resp.TaskID,
			"response_type", string(resp.ResponseType),
			"error", err)
		return broker.OutcomeRequeue
	}
}

func (l *Loop) settle(ctx context.Context, resp *message.ResponseMessage) error {
	switch resp.ResponseType {
	case message.ResponseComplete:
		return l.eng.Complete(ctx, resp.TaskID, engine.CompleteRequest{
			WorkerID:       l.cfg.WorkerID,
			Variables:      resp.Variables,
			LocalVariables: resp.LocalVariables,
		})
	case message.ResponseFailure:
		retries := 0
		if resp.Retries != nil {
			retries = *resp.Retries
		}
		return l.eng.Failure(ctx, resp.TaskID, engine.FailureRequest{
			WorkerID:     l.cfg.WorkerID,
			ErrorMessage: resp.ErrorMessage,
			ErrorDetails: resp.ErrorDetails,
			Retries:      retries,
			RetryTimeout: resp.RetryTimeout,
		})
	case message.ResponseBPMNError:
		return l.eng.BPMNError(ctx, resp.TaskID, engine.BPMNErrorRequest{
			WorkerID:     l.cfg.WorkerID,
			ErrorCode:    resp.ErrorCode,
			ErrorMessage: resp.ErrorMessage,
			Variables:    resp.Variables,
		})
	default:
		return fmt.Errorf("unknown responseType %q", resp.ResponseType)
	}
}

// hold blocks for d or until shutdown.
func (l *Loop) hold(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (l *Loop) count(t message.ResponseType) {
	switch t {
	case message.ResponseComplete:
		l.completed.Add(1)
	case message.ResponseFailure:
		l.failed.Add(1)
	case message.ResponseBPMNError:
		l.bpmnErrors.Add(1)
	}
}

// Stop cancels the loop and waits for the in-flight message to settle.
func (l *Loop) Stop(timeout time.Duration) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.running = false
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("response loop still running after %s", timeout)
	}
	l.logger.Info("response loop stopped",
		"completed", l.completed.Load(),
		"failed", l.failed.Load(),
		"bpmn_errors", l.bpmnErrors.Load(),
		"duplicates", l.duplicates.Load())
	return nil
}

// Health implements component.Component.
func (l *Loop) Health() component.HealthStatus {
	l.mu.RLock()
	running := l.running
	startTime := l.startTime
	l.mu.RUnlock()

	var uptime time.Duration
	if running {
		uptime = time.Since(startTime)
	}
	return component.HealthStatus{
		Healthy:    running && l.adapt.IsConnected(),
		Status:     component.StatusOf(running),
		LastCheck:  time.Now(),
		ErrorCount: int(l.malformed.Load() + l.requeued.Load()),
		Uptime:     uptime,
	}
}

// Stats returns a snapshot of all counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Completed:  l.completed.Load(),
		Failed:     l.failed.Load(),
		BPMNErrors: l.bpmnErrors.Load(),
		Duplicates: l.duplicates.Load(),
		Requeued:   l.requeued.Load(),
		Malformed:  l.malformed.Load(),
		Mismatched: l.mismatched.Load(),
	}
}
