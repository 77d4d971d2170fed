// Package recovery finds and releases stuck external tasks: tasks the engine
// still shows as locked long past their lock expiry with no trace in either
// the in-flight queue or the sent-mirror queue of their system. Such a task
// will never settle on its own; the scanner unlocks it and reports a failure
// so the engine's retry and incident handling take over.
//
// The scanner is an on-demand utility, not a steady-state loop. Running it
// twice in a row is safe: the second run finds nothing left to release.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/taskbridge/engine"
	"github.com/c360studio/taskbridge/routing"
)

// DefaultMaxAge is how long past lock expiry a task may linger before it
// counts as stuck.
const DefaultMaxAge = 30 * time.Minute

// peekLimit bounds how many messages per queue are inspected when looking
// for a task's trace. Queues deeper than this are treated as containing the
// task, erring on the side of not unlocking live work.
const peekLimit = 500

// EngineAPI is the slice of the engine client the scanner uses.
type EngineAPI interface {
	LockedTasks(ctx context.Context, workerID string) ([]engine.LockedTask, error)
	Unlock(ctx context.Context, taskID string) error
	Failure(ctx context.Context, taskID string, req engine.FailureRequest) error
}

// Broker is the adapter surface used to look for message traces.
type Broker interface {
	Peek(queue string, limit int) ([][]byte, error)
}

// Options select what one scan covers.
type Options struct {
	// WorkerID filters locked tasks to one worker; empty scans all.
	WorkerID string
	// MaxAge is the stuck threshold; zero means DefaultMaxAge.
	MaxAge time.Duration
	// DryRun reports what would happen without touching the engine.
	DryRun bool
}

// Report summarizes one scan.
type Report struct {
	Checked  int      `json:"checked"`
	Stuck    int      `json:"stuck"`
	Unlocked int      `json:"unlocked"`
	Failed   int      `json:"failed"`
	Errors   int      `json:"errors"`
	TaskIDs  []string `json:"taskIds,omitempty"`
}

// Scanner performs stuck-task scans.
type Scanner struct {
	eng    EngineAPI
	adapt  Broker
	table  *routing.Table
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithClock overrides the scanner's time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) {
		s.now = now
	}
}

// NewScanner creates a recovery scanner.
func NewScanner(eng EngineAPI, adapt Broker, table *routing.Table, logger *slog.Logger, opts ...Option) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scanner{
		eng:    eng,
		adapt:  adapt,
		table:  table,
		logger: logger.With("component", "recovery"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes one scan and returns its report. Per-task errors are counted
// and logged; only a failed task enumeration aborts the scan.
func (s *Scanner) Run(ctx context.Context, opts Options) (*Report, error) {
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	tasks, err := s.eng.LockedTasks(ctx, opts.WorkerID)
	if err != nil {
		return nil, fmt.Errorf("list locked tasks: %w", err)
	}

	report := &Report{}
	traces := newTraceIndex(s)
	for i := range tasks {
		task := &tasks[i]
		report.Checked++

		age, suspicious := s.lockAge(task)
		if !suspicious && age <= maxAge {
			continue
		}

		if traces.contains(task) {
			s.logger.Debug("long-locked task still in flight",
				"task_id", task.ID,
				"topic", task.TopicName,
				"lock_age", age.String())
			continue
		}

		report.Stuck++
		report.TaskIDs = append(report.TaskIDs, task.ID)
		s.logger.Warn("stuck task detected",
			"task_id", task.ID,
			"topic", task.TopicName,
			"worker_id", task.WorkerID,
			"lock_age", age.String(),
			"process_instance_id", task.ProcessInstanceID)

		if opts.DryRun {
			continue
		}
		s.release(ctx, task, age, report)
	}

	s.logger.Info("recovery scan finished",
		"checked", report.Checked,
		"stuck", report.Stuck,
		"unlocked", report.Unlocked,
		"failed", report.Failed,
		"errors", report.Errors,
		"dry_run", opts.DryRun)
	return report, nil
}

// lockAge computes how far past expiry the lock is. Missing or future lock
// times are suspicious on their own; the absolute distance is used so a lock
// expiring absurdly far in the future also surfaces.
func (s *Scanner) lockAge(task *engine.LockedTask) (time.Duration, bool) {
	if task.LockExpirationTime == nil || task.LockExpirationTime.IsZero() {
		return 0, true
	}
	age := s.now().Sub(task.LockExpirationTime.Time)
	if age < 0 {
		return -age, false
	}
	return age, false
}

// release unlocks the task and reports a failure with retries exhausted so
// the engine raises an incident a human can see.
func (s *Scanner) release(ctx context.Context, task *engine.LockedTask, age time.Duration, report *Report) {
	if err := s.eng.Unlock(ctx, task.ID); err != nil && !isGone(err) {
		report.Errors++
		s.logger.Error("unlock failed", "task_id", task.ID, "error", err)
		return
	}
	report.Unlocked++

	req := engine.FailureRequest{
		WorkerID:     task.WorkerID,
		ErrorMessage: "task recovered by stuck-lock scan",
		ErrorDetails: fmt.Sprintf(
			"lock on task %s (topic %s) exceeded the recovery threshold by %s with no in-flight or sent-mirror trace",
			task.ID, task.TopicName, age.Round(time.Second)),
		Retries:      0,
		RetryTimeout: 0,
	}
	if err := s.eng.Failure(ctx, task.ID, req); err != nil && !isGone(err) {
		report.Errors++
		s.logger.Error("failure report failed", "task_id", task.ID, "error", err)
		return
	}
	report.Failed++
}

// isGone treats an engine 404 as success: the task settled while the scan
// was running, which is exactly what recovery wants.
func isGone(err error) bool {
	return errors.Is(err, engine.ErrNotFound)
}

// traceIndex lazily peeks each queue at most once per scan and remembers the
// task ids it saw. Peek failures mark the queue unknown; unknown counts as
// "no trace", because a task we cannot verify is safer released than left
// locked forever.
type traceIndex struct {
	scanner *Scanner
	seen    map[string]map[string]bool
	deep    map[string]bool
}

func newTraceIndex(s *Scanner) *traceIndex {
	return &traceIndex{
		scanner: s,
		seen:    make(map[string]map[string]bool),
		deep:    make(map[string]bool),
	}
}

// contains reports whether either the in-flight queue or the sent queue of
// the task's system holds a message for it.
func (ti *traceIndex) contains(task *engine.LockedTask) bool {
	system := ti.scanner.table.SystemFor(task.TopicName)
	queue, ok := ti.scanner.table.QueueFor(system)
	if !ok {
		return false
	}
	if ti.queueHas(queue, task.ID, extractWorkItemID) {
		return true
	}
	if sent, ok := ti.scanner.table.SentQueueFor(queue); ok {
		return ti.queueHas(sent, task.ID, extractMirrorID)
	}
	return false
}

func (ti *traceIndex) queueHas(queue, taskID string, extract func([]byte) string) bool {
	if ids, ok := ti.seen[queue]; ok {
		return ids[taskID] || ti.deep[queue]
	}

	ids := make(map[string]bool)
	bodies, err := ti.scanner.adapt.Peek(queue, peekLimit)
	if err != nil {
		ti.scanner.logger.Warn("queue peek failed, treating as traceless",
			"queue", queue,
			"error", err)
		ti.seen[queue] = ids
		return false
	}
	for _, body := range bodies {
		if id := extract(body); id != "" {
			ids[id] = true
		}
	}
	ti.seen[queue] = ids
	ti.deep[queue] = len(bodies) == peekLimit
	return ids[taskID] || ti.deep[queue]
}

func extractWorkItemID(body []byte) string {
	var item struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(body, &item); err != nil {
		return ""
	}
	return item.TaskID
}

func extractMirrorID(body []byte) string {
	var mirror struct {
		OriginalMessage struct {
			TaskID string `json:"taskId"`
		} `json:"originalMessage"`
	}
	if err := json.Unmarshal(body, &mirror); err != nil {
		return ""
	}
	return mirror.OriginalMessage.TaskID
}
