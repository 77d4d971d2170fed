// Package poller runs one fetch-and-lock loop per engine topic, enriches
// each locked task with cached definition metadata, and publishes the
// resulting work items into the routing fabric. A task that cannot be
// published is reported back to the engine as a failure so its retry and
// incident handling apply.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/taskbridge/component"
	"github.com/c360studio/taskbridge/engine"
	"github.com/c360studio/taskbridge/message"
	"github.com/c360studio/taskbridge/routing"
)

// EngineAPI is the slice of the engine client the poller uses.
type EngineAPI interface {
	FetchAndLock(ctx context.Context, req engine.FetchAndLockRequest) ([]engine.LockedTask, error)
	Failure(ctx context.Context, taskID string, req engine.FailureRequest) error
}

// MetadataSource enriches work items with service-task annotations.
type MetadataSource interface {
	ActivityMetadata(ctx context.Context, definitionID, activityID string) (message.ActivityMetadata, error)
}

// Publisher is the broker surface the poller publishes through.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, body []byte, headers map[string]any) error
}

// TopicStats tracks one topic loop.
type TopicStats struct {
	Fetched         uint64    `json:"fetched"`
	Published       uint64    `json:"published"`
	PublishFailures uint64    `json:"publishFailures"`
	FetchErrors     uint64    `json:"fetchErrors"`
	Restarts        uint64    `json:"restarts"`
	LastFetch       time.Time `json:"lastFetch"`
}

// Stats is a poller-wide snapshot.
type Stats struct {
	Fetched         uint64                `json:"fetched"`
	Published       uint64                `json:"published"`
	PublishFailures uint64                `json:"publishFailures"`
	FailedBack      uint64                `json:"failedBack"`
	FetchErrors     uint64                `json:"fetchErrors"`
	Restarts        uint64                `json:"restarts"`
	Topics          map[string]TopicStats `json:"topics"`
}

// Poller owns the per-topic fetch loops.
type Poller struct {
	config Config
	engine EngineAPI
	meta   MetadataSource
	broker Publisher
	table  *routing.Table
	logger *slog.Logger

	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	fetched         atomic.Uint64
	published       atomic.Uint64
	publishFailures atomic.Uint64
	failedBack      atomic.Uint64
	fetchErrors     atomic.Uint64
	restarts        atomic.Uint64

	statsMu    sync.Mutex
	topicStats map[string]*TopicStats
}

// New creates a poller. Defaults fill unset config fields before validation.
func New(cfg Config, eng EngineAPI, meta MetadataSource, pub Publisher, table *routing.Table, logger *slog.Logger) (*Poller, error) {
	defaults := DefaultConfig()
	if cfg.MaxTasks == 0 {
		cfg.MaxTasks = defaults.MaxTasks
	}
	if cfg.LockDuration == 0 {
		cfg.LockDuration = defaults.LockDuration
	}
	if cfg.AsyncResponseTimeout == 0 {
		cfg.AsyncResponseTimeout = defaults.AsyncResponseTimeout
	}
	if cfg.SleepIdle == 0 {
		cfg.SleepIdle = defaults.SleepIdle
	}
	if cfg.SleepBusy == 0 {
		cfg.SleepBusy = defaults.SleepBusy
	}
	if cfg.SleepOnError == 0 {
		cfg.SleepOnError = defaults.SleepOnError
	}
	if cfg.MaxConsecutiveErrors == 0 {
		cfg.MaxConsecutiveErrors = defaults.MaxConsecutiveErrors
	}
	if cfg.DefaultRetries == 0 {
		cfg.DefaultRetries = defaults.DefaultRetries
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if len(cfg.Topics) == 0 && table != nil {
		cfg.Topics = table.Topics()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid poller config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	stats := make(map[string]*TopicStats, len(cfg.Topics))
	for _, t := range cfg.Topics {
		stats[t] = &TopicStats{}
	}
	return &Poller{
		config:     cfg,
		engine:     eng,
		meta:       meta,
		broker:     pub,
		table:      table,
		logger:     logger.With("component", "poller"),
		topicStats: stats,
	}, nil
}

// Name implements component.Component.
func (p *Poller) Name() string {
	return "poller"
}

// Start spawns one supervised loop per topic.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller already running")
	}
	p.running = true
	p.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	for _, topic := range p.config.Topics {
		p.wg.Add(1)
		go p.superviseTopic(subCtx, topic)
	}

	p.logger.Info("poller started",
		"worker_id", p.config.WorkerID,
		"topics", len(p.config.Topics),
		"max_tasks", p.config.MaxTasks,
		"lock_duration", p.config.LockDuration.String())
	return nil
}

// superviseTopic restarts a topic loop whenever it gives up, unless the
// failure is a credential rejection, which no restart can fix.
func (p *Poller) superviseTopic(ctx context.Context, topic string) {
	defer p.wg.Done()
	for {
		err := p.pollTopic(ctx, topic)
		if ctx.Err() != nil || err == nil {
			return
		}
		if engine.IsAuth(err) {
			p.logger.Error("engine rejected credentials, topic loop stopped",
				"topic", topic,
				"error", err)
			return
		}
		p.restarts.Add(1)
		p.bumpTopic(topic, func(s *TopicStats) { s.Restarts++ })
		p.logger.Error("topic loop terminated, restarting",
			"topic", topic,
			"error", err,
			"restart_in", p.config.SleepOnError.String())
		if !sleepCtx(ctx, p.config.SleepOnError) {
			return
		}
	}
}

// pollTopic is one topic's fetch loop. It returns nil on shutdown and an
// error after too many consecutive fetch failures.
func (p *Poller) pollTopic(ctx context.Context, topic string) error {
	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		tasks, err := p.engine.FetchAndLock(ctx, p.fetchRequest(topic))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if engine.IsAuth(err) {
				return err
			}
			consecutive++
			p.fetchErrors.Add(1)
			p.bumpTopic(topic, func(s *TopicStats) { s.FetchErrors++ })
			p.logger.Warn("fetch and lock failed",
				"topic", topic,
				"consecutive", consecutive,
				"error", err)
			if consecutive >= p.config.MaxConsecutiveErrors {
				return fmt.Errorf("%d consecutive fetch failures on topic %s: %w", consecutive, topic, err)
			}
			if !sleepCtx(ctx, p.config.SleepOnError) {
				return nil
			}
			continue
		}
		consecutive = 0

		for i := range tasks {
			p.dispatch(ctx, topic, &tasks[i])
		}

		pause := p.config.SleepIdle
		if len(tasks) > 0 {
			pause = p.config.SleepBusy
			p.bumpTopic(topic, func(s *TopicStats) { s.LastFetch = time.Now() })
		}
		if !sleepCtx(ctx, pause) {
			return nil
		}
	}
}

// dispatch publishes one locked task as a work item, failing the task back
// to the engine when the broker will not take it.
func (p *Poller) dispatch(ctx context.Context, topic string, task *engine.LockedTask) {
	p.fetched.Add(1)
	p.bumpTopic(topic, func(s *TopicStats) { s.Fetched++ })

	item := p.buildItem(ctx, topic, task)
	body, err := json.Marshal(item)
	if err != nil {
		p.logger.Error("work item not serializable", "task_id", task.ID, "error", err)
		p.failBack(ctx, task, err)
		return
	}

	_, key := p.table.RouteKey(topic)
	if err := p.broker.Publish(ctx, p.table.MainExchange, key, body, item.Headers()); err != nil {
		p.publishFailures.Add(1)
		p.bumpTopic(topic, func(s *TopicStats) { s.PublishFailures++ })
		p.logger.Error("work item not published, failing task back",
			"task_id", task.ID,
			"topic", topic,
			"routing_key", key,
			"error", err)
		p.failBack(ctx, task, err)
		return
	}

	p.published.Add(1)
	p.bumpTopic(topic, func(s *TopicStats) { s.Published++ })
	p.logger.Debug("work item published",
		"task_id", task.ID,
		"topic", topic,
		"routing_key", key)
}

// buildItem converts a locked task into the wire envelope. Metadata
// enrichment is best effort; a task ships without it rather than not at all.
func (p *Poller) buildItem(ctx context.Context, topic string, task *engine.LockedTask) *message.WorkItem {
	system, _ := p.table.RouteKey(topic)
	item := &message.WorkItem{
		TaskID:               task.ID,
		Topic:                topic,
		System:               system,
		WorkerID:             p.config.WorkerID,
		ProcessInstanceID:    task.ProcessInstanceID,
		ProcessDefinitionID:  task.ProcessDefinitionID,
		ProcessDefinitionKey: task.ProcessDefinitionKey,
		ActivityID:           task.ActivityID,
		ActivityInstanceID:   task.ActivityInstanceID,
		BusinessKey:          task.BusinessKey,
		TenantID:             task.TenantID,
		Retries:              task.Retries,
		Priority:             task.Priority,
		Timestamp:            time.Now().UnixMilli(),
		Variables:            task.Variables,
	}
	if task.CreateTime != nil && !task.CreateTime.IsZero() {
		item.CreatedTime = task.CreateTime.Format(engine.TimeLayout)
	}

	if p.meta != nil && task.ProcessDefinitionID != "" && task.ActivityID != "" {
		md, err := p.meta.ActivityMetadata(ctx, task.ProcessDefinitionID, task.ActivityID)
		switch {
		case err != nil:
			p.logger.Warn("metadata enrichment failed, publishing without it",
				"task_id", task.ID,
				"definition_id", task.ProcessDefinitionID,
				"error", err)
		case !md.IsZero():
			item.Metadata = &md
		}
	}
	if item.Metadata == nil && len(task.ExtensionProperties) > 0 {
		// The engine handed us the properties directly; no reason to lose
		// them just because the XML lookup had nothing.
		item.Metadata = &message.ActivityMetadata{
			ExtensionProperties: task.ExtensionProperties,
			ActivityInfo:        message.ActivityInfo{ID: task.ActivityID, Topic: topic},
		}
	}
	return item
}

// failBack reports a publish failure to the engine so the task retries
// there instead of staying silently locked.
func (p *Poller) failBack(ctx context.Context, task *engine.LockedTask, cause error) {
	retries := p.config.DefaultRetries
	if task.Retries != nil {
		retries = *task.Retries
	}
	if retries > 0 {
		retries--
	}
	req := engine.FailureRequest{
		WorkerID:     p.config.WorkerID,
		ErrorMessage: "bridge could not publish work item to broker",
		ErrorDetails: cause.Error(),
		Retries:      retries,
		RetryTimeout: p.config.RetryDelay.Milliseconds(),
	}
	if err := p.engine.Failure(ctx, task.ID, req); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			p.logger.Debug("task vanished before failure report", "task_id", task.ID)
			return
		}
		p.logger.Error("failure report not delivered, task stays locked until expiry",
			"task_id", task.ID,
			"error", err)
		return
	}
	p.failedBack.Add(1)
}

func (p *Poller) fetchRequest(topic string) engine.FetchAndLockRequest {
	return engine.FetchAndLockRequest{
		WorkerID:             p.config.WorkerID,
		MaxTasks:             p.config.MaxTasks,
		UsePriority:          p.config.UsePriority,
		AsyncResponseTimeout: p.config.AsyncResponseTimeout.Milliseconds(),
		Topics: []engine.FetchTopic{{
			TopicName:                  topic,
			LockDuration:               p.config.LockDuration.Milliseconds(),
			Variables:                  p.config.VariableFilter,
			DeserializeValues:          false,
			IncludeExtensionProperties: true,
		}},
	}
}

func (p *Poller) bumpTopic(topic string, f func(*TopicStats)) {
	p.statsMu.Lock()
	if s, ok := p.topicStats[topic]; ok {
		f(s)
	}
	p.statsMu.Unlock()
}

// Stop cancels every loop and waits up to timeout for them to join.
func (p *Poller) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.running = false
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("poller loops still running after %s", timeout)
	}

	p.logger.Info("poller stopped",
		"fetched", p.fetched.Load(),
		"published", p.published.Load(),
		"publish_failures", p.publishFailures.Load(),
		"failed_back", p.failedBack.Load())
	return nil
}

// Health implements component.Component.
func (p *Poller) Health() component.HealthStatus {
	p.mu.RLock()
	running := p.running
	startTime := p.startTime
	p.mu.RUnlock()

	var uptime time.Duration
	if running {
		uptime = time.Since(startTime)
	}
	return component.HealthStatus{
		Healthy:    running,
		Status:     component.StatusOf(running),
		LastCheck:  time.Now(),
		ErrorCount: int(p.fetchErrors.Load() + p.publishFailures.Load()),
		Uptime:     uptime,
	}
}

// Stats returns a snapshot of all counters.
func (p *Poller) Stats() Stats {
	s := Stats{
		Fetched:         p.fetched.Load(),
		Published:       p.published.Load(),
		PublishFailures: p.publishFailures.Load(),
		FailedBack:      p.failedBack.Load(),
		FetchErrors:     p.fetchErrors.Load(),
		Restarts:        p.restarts.Load(),
		Topics:          make(map[string]TopicStats, len(p.topicStats)),
	}
	p.statsMu.Lock()
	for topic, ts := range p.topicStats {
		s.Topics[topic] = *ts
	}
	p.statsMu.Unlock()
	return s
}

// sleepCtx pauses for d unless ctx ends first. Returns false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
