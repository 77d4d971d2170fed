package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/c360studio/taskbridge/broker"
)

// monitor is the bridge's liveness loop. Every heartbeat it logs a stats
// summary, refreshes queue depths, and checks the broker connection,
// reconnecting and re-declaring topology when it is gone.
type monitor struct {
	app       *Application
	heartbeat time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	depths map[string]int
}

func newMonitor(app *Application, heartbeat time.Duration, logger *slog.Logger) *monitor {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &monitor{
		app:       app,
		heartbeat: heartbeat,
		logger:    logger.With("component", "monitor"),
		depths:    make(map[string]int),
	}
}

func (m *monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cycle(ctx)
		}
	}
}

func (m *monitor) cycle(ctx context.Context) {
	if !m.app.adapter.IsConnected() {
		m.reconnect(ctx)
		if ctx.Err() != nil {
			return
		}
	}
	m.refreshDepths(ctx)
	m.logSummary()
}

// reconnect dials the broker with exponential backoff until it succeeds or
// the bridge shuts down, then re-declares the topology so bindings survive a
// broker wipe.
func (m *monitor) reconnect(ctx context.Context) {
	m.logger.Warn("broker connection lost, reconnecting")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	op := func() error {
		if err := m.app.adapter.Reconnect(ctx); err != nil {
			return err
		}
		return m.app.adapter.DeclareTopology(m.app.table.Topology())
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if ctx.Err() == nil {
			m.logger.Error("broker reconnect failed", "error", err)
		}
		return
	}
	m.logger.Info("broker connection restored")
}

// refreshDepths polls every declared queue's depth. The management API is
// preferred because it answers in one round trip; without it, each queue is
// passively declared.
func (m *monitor) refreshDepths(ctx context.Context) {
	fresh := make(map[string]int)

	infos, err := m.app.adapter.ListQueues(ctx)
	switch {
	case err == nil:
		declared := make(map[string]bool)
		for _, q := range m.app.table.AllQueues() {
			declared[q] = true
		}
		for _, info := range infos {
			if declared[info.Name] {
				fresh[info.Name] = info.Messages
			}
		}
	case errors.Is(err, broker.ErrNoManagementAPI):
		for _, q := range m.app.table.AllQueues() {
			info, err := m.app.adapter.QueueInfo(q)
			if err != nil {
				continue
			}
			fresh[q] = info.Messages
		}
	default:
		m.logger.Warn("queue depth refresh failed", "error", err)
		return
	}

	m.mu.Lock()
	m.depths = fresh
	m.mu.Unlock()

	if depth := fresh[m.app.table.DefaultQueue]; depth > 0 {
		m.logger.Warn("unrouted work items accumulating",
			"queue", m.app.table.DefaultQueue,
			"depth", depth)
	}
}

func (m *monitor) logSummary() {
	ps := m.app.poller.Stats()
	rs := m.app.response.Stats()
	ts := m.app.tracker.Stats()
	cs := m.app.cache.Stats()

	m.logger.Info("heartbeat",
		"fetched", ps.Fetched,
		"published", ps.Published,
		"publish_failures", ps.PublishFailures,
		"completed", rs.Completed,
		"failed", rs.Failed,
		"duplicates", rs.Duplicates,
		"tracker_completions", ts.Completions,
		"cache_hit_rate", cs.HitRate,
		"broker_connected", m.app.adapter.IsConnected())
}

// QueueDepths returns the last observed depth per queue.
func (m *monitor) QueueDepths() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.depths))
	for q, d := range m.depths {
		out[q] = d
	}
	return out
}
