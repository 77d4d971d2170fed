// Package bridge assembles the full task bridge: engine client, broker
// adapter, metadata cache, poller, consumer framework, response loop, and
// reconciliation tracker, plus the monitor loop and the operational HTTP
// endpoint. The Application owns every shared resource; components only see
// the narrow interfaces they need.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/taskbridge/broker"
	"github.com/c360studio/taskbridge/component"
	"github.com/c360studio/taskbridge/config"
	"github.com/c360studio/taskbridge/consumer"
	"github.com/c360studio/taskbridge/engine"
	"github.com/c360studio/taskbridge/handler"
	"github.com/c360studio/taskbridge/metadata"
	"github.com/c360studio/taskbridge/metrics"
	"github.com/c360studio/taskbridge/poller"
	"github.com/c360studio/taskbridge/response"
	"github.com/c360studio/taskbridge/routing"
	"github.com/c360studio/taskbridge/tracker"
)

// Join timeouts per component class. Trackers get longer because a cycle may
// be mid-drain against the broker.
const (
	consumerStopTimeout = 5 * time.Second
	trackerStopTimeout  = 10 * time.Second
	pollerStopTimeout   = 10 * time.Second
	responseStopTimeout = 5 * time.Second
)

// Application owns the bridge's shared resources and component lifecycles.
type Application struct {
	cfg    *config.Config
	logger *slog.Logger
	table  *routing.Table

	engine  *engine.Client
	adapter *broker.Adapter
	cache   *metadata.Cache

	registry  *handler.Registry
	publisher *handler.Publisher

	poller    *poller.Poller
	consumers *consumer.Framework
	response  *response.Loop
	tracker   *tracker.Tracker

	monitor *monitor
	metrics *prometheus.Registry
}

// New wires an Application from configuration. The registry may already hold
// domain handlers; every routed system queue without one gets a stub so the
// whole plane produces response and reconciliation traffic.
func New(cfg *config.Config, registry *handler.Registry, logger *slog.Logger) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = handler.NewRegistry()
	}

	table := routing.Default()
	if cfg.Routing.File != "" {
		var err error
		table, err = routing.Load(cfg.Routing.File)
		if err != nil {
			return nil, err
		}
	}

	eng := engine.NewClient(engine.Config{
		BaseURL:  cfg.Engine.BaseURL,
		Username: cfg.Engine.Username,
		Password: cfg.Engine.Password,
		Timeout:  cfg.Engine.Timeout(),
	}, engine.WithLogger(logger))

	adapter := broker.NewAdapter(broker.Config{
		URL:            cfg.Broker.URL,
		ManagementURL:  cfg.Broker.ManagementURL,
		ConnectionName: "taskbridge/" + cfg.Worker.ID,
	}, logger)

	cache := metadata.NewCache(eng, metadata.CacheConfig{
		MaxEntries: cfg.Cache.MaxEntries,
		TTL:        cfg.Cache.TTL(),
	}, metadata.WithCacheLogger(logger))

	publisher := handler.NewPublisher(adapter, table, logger)

	// Stub out every routed system queue nobody claimed. The default queue
	// stays unconsumed on purpose: unrouted work is observed, not processed.
	for system, queue := range table.SystemToQueue {
		if !registry.Has(queue) {
			if err := registry.Register(queue, handler.NewStubFactory(queue, system)); err != nil {
				return nil, err
			}
			logger.Info("no handler for queue, using stub", "queue", queue, "system", system)
		}
	}

	app := &Application{
		cfg:       cfg,
		logger:    logger,
		table:     table,
		engine:    eng,
		adapter:   adapter,
		cache:     cache,
		registry:  registry,
		publisher: publisher,
	}

	var err error
	app.poller, err = poller.New(poller.Config{
		WorkerID:             cfg.Worker.ID,
		Topics:               cfg.Worker.Topics,
		MaxTasks:             cfg.Worker.MaxTasks,
		LockDuration:         cfg.Worker.LockDuration(),
		AsyncResponseTimeout: cfg.Worker.AsyncResponseTimeout(),
		SleepIdle:            cfg.Worker.SleepIdle(),
		DefaultRetries:       cfg.Worker.DefaultRetries,
		RetryDelay:           cfg.Worker.RetryDelay(),
	}, eng, cache, adapter, table, logger)
	if err != nil {
		return nil, err
	}

	app.consumers = consumer.New(consumer.Config{
		Prefetch: cfg.Broker.Prefetch,
		WorkerID: cfg.Worker.ID,
	}, adapter, registry, handler.Deps{
		WorkerID:  cfg.Worker.ID,
		Publisher: publisher,
		Logger:    logger,
	}, table, logger)

	app.response, err = response.New(response.Config{
		WorkerID:  cfg.Worker.ID,
		Mode:      response.Mode(cfg.Response.Mode),
		PullBatch: cfg.Response.PullBatch,
		Heartbeat: cfg.Worker.Heartbeat(),
	}, eng, adapter, table, logger)
	if err != nil {
		return nil, err
	}

	app.tracker, err = tracker.New(tracker.Config{
		WorkerID:  cfg.Worker.ID,
		Heartbeat: cfg.Worker.Heartbeat(),
	}, eng, adapter, table, logger)
	if err != nil {
		return nil, err
	}

	app.monitor = newMonitor(app, cfg.Worker.Heartbeat(), logger)
	app.metrics = newMetricsRegistry(app)
	return app, nil
}

func newMetricsRegistry(app *Application) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(metrics.NewCollector(metrics.Sources{
		Poller:      app.poller.Stats,
		Consumer:    app.consumers.Stats,
		Handlers:    app.consumers.HandlerStats,
		Response:    app.response.Stats,
		Tracker:     app.tracker.Stats,
		Cache:       app.cache.Stats,
		Broker:      app.adapter.Stats,
		QueueDepths: app.monitor.QueueDepths,
	}))
	return reg
}

// components lists the lifecycle components in start order.
func (a *Application) components() []component.Component {
	return []component.Component{a.consumers, a.response, a.tracker, a.poller}
}

// Run boots the bridge and blocks until ctx ends, then shuts everything down
// in reverse dependency order. Boot failures (broker unreachable, bad
// credentials, topology rejection) return immediately without starting any
// loop.
func (a *Application) Run(ctx context.Context) error {
	if err := a.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer a.adapter.Close()

	if err := a.adapter.DeclareTopology(a.table.Topology()); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}
	if err := a.engine.Ping(ctx); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	// Consumers before the poller so the first published work item already
	// has a reader.
	started := make([]component.Component, 0, 4)
	for _, c := range a.components() {
		if err := c.Start(ctx); err != nil {
			a.stopStarted(started)
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		started = append(started, c)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.monitor.run(gctx)
		return nil
	})
	if a.cfg.Ops.Listen != "" {
		g.Go(func() error {
			return a.serveOps(gctx)
		})
	}

	a.logger.Info("bridge running",
		"worker_id", a.cfg.Worker.ID,
		"topics", len(a.pollTopics()),
		"queues", len(a.registry.Queues()),
		"response_mode", a.cfg.Response.Mode)

	err := g.Wait()
	a.shutdown()
	return err
}

func (a *Application) pollTopics() []string {
	if len(a.cfg.Worker.Topics) > 0 {
		return a.cfg.Worker.Topics
	}
	return a.table.Topics()
}

// shutdown stops components so producers die before consumers: the poller
// first, then the work consumers, then the settlement paths.
func (a *Application) shutdown() {
	a.stop(a.poller, pollerStopTimeout)
	a.stop(a.consumers, consumerStopTimeout)
	a.stop(a.response, responseStopTimeout)
	a.stop(a.tracker, trackerStopTimeout)
	a.logger.Info("bridge stopped")
}

func (a *Application) stopStarted(started []component.Component) {
	for i := len(started) - 1; i >= 0; i-- {
		a.stop(started[i], consumerStopTimeout)
	}
}

func (a *Application) stop(c component.Component, timeout time.Duration) {
	if err := c.Stop(timeout); err != nil {
		a.logger.Warn("component did not stop cleanly", "component", c.Name(), "error", err)
	}
}

// Healthy reports whether every component reports healthy.
func (a *Application) Healthy() bool {
	for _, c := range a.components() {
		if !c.Health().Healthy {
			return false
		}
	}
	return true
}

// Engine exposes the engine client to CLI wrappers.
func (a *Application) Engine() *engine.Client {
	return a.engine
}

// Broker exposes the broker adapter to CLI wrappers.
func (a *Application) Broker() *broker.Adapter {
	return a.adapter
}

// Table exposes the routing table to CLI wrappers.
func (a *Application) Table() *routing.Table {
	return a.table
}
