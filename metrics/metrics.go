// Package metrics exposes the bridge's counters to Prometheus. Components
// already keep their own atomic counters for logging and the status API, so
// instead of threading metric handles through every package, a single
// Collector snapshots those stats on scrape and renders them as const
// metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/taskbridge/broker"
	"github.com/c360studio/taskbridge/consumer"
	"github.com/c360studio/taskbridge/handler"
	"github.com/c360studio/taskbridge/metadata"
	"github.com/c360studio/taskbridge/poller"
	"github.com/c360studio/taskbridge/response"
	"github.com/c360studio/taskbridge/tracker"
)

// Sources provides the snapshot functions the collector scrapes. Nil fields
// are skipped, so partial deployments (recovery CLI, tests) can reuse the
// collector.
type Sources struct {
	Poller   func() poller.Stats
	Consumer func() consumer.Stats
	Handlers func() map[string]handler.Stats
	Response func() response.Stats
	Tracker  func() tracker.Stats
	Cache    func() metadata.Stats
	Broker   func() broker.Stats
	// QueueDepths returns the last observed depth per queue; the monitor
	// loop refreshes it at the heartbeat cadence.
	QueueDepths func() map[string]int
}

// Collector implements prometheus.Collector over component stats snapshots.
type Collector struct {
	src Sources

	pollerFetched   *prometheus.Desc
	pollerPublished *prometheus.Desc
	pollerPubFails  *prometheus.Desc
	pollerFailsBack *prometheus.Desc

	consumerMessages *prometheus.Desc
	handlerMirrored  *prometheus.Desc
	mirrorFailures   *prometheus.Desc

	responseOutcomes *prometheus.Desc

	trackerCompletions *prometheus.Desc

	cacheHits      *prometheus.Desc
	cacheMisses    *prometheus.Desc
	cacheEvictions *prometheus.Desc
	cacheEntries   *prometheus.Desc
	cacheBytes     *prometheus.Desc

	brokerPublished  *prometheus.Desc
	brokerReconnects *prometheus.Desc
	brokerConnected  *prometheus.Desc

	queueDepth *prometheus.Desc
}

// NewCollector creates a collector over the given sources.
func NewCollector(src Sources) *Collector {
	return &Collector{
		src: src,
		pollerFetched: prometheus.NewDesc("taskbridge_poller_fetched_total",
			"External tasks fetched and locked, per topic.", []string{"topic"}, nil),
		pollerPublished: prometheus.NewDesc("taskbridge_poller_published_total",
			"Work items published to the main exchange, per topic.", []string{"topic"}, nil),
		pollerPubFails: prometheus.NewDesc("taskbridge_poller_publish_failures_total",
			"Work item publishes that failed after the adapter retry, per topic.", []string{"topic"}, nil),
		pollerFailsBack: prometheus.NewDesc("taskbridge_poller_failed_back_total",
			"Tasks failed back to the engine after a publish failure.", nil, nil),
		consumerMessages: prometheus.NewDesc("taskbridge_consumer_messages_total",
			"Deliveries dispatched per queue and outcome.", []string{"queue", "outcome"}, nil),
		handlerMirrored: prometheus.NewDesc("taskbridge_handler_mirrored_total",
			"Sent mirrors successfully published, per queue.", []string{"queue"}, nil),
		mirrorFailures: prometheus.NewDesc("taskbridge_mirror_publish_failures_total",
			"Sent mirrors that exhausted their publish retries, per queue.", []string{"queue"}, nil),
		responseOutcomes: prometheus.NewDesc("taskbridge_response_outcomes_total",
			"Response loop results by type.", []string{"type"}, nil),
		trackerCompletions: prometheus.NewDesc("taskbridge_tracker_completions_total",
			"Completions recovered from sent mirrors, per sent queue.", []string{"queue"}, nil),
		cacheHits: prometheus.NewDesc("taskbridge_cache_hits_total",
			"Metadata cache hits.", nil, nil),
		cacheMisses: prometheus.NewDesc("taskbridge_cache_misses_total",
			"Metadata cache misses.", nil, nil),
		cacheEvictions: prometheus.NewDesc("taskbridge_cache_evictions_total",
			"Metadata cache entries evicted by the capacity bound.", nil, nil),
		cacheEntries: prometheus.NewDesc("taskbridge_cache_entries",
			"Process definitions currently cached.", nil, nil),
		cacheBytes: prometheus.NewDesc("taskbridge_cache_bytes",
			"Total XML bytes behind the cached definitions.", nil, nil),
		brokerPublished: prometheus.NewDesc("taskbridge_broker_published_total",
			"Messages published through the broker adapter.", nil, nil),
		brokerReconnects: prometheus.NewDesc("taskbridge_broker_reconnects_total",
			"Broker reconnects performed by the adapter.", nil, nil),
		brokerConnected: prometheus.NewDesc("taskbridge_broker_connected",
			"Whether the broker connection is believed healthy.", nil, nil),
		queueDepth: prometheus.NewDesc("taskbridge_queue_depth",
			"Last observed message count per declared queue.", []string{"queue"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, v, labels...)
	}
	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}

	if c.src.Poller != nil {
		s := c.src.Poller()
		for topic, ts := range s.Topics {
			counter(c.pollerFetched, float64(ts.Fetched), topic)
			counter(c.pollerPublished, float64(ts.Published), topic)
			counter(c.pollerPubFails, float64(ts.PublishFailures), topic)
		}
		counter(c.pollerFailsBack, float64(s.FailedBack))
	}

	if c.src.Consumer != nil {
		s := c.src.Consumer()
		for queue, qs := range s.Queues {
			counter(c.consumerMessages, float64(qs.Acked), queue, "ack")
			counter(c.consumerMessages, float64(qs.Requeued), queue, "requeue")
			counter(c.consumerMessages, float64(qs.Malformed), queue, "malformed")
		}
	}

	if c.src.Handlers != nil {
		for queue, hs := range c.src.Handlers() {
			counter(c.handlerMirrored, float64(hs.Mirrored), queue)
			counter(c.mirrorFailures, float64(hs.MirrorFailures), queue)
		}
	}

	if c.src.Response != nil {
		s := c.src.Response()
		counter(c.responseOutcomes, float64(s.Completed), "complete")
		counter(c.responseOutcomes, float64(s.Failed), "failure")
		counter(c.responseOutcomes, float64(s.BPMNErrors), "bpmn_error")
		counter(c.responseOutcomes, float64(s.Duplicates), "duplicate")
		counter(c.responseOutcomes, float64(s.Malformed), "malformed")
	}

	if c.src.Tracker != nil {
		s := c.src.Tracker()
		for queue, qs := range s.Queues {
			counter(c.trackerCompletions, float64(qs.Completions), queue)
		}
	}

	if c.src.Cache != nil {
		s := c.src.Cache()
		counter(c.cacheHits, float64(s.Hits))
		counter(c.cacheMisses, float64(s.Misses))
		counter(c.cacheEvictions, float64(s.Evictions))
		gauge(c.cacheEntries, float64(s.Entries))
		gauge(c.cacheBytes, float64(s.Bytes))
	}

	if c.src.Broker != nil {
		s := c.src.Broker()
		counter(c.brokerPublished, float64(s.Published))
		counter(c.brokerReconnects, float64(s.Reconnects))
		connected := 0.0
		if s.Connected {
			connected = 1
		}
		gauge(c.brokerConnected, connected)
	}

	if c.src.QueueDepths != nil {
		for queue, depth := range c.src.QueueDepths() {
			gauge(c.queueDepth, float64(depth), queue)
		}
	}
}
