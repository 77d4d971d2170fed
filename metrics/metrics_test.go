package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskbridge/broker"
	"github.com/c360studio/taskbridge/poller"
	"github.com/c360studio/taskbridge/response"
	"github.com/c360studio/taskbridge/tracker"
)

func TestCollector_RendersSnapshots(t *testing.T) {
	c := NewCollector(Sources{
		Poller: func() poller.Stats {
			return poller.Stats{
				FailedBack: 2,
				Topics: map[string]poller.TopicStats{
					"erp_invoice": {Fetched: 10, Published: 9, PublishFailures: 1},
				},
			}
		},
		Response: func() response.Stats {
			return response.Stats{Completed: 7, Failed: 1, BPMNErrors: 0, Duplicates: 3, Malformed: 0}
		},
		Tracker: func() tracker.Stats {
			return tracker.Stats{Queues: map[string]tracker.QueueStats{
				"erp.sent.queue": {Completions: 4},
			}}
		},
		Broker: func() broker.Stats {
			return broker.Stats{Published: 9, Reconnects: 1, Connected: true}
		},
		QueueDepths: func() map[string]int {
			return map[string]int{"erp.queue": 5, "default.queue": 0}
		},
	})

	expected := `
# HELP taskbridge_poller_fetched_total External tasks fetched and locked, per topic.
# TYPE taskbridge_poller_fetched_total counter
taskbridge_poller_fetched_total{topic="erp_invoice"} 10
# HELP taskbridge_poller_failed_back_total Tasks failed back to the engine after a publish failure.
# TYPE taskbridge_poller_failed_back_total counter
taskbridge_poller_failed_back_total 2
# HELP taskbridge_tracker_completions_total Completions recovered from sent mirrors, per sent queue.
# TYPE taskbridge_tracker_completions_total counter
taskbridge_tracker_completions_total{queue="erp.sent.queue"} 4
# HELP taskbridge_broker_connected Whether the broker connection is believed healthy.
# TYPE taskbridge_broker_connected gauge
taskbridge_broker_connected 1
# HELP taskbridge_queue_depth Last observed message count per declared queue.
# TYPE taskbridge_queue_depth gauge
taskbridge_queue_depth{queue="default.queue"} 0
taskbridge_queue_depth{queue="erp.queue"} 5
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"taskbridge_poller_fetched_total",
		"taskbridge_poller_failed_back_total",
		"taskbridge_tracker_completions_total",
		"taskbridge_broker_connected",
		"taskbridge_queue_depth",
	))
}

func TestCollector_ResponseOutcomeLabels(t *testing.T) {
	c := NewCollector(Sources{
		Response: func() response.Stats {
			return response.Stats{Completed: 5, Failed: 2, BPMNErrors: 1, Duplicates: 3, Malformed: 4}
		},
	})

	expected := `
# HELP taskbridge_response_outcomes_total Response loop results by type.
# TYPE taskbridge_response_outcomes_total counter
taskbridge_response_outcomes_total{type="bpmn_error"} 1
taskbridge_response_outcomes_total{type="complete"} 5
taskbridge_response_outcomes_total{type="duplicate"} 3
taskbridge_response_outcomes_total{type="failure"} 2
taskbridge_response_outcomes_total{type="malformed"} 4
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"taskbridge_response_outcomes_total"))
}

func TestCollector_NilSourcesEmitNothing(t *testing.T) {
	c := NewCollector(Sources{})
	assert.Zero(t, testutil.CollectAndCount(c), "a collector with no sources must stay silent")
}
