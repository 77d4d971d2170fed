// Package routing owns the broker topology: which engine topic feeds which
// downstream system, which queue serves that system, and how exchanges,
// queues, and bindings are wired together. The table is static for the
// lifetime of the process; changing it means redeploying the bridge.
package routing

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSystem is the logical system for topics no rule claims. Work items
// routed there carry a routing key no binding matches, so the broker diverts
// them through the alternate exchange into the default queue.
const DefaultSystem = "default"

// Table maps engine topics to systems and systems to queues, and names every
// exchange and queue the bridge declares.
type Table struct {
	MainExchange      string `yaml:"main_exchange"`
	AlternateExchange string `yaml:"alternate_exchange"`
	ResponseExchange  string `yaml:"response_exchange"`
	SentExchange      string `yaml:"sent_exchange"`

	ResponseQueue string `yaml:"response_queue"`
	DefaultQueue  string `yaml:"default_queue"`
	ErrorQueue    string `yaml:"error_queue"`
	ErrorPattern  string `yaml:"error_pattern"`

	// TopicToSystem routes engine topics to logical systems.
	TopicToSystem map[string]string `yaml:"topics"`
	// SystemToQueue names the work queue of each system.
	SystemToQueue map[string]string `yaml:"systems"`
	// QueueBindings lists the routing patterns bound to each system queue.
	QueueBindings map[string][]string `yaml:"bindings"`
	// SentQueues maps each work queue to its reconciliation mirror queue.
	SentQueues map[string]string `yaml:"sent_queues"`
}

// Default returns the shipped routing table.
func Default() *Table {
	return &Table{
		MainExchange:      "camunda.tasks",
		AlternateExchange: "camunda.unrouted",
		ResponseExchange:  "camunda.responses",
		SentExchange:      "camunda.sent",
		ResponseQueue:     "camunda.responses.queue",
		DefaultQueue:      "default.queue",
		ErrorQueue:        "errors.queue",
		ErrorPattern:      "errors.*",
		TopicToSystem: map[string]string{
			"bitrix24_contact": "bitrix24",
			"bitrix24_deal":    "bitrix24",
			"bitrix24_task":    "bitrix24",
			"erp_invoice":      "erp",
			"erp_stock":        "erp",
			"notify_email":     "notifications",
			"notify_sms":       "notifications",
		},
		SystemToQueue: map[string]string{
			"bitrix24":      "bitrix24.queue",
			"erp":           "erp.queue",
			"notifications": "notifications.queue",
		},
		QueueBindings: map[string][]string{
			"bitrix24.queue":      {"bitrix24.*"},
			"erp.queue":           {"erp.*"},
			"notifications.queue": {"notifications.*"},
		},
		SentQueues: map[string]string{
			"bitrix24.queue":      "bitrix24.sent.queue",
			"erp.queue":           "erp.sent.queue",
			"notifications.queue": "notifications.sent.queue",
			"default.queue":       "default.sent.queue",
		},
	}
}

// Load reads a routing table from a YAML file. Scalar fields left empty keep
// their defaults; map sections present in the file replace the default
// section wholesale.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing table: %w", err)
	}
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse routing table %s: %w", path, err)
	}
	t.applyDefaults()
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("routing table %s: %w", path, err)
	}
	return &t, nil
}

func (t *Table) applyDefaults() {
	d := Default()
	if t.MainExchange == "" {
		t.MainExchange = d.MainExchange
	}
	if t.AlternateExchange == "" {
		t.AlternateExchange = d.AlternateExchange
	}
	if t.ResponseExchange == "" {
		t.ResponseExchange = d.ResponseExchange
	}
	if t.SentExchange == "" {
		t.SentExchange = d.SentExchange
	}
	if t.ResponseQueue == "" {
		t.ResponseQueue = d.ResponseQueue
	}
	if t.DefaultQueue == "" {
		t.DefaultQueue = d.DefaultQueue
	}
	if t.ErrorQueue == "" {
		t.ErrorQueue = d.ErrorQueue
	}
	if t.ErrorPattern == "" {
		t.ErrorPattern = d.ErrorPattern
	}
	if len(t.TopicToSystem) == 0 {
		t.TopicToSystem = d.TopicToSystem
	}
	if len(t.SystemToQueue) == 0 {
		t.SystemToQueue = d.SystemToQueue
	}
	if len(t.QueueBindings) == 0 {
		t.QueueBindings = d.QueueBindings
	}
	if len(t.SentQueues) == 0 {
		t.SentQueues = d.SentQueues
	}
}

// Validate checks the table for the invariants the fabric depends on.
func (t *Table) Validate() error {
	if t.MainExchange == "" || t.AlternateExchange == "" {
		return fmt.Errorf("main and alternate exchanges are required")
	}
	if t.MainExchange == t.AlternateExchange {
		return fmt.Errorf("main and alternate exchange must differ")
	}
	if t.ResponseExchange == "" || t.ResponseQueue == "" {
		return fmt.Errorf("response exchange and queue are required")
	}
	if t.SentExchange == "" {
		return fmt.Errorf("sent exchange is required")
	}
	if t.DefaultQueue == "" {
		return fmt.Errorf("default queue is required")
	}
	for topic, system := range t.TopicToSystem {
		if system == DefaultSystem {
			return fmt.Errorf("topic %q routes to reserved system %q", topic, DefaultSystem)
		}
		if _, ok := t.SystemToQueue[system]; !ok {
			return fmt.Errorf("topic %q routes to system %q which has no queue", topic, system)
		}
	}
	for system, queue := range t.SystemToQueue {
		if queue == "" {
			return fmt.Errorf("system %q has an empty queue name", system)
		}
		if len(t.QueueBindings[queue]) == 0 {
			return fmt.Errorf("queue %q for system %q has no bindings", queue, system)
		}
	}
	for queue := range t.QueueBindings {
		if queue == t.DefaultQueue {
			return fmt.Errorf("default queue %q must not bind to the main exchange", queue)
		}
	}
	for src, sent := range t.SentQueues {
		if sent == "" {
			return fmt.Errorf("queue %q maps to an empty sent queue", src)
		}
		if sent == src {
			return fmt.Errorf("queue %q mirrors to itself", src)
		}
	}
	return nil
}

// SystemFor resolves the logical system of a topic, falling back to the
// default system for unmapped topics.
func (t *Table) SystemFor(topic string) string {
	if system, ok := t.TopicToSystem[topic]; ok {
		return system
	}
	return DefaultSystem
}

// RouteKey returns the system and the routing key for a topic. Keys are
// always "<system>.<topic>" so per-system bindings of the form "<system>.*"
// match, and default-system keys fall through to the alternate exchange.
func (t *Table) RouteKey(topic string) (system, key string) {
	system = t.SystemFor(topic)
	return system, system + "." + topic
}

// ErrorKey returns the routing key that lands a copy of an unparseable
// delivery in the error queue. The source queue name is flattened to a
// single word: in topic matching "*" spans exactly one word, so a key with
// dots in its last segment would miss the error binding and fall through
// the alternate exchange instead.
func (t *Table) ErrorKey(source string) string {
	prefix := strings.TrimSuffix(t.ErrorPattern, ".*")
	if prefix == "" || prefix == t.ErrorPattern {
		prefix = "errors"
	}
	return prefix + "." + strings.ReplaceAll(source, ".", "-")
}

// QueueFor returns the work queue of a system. The default system maps to
// the default queue.
func (t *Table) QueueFor(system string) (string, bool) {
	if system == DefaultSystem {
		return t.DefaultQueue, true
	}
	q, ok := t.SystemToQueue[system]
	return q, ok
}

// SentQueueFor returns the reconciliation mirror queue of a work queue.
func (t *Table) SentQueueFor(queue string) (string, bool) {
	q, ok := t.SentQueues[queue]
	return q, ok
}

// Topics returns every mapped topic, sorted.
func (t *Table) Topics() []string {
	out := make([]string, 0, len(t.TopicToSystem))
	for topic := range t.TopicToSystem {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// WorkQueues returns every per-system queue plus the default queue, sorted.
func (t *Table) WorkQueues() []string {
	out := make([]string, 0, len(t.SystemToQueue)+1)
	for _, q := range t.SystemToQueue {
		out = append(out, q)
	}
	out = append(out, t.DefaultQueue)
	sort.Strings(out)
	return out
}

// AllQueues returns every queue the bridge declares, sorted. Used by status
// reporting when the management API is unavailable.
func (t *Table) AllQueues() []string {
	seen := map[string]bool{}
	add := func(q string) {
		if q != "" {
			seen[q] = true
		}
	}
	for _, q := range t.SystemToQueue {
		add(q)
	}
	add(t.DefaultQueue)
	add(t.ErrorQueue)
	add(t.ResponseQueue)
	for _, q := range t.SentQueues {
		add(q)
	}
	out := make([]string, 0, len(seen))
	for q := range seen {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}
