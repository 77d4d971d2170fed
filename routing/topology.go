package routing

import "sort"

// ExchangeSpec describes one durable exchange to declare.
type ExchangeSpec struct {
	Name string
	Kind string
	Args map[string]any
}

// QueueSpec describes one durable queue to declare.
type QueueSpec struct {
	Name string
}

// BindingSpec binds a queue to an exchange with a routing key.
type BindingSpec struct {
	Queue    string
	Exchange string
	Key      string
}

// Topology is the full declaration plan, ordered so that every referenced
// object exists before anything binds to it. The alternate exchange comes
// first because the main exchange references it by argument.
type Topology struct {
	Exchanges []ExchangeSpec
	Queues    []QueueSpec
	Bindings  []BindingSpec
}

// Topology renders the declaration plan for this table. Declaring the same
// plan twice is harmless; every object is durable and declared with the same
// arguments each time.
func (t *Table) Topology() Topology {
	var plan Topology

	plan.Exchanges = append(plan.Exchanges,
		ExchangeSpec{Name: t.AlternateExchange, Kind: "fanout"},
		ExchangeSpec{
			Name: t.MainExchange,
			Kind: "topic",
			Args: map[string]any{"alternate-exchange": t.AlternateExchange},
		},
		ExchangeSpec{Name: t.ResponseExchange, Kind: "direct"},
		ExchangeSpec{Name: t.SentExchange, Kind: "direct"},
	)

	queues := map[string]bool{
		t.DefaultQueue:  true,
		t.ErrorQueue:    true,
		t.ResponseQueue: true,
	}
	for _, q := range t.SystemToQueue {
		queues[q] = true
	}
	for _, q := range t.SentQueues {
		queues[q] = true
	}
	names := make([]string, 0, len(queues))
	for q := range queues {
		names = append(names, q)
	}
	sort.Strings(names)
	for _, q := range names {
		plan.Queues = append(plan.Queues, QueueSpec{Name: q})
	}

	bound := make([]string, 0, len(t.QueueBindings))
	for q := range t.QueueBindings {
		bound = append(bound, q)
	}
	sort.Strings(bound)
	for _, q := range bound {
		for _, pattern := range t.QueueBindings[q] {
			plan.Bindings = append(plan.Bindings, BindingSpec{Queue: q, Exchange: t.MainExchange, Key: pattern})
		}
	}

	plan.Bindings = append(plan.Bindings,
		// Unrouted keys fall through the alternate fanout into the default queue.
		BindingSpec{Queue: t.DefaultQueue, Exchange: t.AlternateExchange, Key: ""},
		BindingSpec{Queue: t.ErrorQueue, Exchange: t.MainExchange, Key: t.ErrorPattern},
		BindingSpec{Queue: t.ResponseQueue, Exchange: t.ResponseExchange, Key: t.ResponseQueue},
	)

	sent := make([]string, 0, len(t.SentQueues))
	for _, q := range t.SentQueues {
		sent = append(sent, q)
	}
	sort.Strings(sent)
	for _, q := range sent {
		plan.Bindings = append(plan.Bindings, BindingSpec{Queue: q, Exchange: t.SentExchange, Key: q})
	}

	return plan
}
