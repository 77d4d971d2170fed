package broker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Outcome is the consumer's verdict on one delivery.
type Outcome int

const (
	// OutcomeAck removes the message from the queue.
	OutcomeAck Outcome = iota
	// OutcomeRequeue returns the message for another attempt.
	OutcomeRequeue
	// OutcomeDrop discards the message without requeueing.
	OutcomeDrop
)

// Delivery is one message handed to a consumer callback, decoupled from the
// underlying client types so tests can construct them directly.
type Delivery struct {
	Queue       string
	RoutingKey  string
	Redelivered bool
	Headers     map[string]any
	Body        []byte
}

// Consume attaches to a queue with manual acks and the given prefetch and
// feeds deliveries to fn until ctx is done or the channel dies. A dead
// channel surfaces as a transient error so supervisors know to reconnect
// and call again.
func (a *Adapter) Consume(ctx context.Context, queue string, prefetch int, fn func(Delivery) Outcome) error {
	ch, err := a.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return classify(err)
		}
	}

	tag := consumerTag(queue)
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return classify(err)
	}
	a.logger.Debug("consumer attached", "queue", queue, "prefetch", prefetch, "tag", tag)

	for {
		select {
		case <-ctx.Done():
			_ = ch.Cancel(tag, false)
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return NewTransientError(fmt.Errorf("delivery stream for %s closed", queue))
			}
			a.settle(queue, d, fn(convertDelivery(queue, d)))
		}
	}
}

// Drain fetches up to max messages from a queue without a standing
// consumer, applying fn's verdict to each. It returns how many deliveries
// fn saw. An empty queue just returns early.
func (a *Adapter) Drain(ctx context.Context, queue string, max int, fn func(Delivery) Outcome) (int, error) {
	ch, err := a.channel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	handled := 0
	for handled < max {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		d, ok, err := ch.Get(queue, false)
		if err != nil {
			return handled, classify(err)
		}
		if !ok {
			break
		}
		a.settle(queue, d, fn(convertDelivery(queue, d)))
		handled++
	}
	return handled, nil
}

// Peek reads up to limit message bodies without consuming them. Messages
// are fetched unacked and collectively nacked back with requeue, so the
// queue ends up exactly as it started, possibly reordered at the head.
func (a *Adapter) Peek(queue string, limit int) ([][]byte, error) {
	ch, err := a.channel()
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	var bodies [][]byte
	var lastTag uint64
	for len(bodies) < limit {
		d, ok, err := ch.Get(queue, false)
		if err != nil {
			if lastTag > 0 {
				_ = ch.Nack(lastTag, true, true)
			}
			return nil, classify(err)
		}
		if !ok {
			break
		}
		bodies = append(bodies, d.Body)
		lastTag = d.DeliveryTag
	}
	if lastTag > 0 {
		if err := ch.Nack(lastTag, true, true); err != nil {
			return bodies, classify(err)
		}
	}
	return bodies, nil
}

func (a *Adapter) settle(queue string, d amqp.Delivery, out Outcome) {
	var err error
	switch out {
	case OutcomeAck:
		err = d.Ack(false)
	case OutcomeRequeue:
		err = d.Nack(false, true)
	case OutcomeDrop:
		err = d.Nack(false, false)
	}
	if err != nil {
		a.logger.Error("failed to settle delivery",
			"queue", queue,
			"outcome", int(out),
			"error", err)
	}
}

func convertDelivery(queue string, d amqp.Delivery) Delivery {
	return Delivery{
		Queue:       queue,
		RoutingKey:  d.RoutingKey,
		Redelivered: d.Redelivered,
		Headers:     map[string]any(d.Headers),
		Body:        d.Body,
	}
}

func consumerTag(queue string) string {
	id := uuid.NewString()
	return "taskbridge." + queue + "." + id[:8]
}
