package broker

import (
	"errors"
	"fmt"

	"github.com/c360studio/taskbridge/routing"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeclareTopology declares every exchange, queue, and binding in the plan.
// All objects are durable and the plan is idempotent, so this runs at boot
// and again after every reconnect.
func (a *Adapter) DeclareTopology(plan routing.Topology) error {
	ch, err := a.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	for _, ex := range plan.Exchanges {
		var args amqp.Table
		if len(ex.Args) > 0 {
			args = amqp.Table(ex.Args)
		}
		if err := ch.ExchangeDeclare(ex.Name, ex.Kind, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.Name, classify(err))
		}
	}
	for _, q := range plan.Queues {
		if _, err := ch.QueueDeclare(q.Name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.Name, classify(err))
		}
	}
	for _, b := range plan.Bindings {
		if err := ch.QueueBind(b.Queue, b.Key, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s with key %q: %w", b.Queue, b.Exchange, b.Key, classify(err))
		}
	}

	a.logger.Info("topology declared",
		"exchanges", len(plan.Exchanges),
		"queues", len(plan.Queues),
		"bindings", len(plan.Bindings))
	return nil
}

// QueueInfo passively declares a queue to read its depth and consumer
// count. Missing queues return ErrQueueNotFound.
func (a *Adapter) QueueInfo(queue string) (QueueInfo, error) {
	ch, err := a.channel()
	if err != nil {
		return QueueInfo{}, err
	}
	// The server closes the channel on a failed passive declare, so this
	// channel is throwaway either way.
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			return QueueInfo{}, fmt.Errorf("queue %s: %w", queue, ErrQueueNotFound)
		}
		return QueueInfo{}, classify(err)
	}
	return QueueInfo{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

// Purge drops all ready messages from a queue and returns how many went.
func (a *Adapter) Purge(queue string) (int, error) {
	ch, err := a.channel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	n, err := ch.QueuePurge(queue, false)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}
