package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publish sends one persistent message and waits for the broker confirm.
// On a transient failure it reconnects and retries exactly once, so callers
// see at most one error per genuinely unavailable broker.
func (a *Adapter) Publish(ctx context.Context, exchange, key string, body []byte, headers map[string]any) error {
	err := a.publishOnce(ctx, exchange, key, body, headers)
	if err == nil {
		return nil
	}
	if !IsTransient(err) || ctx.Err() != nil {
		return err
	}

	a.logger.Warn("publish failed, reconnecting once",
		"exchange", exchange,
		"routing_key", key,
		"error", err)
	if rerr := a.Reconnect(ctx); rerr != nil {
		return fmt.Errorf("reconnect after failed publish: %w", rerr)
	}
	return a.publishOnce(ctx, exchange, key, body, headers)
}

func (a *Adapter) publishOnce(ctx context.Context, exchange, key string, body []byte, headers map[string]any) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	}
	if len(headers) > 0 {
		msg.Headers = amqp.Table(headers)
	}

	a.mu.Lock()
	ch := a.pubCh
	if ch == nil {
		a.mu.Unlock()
		return NewTransientError(ErrNotConnected)
	}
	// The confirm wait stays inside the lock so delivery tags and confirms
	// line up one to one.
	defer a.mu.Unlock()

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return classify(err)
	}
	a.published.Add(1)

	timer := time.NewTimer(a.cfg.ConfirmTimeout)
	defer timer.Stop()
	select {
	case <-confirm.Done():
		if !confirm.Acked() {
			return NewTransientError(fmt.Errorf("broker refused publish to %s with key %s", exchange, key))
		}
		a.confirmed.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return NewTransientError(fmt.Errorf("no confirm within %s for publish to %s", a.cfg.ConfirmTimeout, exchange))
	}
}
