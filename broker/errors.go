package broker

import (
	"errors"
	"io"
	"net"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Sentinel errors for callers that branch on broker state.
var (
	// ErrNotConnected is returned when an operation needs a live connection
	// and none is open. Always transient; a reconnect may fix it.
	ErrNotConnected = errors.New("broker not connected")

	// ErrNoManagementAPI is returned by ListQueues when no management URL
	// is configured. Callers fall back to the statically known queue set.
	ErrNoManagementAPI = errors.New("management API not configured")

	// ErrQueueNotFound is returned by passive declares on missing queues.
	ErrQueueNotFound = errors.New("queue not found")
)

// TransientError marks a broker failure that a reconnect and retry may fix.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// AuthError marks a credential rejection from the broker. Retrying with the
// same configuration cannot succeed.
type AuthError struct {
	err error
}

func (e *AuthError) Error() string {
	return e.err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.err
}

// IsTransient reports whether the error is worth a reconnect and retry.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsAuth reports whether the broker rejected our credentials.
func IsAuth(err error) bool {
	var auth *AuthError
	return errors.As(err, &auth)
}

// classify wraps raw client errors in the taxonomy the rest of the bridge
// understands. Connection-level trouble becomes transient; access refusals
// become auth errors; everything else passes through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) || IsAuth(err) {
		return err
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.AccessRefused:
			return &AuthError{err: err}
		case amqp.NotFound:
			return err
		}
		if amqpErr.Recover || amqpErr.Code == amqp.ConnectionForced ||
			amqpErr.Code == amqp.FrameError || amqpErr.Code == amqp.ChannelError ||
			amqpErr.Code == amqp.InternalError {
			return NewTransientError(err)
		}
		return err
	}

	if errors.Is(err, amqp.ErrClosed) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return NewTransientError(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewTransientError(err)
	}
	msg := err.Error()
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe") {
		return NewTransientError(err)
	}
	return err
}
