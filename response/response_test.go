package response

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskbridge/broker"
	"github.com/c360studio/taskbridge/engine"
	"github.com/c360studio/taskbridge/message"
	"github.com/c360studio/taskbridge/routing"
	"github.com/c360studio/taskbridge/variables"
)

type engineCall struct {
	op     string
	taskID string
}

type fakeEngine struct {
	calls   []engineCall
	failErr error
}

func (f *fakeEngine) Complete(_ context.Context, taskID string, _ engine.CompleteRequest) error {
	f.calls = append(f.calls, engineCall{op: "complete", taskID: taskID})
	return f.failErr
}

func (f *fakeEngine) Failure(_ context.Context, taskID string, _ engine.FailureRequest) error {
	f.calls = append(f.calls, engineCall{op: "failure", taskID: taskID})
	return f.failErr
}

func (f *fakeEngine) BPMNError(_ context.Context, taskID string, _ engine.BPMNErrorRequest) error {
	f.calls = append(f.calls, engineCall{op: "bpmnError", taskID: taskID})
	return f.failErr
}

type fakeBroker struct {
	pending   []broker.Delivery
	connected bool
}

func (f *fakeBroker) Consume(ctx context.Context, queue string, prefetch int, fn func(broker.Delivery) broker.Outcome) error {
	for _, d := range f.pending {
		fn(d)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeBroker) Drain(_ context.Context, _ string, max int, fn func(broker.Delivery) broker.Outcome) (int, error) {
	n := 0
	for _, d := range f.pending {
		if n >= max {
			break
		}
		fn(d)
		n++
	}
	f.pending = f.pending[n:]
	return n, nil
}

func (f *fakeBroker) IsConnected() bool { return f.connected }

func newTestLoop(t *testing.T, eng EngineAPI) *Loop {
	t.Helper()
	loop, err := New(Config{WorkerID: "bridge-1"}, eng, &fakeBroker{connected: true}, routing.Default(), slog.Default())
	require.NoError(t, err)
	return loop
}

func deliveryFor(t *testing.T, resp message.ResponseMessage) broker.Delivery {
	t.Helper()
	body, err := json.Marshal(resp)
	require.NoError(t, err)
	return broker.Delivery{Queue: "camunda.responses.queue", Body: body}
}

func TestHandle_CompleteAcks(t *testing.T) {
	eng := &fakeEngine{}
	loop := newTestLoop(t, eng)

	outcome := loop.handle(context.Background(), deliveryFor(t, message.ResponseMessage{
		TaskID:       "task-1",
		ResponseType: message.ResponseComplete,
		WorkerID:     "bridge-1",
		Variables: map[string]variables.Variable{
			"result": {Value: "ok", Type: variables.TypeString},
		},
	}))

	assert.Equal(t, broker.OutcomeAck, outcome)
	require.Len(t, eng.calls, 1)
	assert.Equal(t, engineCall{op: "complete", taskID: "task-1"}, eng.calls[0])
	assert.EqualValues(t, 1, loop.Stats().Completed)
}

func TestHandle_FailureAndBPMNErrorDispatch(t *testing.T) {
	eng := &fakeEngine{}
	loop := newTestLoop(t, eng)

	retries := 2
	assert.Equal(t, broker.OutcomeAck, loop.handle(context.Background(), deliveryFor(t, message.ResponseMessage{
		TaskID:       "task-f",
		ResponseType: message.ResponseFailure,
		WorkerID:     "bridge-1",
		ErrorMessage: "downstream timeout",
		Retries:      &retries,
	})))
	assert.Equal(t, broker.OutcomeAck, loop.handle(context.Background(), deliveryFor(t, message.ResponseMessage{
		TaskID:       "task-b",
		ResponseType: message.ResponseBPMNError,
		WorkerID:     "bridge-1",
		ErrorCode:    "INVOICE_REJECTED",
	})))

	require.Len(t, eng.calls, 2)
	assert.Equal(t, "failure", eng.calls[0].op)
	assert.Equal(t, "bpmnError", eng.calls[1].op)
	stats := loop.Stats()
	assert.EqualValues(t, 1, stats.Failed)
	assert.EqualValues(t, 1, stats.BPMNErrors)
}

func TestHandle_NotFoundIsDuplicate(t *testing.T) {
	eng := &fakeEngine{failErr: fmt.Errorf("engine POST: %w", engine.ErrNotFound)}
	loop := newTestLoop(t, eng)

	outcome := loop.handle(context.Background(), deliveryFor(t, message.ResponseMessage{
		TaskID:       "task-dup",
		ResponseType: message.ResponseComplete,
		WorkerID:     "bridge-1",
	}))

	assert.Equal(t, broker.OutcomeAck, outcome, "already-closed tasks must not loop on the queue")
	assert.EqualValues(t, 1, loop.Stats().Duplicates)
	assert.EqualValues(t, 0, loop.Stats().Completed)
}

func TestHandle_TransientErrorRequeues(t *testing.T) {
	eng := &fakeEngine{failErr: engine.NewTransientError(fmt.Errorf("connection refused"))}
	loop := newTestLoop(t, eng)

	outcome := loop.handle(context.Background(), deliveryFor(t, message.ResponseMessage{
		TaskID:       "task-t",
		ResponseType: message.ResponseComplete,
		WorkerID:     "bridge-1",
	}))

	assert.Equal(t, broker.OutcomeRequeue, outcome)
	assert.EqualValues(t, 1, loop.Stats().Requeued)
}

func TestHandle_AuthErrorRequeuesAfterPause(t *testing.T) {
	eng := &fakeEngine{failErr: &engine.AuthError{Status: 401}}
	loop, err := New(Config{
		WorkerID:  "bridge-1",
		AuthPause: 50 * time.Millisecond,
	}, eng, &fakeBroker{connected: true}, routing.Default(), slog.Default())
	require.NoError(t, err)

	start := time.Now()
	outcome := loop.handle(context.Background(), deliveryFor(t, message.ResponseMessage{
		TaskID:       "task-a",
		ResponseType: message.ResponseComplete,
		WorkerID:     "bridge-1",
	}))

	assert.Equal(t, broker.OutcomeRequeue, outcome, "a response must survive a credential outage")
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond,
		"bad credentials must not spin the loop hot")
}

func TestHandle_AuthPauseAbortsOnShutdown(t *testing.T) {
	eng := &fakeEngine{failErr: &engine.AuthError{Status: 401}}
	loop, err := New(Config{
		WorkerID:  "bridge-1",
		AuthPause: time.Hour,
	}, eng, &fakeBroker{connected: true}, routing.Default(), slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan broker.Outcome, 1)
	go func() {
		done <- loop.handle(ctx, deliveryFor(t, message.ResponseMessage{
			TaskID:       "task-a",
			ResponseType: message.ResponseComplete,
			WorkerID:     "bridge-1",
		}))
	}()
	select {
	case outcome := <-done:
		assert.Equal(t, broker.OutcomeRequeue, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("auth pause must not block shutdown")
	}
}

func TestHandle_MalformedDropped(t *testing.T) {
	eng := &fakeEngine{}
	loop := newTestLoop(t, eng)

	assert.Equal(t, broker.OutcomeDrop, loop.handle(context.Background(), broker.Delivery{Body: []byte("not json")}))
	assert.Equal(t, broker.OutcomeDrop, loop.handle(context.Background(), deliveryFor(t, message.ResponseMessage{
		ResponseType: message.ResponseComplete,
		WorkerID:     "bridge-1",
	})), "missing taskId can never settle anything")

	assert.Empty(t, eng.calls)
	assert.EqualValues(t, 2, loop.Stats().Malformed)
}

func TestHandle_ForeignWorkerStillProcessed(t *testing.T) {
	eng := &fakeEngine{}
	loop := newTestLoop(t, eng)

	outcome := loop.handle(context.Background(), deliveryFor(t, message.ResponseMessage{
		TaskID:       "task-x",
		ResponseType: message.ResponseComplete,
		WorkerID:     "someone-else",
	}))

	assert.Equal(t, broker.OutcomeAck, outcome)
	require.Len(t, eng.calls, 1, "the engine is the authority on lock ownership, not us")
	assert.EqualValues(t, 1, loop.Stats().Mismatched)
}

func TestPullLoop_DrainsBatches(t *testing.T) {
	eng := &fakeEngine{}
	adapt := &fakeBroker{connected: true}
	for i := 0; i < 3; i++ {
		adapt.pending = append(adapt.pending, deliveryFor(t, message.ResponseMessage{
			TaskID:       fmt.Sprintf("task-%d", i),
			ResponseType: message.ResponseComplete,
			WorkerID:     "bridge-1",
		}))
	}

	loop, err := New(Config{
		WorkerID:  "bridge-1",
		Mode:      ModePull,
		PullBatch: 10,
		Heartbeat: 10 * time.Millisecond,
	}, eng, adapt, routing.Default(), slog.Default())
	require.NoError(t, err)

	require.NoError(t, loop.Start(context.Background()))
	assert.Eventually(t, func() bool {
		return loop.Stats().Completed == 3
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, loop.Stop(time.Second))
}

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := New(Config{}, &fakeEngine{}, &fakeBroker{}, routing.Default(), nil)
	assert.Error(t, err, "worker id is required")

	_, err = New(Config{WorkerID: "w", Mode: "poll"}, &fakeEngine{}, &fakeBroker{}, routing.Default(), nil)
	assert.Error(t, err)
}
