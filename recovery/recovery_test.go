package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskbridge/engine"
	"github.com/c360studio/taskbridge/message"
	"github.com/c360studio/taskbridge/routing"
)

var scanTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeEngine struct {
	tasks      []engine.LockedTask
	listErr    error
	unlockErr  error
	failureErr error

	unlocked []string
	failures []engine.FailureRequest
}

func (f *fakeEngine) LockedTasks(_ context.Context, _ string) ([]engine.LockedTask, error) {
	return f.tasks, f.listErr
}

func (f *fakeEngine) Unlock(_ context.Context, taskID string) error {
	if f.unlockErr != nil {
		return f.unlockErr
	}
	f.unlocked = append(f.unlocked, taskID)
	return nil
}

func (f *fakeEngine) Failure(_ context.Context, _ string, req engine.FailureRequest) error {
	if f.failureErr != nil {
		return f.failureErr
	}
	f.failures = append(f.failures, req)
	return nil
}

type fakeBroker struct {
	queues  map[string][][]byte
	peekErr error
	peeks   map[string]int
}

func (f *fakeBroker) Peek(queue string, _ int) ([][]byte, error) {
	if f.peeks == nil {
		f.peeks = map[string]int{}
	}
	f.peeks[queue]++
	if f.peekErr != nil {
		return nil, f.peekErr
	}
	return f.queues[queue], nil
}

func taskLocked(id, topic string, expiredFor time.Duration) engine.LockedTask {
	expiry := engine.Time{Time: scanTime.Add(-expiredFor)}
	return engine.LockedTask{
		ID:                 id,
		TopicName:          topic,
		WorkerID:           "bridge-1",
		LockExpirationTime: &expiry,
	}
}

func workItemBody(t *testing.T, taskID string) []byte {
	t.Helper()
	body, err := json.Marshal(message.WorkItem{TaskID: taskID, Topic: "erp_invoice", WorkerID: "bridge-1"})
	require.NoError(t, err)
	return body
}

func mirrorBody(t *testing.T, taskID string) []byte {
	t.Helper()
	body, err := json.Marshal(message.SentMirror{
		OriginalMessage:  message.WorkItem{TaskID: taskID, Topic: "erp_invoice", WorkerID: "bridge-1"},
		ProcessingStatus: message.StatusSuccess,
	})
	require.NoError(t, err)
	return body
}

func newTestScanner(eng EngineAPI, adapt Broker) *Scanner {
	return NewScanner(eng, adapt, routing.Default(), slog.Default(), WithClock(func() time.Time { return scanTime }))
}

func TestRun_ReleasesTracelessStuckTask(t *testing.T) {
	eng := &fakeEngine{tasks: []engine.LockedTask{taskLocked("task-stuck", "erp_invoice", time.Hour)}}
	adapt := &fakeBroker{queues: map[string][][]byte{}}
	s := newTestScanner(eng, adapt)

	report, err := s.Run(context.Background(), Options{WorkerID: "bridge-1"})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Stuck)
	assert.Equal(t, 1, report.Unlocked)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, report.Errors)
	assert.Equal(t, []string{"task-stuck"}, report.TaskIDs)

	require.Len(t, eng.failures, 1)
	assert.Equal(t, 0, eng.failures[0].Retries, "recovery must raise an incident, not schedule a retry")
}

func TestRun_FreshLockIgnored(t *testing.T) {
	eng := &fakeEngine{tasks: []engine.LockedTask{taskLocked("task-fresh", "erp_invoice", time.Minute)}}
	adapt := &fakeBroker{queues: map[string][][]byte{}}
	s := newTestScanner(eng, adapt)

	report, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 0, report.Stuck)
	assert.Empty(t, eng.unlocked)
	assert.Empty(t, adapt.peeks, "fresh locks must not trigger queue peeks")
}

func TestRun_InFlightTraceSparesTask(t *testing.T) {
	eng := &fakeEngine{tasks: []engine.LockedTask{taskLocked("task-slow", "erp_invoice", time.Hour)}}
	adapt := &fakeBroker{queues: map[string][][]byte{
		"erp.queue": {workItemBody(t, "task-slow")},
	}}
	s := newTestScanner(eng, adapt)

	report, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 0, report.Stuck, "a queued work item means a consumer will still get to it")
	assert.Empty(t, eng.unlocked)
}

func TestRun_SentMirrorTraceSparesTask(t *testing.T) {
	eng := &fakeEngine{tasks: []engine.LockedTask{taskLocked("task-done", "erp_invoice", time.Hour)}}
	adapt := &fakeBroker{queues: map[string][][]byte{
		"erp.sent.queue": {mirrorBody(t, "task-done")},
	}}
	s := newTestScanner(eng, adapt)

	report, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 0, report.Stuck, "a mirror means the tracker will reconcile it")
	assert.Empty(t, eng.unlocked)
}

func TestRun_DryRunTouchesNothing(t *testing.T) {
	eng := &fakeEngine{tasks: []engine.LockedTask{taskLocked("task-stuck", "erp_invoice", time.Hour)}}
	adapt := &fakeBroker{queues: map[string][][]byte{}}
	s := newTestScanner(eng, adapt)

	report, err := s.Run(context.Background(), Options{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Stuck)
	assert.Equal(t, 0, report.Unlocked)
	assert.Empty(t, eng.unlocked)
	assert.Empty(t, eng.failures)
}

func TestRun_MissingLockTimeIsSuspicious(t *testing.T) {
	eng := &fakeEngine{tasks: []engine.LockedTask{{
		ID:        "task-null-lock",
		TopicName: "erp_invoice",
		WorkerID:  "bridge-1",
	}}}
	adapt := &fakeBroker{queues: map[string][][]byte{}}
	s := newTestScanner(eng, adapt)

	report, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stuck)
}

func TestRun_NotFoundOnReleaseCountsAsSuccess(t *testing.T) {
	eng := &fakeEngine{
		tasks:     []engine.LockedTask{taskLocked("task-racing", "erp_invoice", time.Hour)},
		unlockErr: fmt.Errorf("engine POST: %w", engine.ErrNotFound),
	}
	adapt := &fakeBroker{queues: map[string][][]byte{}}
	s := newTestScanner(eng, adapt)

	report, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 0, report.Errors, "a task that settled mid-scan is a win, not an error")
	assert.Equal(t, 1, report.Unlocked)
}

func TestRun_UnlockFailureCounted(t *testing.T) {
	eng := &fakeEngine{
		tasks:     []engine.LockedTask{taskLocked("task-stuck", "erp_invoice", time.Hour)},
		unlockErr: engine.NewTransientError(fmt.Errorf("boom")),
	}
	adapt := &fakeBroker{queues: map[string][][]byte{}}
	s := newTestScanner(eng, adapt)

	report, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, 0, report.Unlocked)
	assert.Empty(t, eng.failures, "no failure report without a successful unlock")
}

func TestRun_PeekFailureTreatedAsTraceless(t *testing.T) {
	eng := &fakeEngine{tasks: []engine.LockedTask{taskLocked("task-stuck", "erp_invoice", time.Hour)}}
	adapt := &fakeBroker{peekErr: fmt.Errorf("channel closed")}
	s := newTestScanner(eng, adapt)

	report, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unlocked, "an unverifiable task is safer released than locked forever")
}

func TestRun_PeeksEachQueueOnce(t *testing.T) {
	eng := &fakeEngine{tasks: []engine.LockedTask{
		taskLocked("task-1", "erp_invoice", time.Hour),
		taskLocked("task-2", "erp_stock", time.Hour),
		taskLocked("task-3", "erp_invoice", 2*time.Hour),
	}}
	adapt := &fakeBroker{queues: map[string][][]byte{}}
	s := newTestScanner(eng, adapt)

	_, err := s.Run(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, adapt.peeks["erp.queue"])
	assert.Equal(t, 1, adapt.peeks["erp.sent.queue"])
}

func TestRun_ListFailureAborts(t *testing.T) {
	eng := &fakeEngine{listErr: engine.NewTransientError(fmt.Errorf("boom"))}
	s := newTestScanner(eng, &fakeBroker{})

	_, err := s.Run(context.Background(), Options{})
	assert.Error(t, err)
}
