package handler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/taskbridge/message"
	"github.com/c360studio/taskbridge/variables"
)

// NewStubFactory returns a factory for a pass-through handler. The stub
// performs no downstream call: it fabricates a response payload, mirrors it
// like a real handler would, and completes the task, so queues without a
// real integration still produce response and reconciliation traffic.
func NewStubFactory(queue, system string) Factory {
	return func(deps Deps) (Handler, error) {
		if deps.Publisher == nil {
			return nil, fmt.Errorf("stub handler for %s needs a publisher", queue)
		}
		action := &stubAction{system: system, logger: deps.Logger}
		if action.logger == nil {
			action.logger = slog.Default()
		}
		return NewBase("stub-"+system, queue, action, deps.Publisher, deps.Logger), nil
	}
}

type stubAction struct {
	system string
	logger *slog.Logger
}

func (s *stubAction) Execute(_ context.Context, item *message.WorkItem) (*Result, error) {
	s.logger.Info("stub handler simulating downstream call",
		"system", s.system,
		"task_id", item.TaskID,
		"topic", item.Topic)

	vars, err := variables.Encode(map[string]any{
		"bridge_status": message.StatusSuccess,
		"bridge_system": s.system,
	})
	if err != nil {
		return nil, fmt.Errorf("encode stub variables: %w", err)
	}

	return &Result{
		Response: &message.ResponseMessage{
			TaskID:       item.TaskID,
			ResponseType: message.ResponseComplete,
			WorkerID:     item.WorkerID,
			Variables:    vars,
		},
		ResponseData: map[string]any{
			"status":      "processed",
			"system":      s.system,
			"simulated":   true,
			"taskId":      item.TaskID,
			"processedAt": time.Now().UnixMilli(),
		},
	}, nil
}
