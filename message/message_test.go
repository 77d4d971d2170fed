package message_test

import (
	"encoding/json"
	"testing"

	"github.com/c360studio/taskbridge/message"
	"github.com/c360studio/taskbridge/variables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkItem_Validate(t *testing.T) {
	item := message.WorkItem{TaskID: "t-1", Topic: "bitrix24_task", WorkerID: "bridge-1"}
	assert.NoError(t, item.Validate())

	missing := message.WorkItem{Topic: "bitrix24_task", WorkerID: "bridge-1"}
	assert.Error(t, missing.Validate())
}

func TestWorkItem_Headers(t *testing.T) {
	item := message.WorkItem{
		TaskID:            "t-9",
		Topic:             "erp_invoice",
		System:            "erp",
		ProcessInstanceID: "pi-3",
	}
	h := item.Headers()
	assert.Equal(t, "t-9", h["task_id"])
	assert.Equal(t, "erp_invoice", h["camunda_topic"])
	assert.Equal(t, "erp", h["target_system"])
	assert.Equal(t, "pi-3", h["process_instance_id"])
}

func TestResponseMessage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		msg     message.ResponseMessage
		wantErr bool
	}{
		{
			name: "complete ok",
			msg:  message.ResponseMessage{TaskID: "t-1", ResponseType: message.ResponseComplete, WorkerID: "bridge-1"},
		},
		{
			name:    "missing task id",
			msg:     message.ResponseMessage{ResponseType: message.ResponseComplete, WorkerID: "bridge-1"},
			wantErr: true,
		},
		{
			name:    "missing worker id",
			msg:     message.ResponseMessage{TaskID: "t-1", ResponseType: message.ResponseComplete},
			wantErr: true,
		},
		{
			name:    "unknown type",
			msg:     message.ResponseMessage{TaskID: "t-1", ResponseType: "finish", WorkerID: "bridge-1"},
			wantErr: true,
		},
		{
			name:    "failure needs message",
			msg:     message.ResponseMessage{TaskID: "t-1", ResponseType: message.ResponseFailure, WorkerID: "bridge-1"},
			wantErr: true,
		},
		{
			name: "failure ok",
			msg: message.ResponseMessage{
				TaskID: "t-1", ResponseType: message.ResponseFailure,
				WorkerID: "bridge-1", ErrorMessage: "timeout calling CRM",
			},
		},
		{
			name:    "bpmn error needs code",
			msg:     message.ResponseMessage{TaskID: "t-1", ResponseType: message.ResponseBPMNError, WorkerID: "bridge-1"},
			wantErr: true,
		},
		{
			name: "bpmn error ok",
			msg: message.ResponseMessage{
				TaskID: "t-1", ResponseType: message.ResponseBPMNError,
				WorkerID: "bridge-1", ErrorCode: "INSUFFICIENT_FUNDS",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestResponseMessage_RoundTrip(t *testing.T) {
	retries := 2
	in := message.ResponseMessage{
		TaskID:       "task-42",
		ResponseType: message.ResponseFailure,
		WorkerID:     "bridge-main",
		Variables: map[string]variables.Variable{
			"approved": {Value: true, Type: variables.TypeBoolean},
			"amount":   {Value: int64(1200), Type: variables.TypeInteger},
		},
		ErrorMessage: "CRM rejected the payload",
		ErrorDetails: "status 422",
		Retries:      &retries,
		RetryTimeout: 60000,
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out message.ResponseMessage
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestSentMirror_Terminal(t *testing.T) {
	m := message.SentMirror{ProcessingStatus: message.StatusSuccess}
	assert.True(t, m.Terminal())

	m.ProcessingStatus = message.StatusCompleted
	assert.True(t, m.Terminal())

	m.ProcessingStatus = "pending"
	assert.False(t, m.Terminal())
}

func TestSentMirror_Validate(t *testing.T) {
	m := message.SentMirror{
		OriginalQueue:    "bitrix24.queue",
		OriginalMessage:  message.WorkItem{TaskID: "t-1"},
		ProcessingStatus: message.StatusSuccess,
	}
	assert.NoError(t, m.Validate())

	m.OriginalMessage.TaskID = ""
	assert.Error(t, m.Validate())
}
