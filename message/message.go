// Package message defines the JSON envelopes that flow through the bridge:
// the WorkItem published to system queues, the ResponseMessage consumed by
// the response loop, and the SentMirror kept around for reconciliation.
package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/c360studio/taskbridge/variables"
)

// ActivityInfo identifies the BPMN element a work item originates from.
type ActivityInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Type  string `json:"type,omitempty"`
	Topic string `json:"topic,omitempty"`
}

// ActivityMetadata carries the modeler-authored annotations of one service
// task, extracted from the process definition XML.
type ActivityMetadata struct {
	ExtensionProperties map[string]string `json:"extensionProperties,omitempty"`
	FieldInjections     map[string]string `json:"fieldInjections,omitempty"`
	InputParameters     map[string]string `json:"inputParameters,omitempty"`
	OutputParameters    map[string]string `json:"outputParameters,omitempty"`
	ActivityInfo        ActivityInfo      `json:"activityInfo"`
}

// IsZero reports whether no annotations were found for the activity.
func (m ActivityMetadata) IsZero() bool {
	return len(m.ExtensionProperties) == 0 &&
		len(m.FieldInjections) == 0 &&
		len(m.InputParameters) == 0 &&
		len(m.OutputParameters) == 0 &&
		m.ActivityInfo == ActivityInfo{}
}

// WorkItem is the unit of work published by the poller, one per locked
// external task. Timestamp is the publish time in milliseconds since epoch;
// CreatedTime is the engine-side creation timestamp verbatim.
type WorkItem struct {
	TaskID               string                        `json:"taskId"`
	Topic                string                        `json:"topic"`
	System               string                        `json:"system"`
	WorkerID             string                        `json:"workerId"`
	ProcessInstanceID    string                        `json:"processInstanceId,omitempty"`
	ProcessDefinitionID  string                        `json:"processDefinitionId,omitempty"`
	ProcessDefinitionKey string                        `json:"processDefinitionKey,omitempty"`
	ActivityID           string                        `json:"activityId,omitempty"`
	ActivityInstanceID   string                        `json:"activityInstanceId,omitempty"`
	BusinessKey          string                        `json:"businessKey,omitempty"`
	TenantID             string                        `json:"tenantId,omitempty"`
	Retries              *int                          `json:"retries"`
	Priority             int64                         `json:"priority"`
	CreatedTime          string                        `json:"createdTime,omitempty"`
	Timestamp            int64                         `json:"timestamp"`
	Variables            map[string]variables.Variable `json:"variables,omitempty"`
	Metadata             *ActivityMetadata             `json:"metadata,omitempty"`
}

// Validate checks the fields every consumer relies on.
func (w *WorkItem) Validate() error {
	if w.TaskID == "" {
		return errors.New("work item missing taskId")
	}
	if w.Topic == "" {
		return errors.New("work item missing topic")
	}
	if w.WorkerID == "" {
		return errors.New("work item missing workerId")
	}
	return nil
}

// Headers returns the broker headers published alongside the work item so
// operators can filter deliveries without parsing bodies.
func (w *WorkItem) Headers() map[string]any {
	return map[string]any{
		"task_id":             w.TaskID,
		"camunda_topic":       w.Topic,
		"target_system":       w.System,
		"process_instance_id": w.ProcessInstanceID,
	}
}

// ResponseType names the engine operation a response message requests.
type ResponseType string

const (
	ResponseComplete  ResponseType = "complete"
	ResponseFailure   ResponseType = "failure"
	ResponseBPMNError ResponseType = "bpmn_error"
)

// ResponseMessage is what downstream handlers place on the response queue to
// settle an external task.
type ResponseMessage struct {
	TaskID         string                        `json:"taskId"`
	ResponseType   ResponseType                  `json:"responseType"`
	WorkerID       string                        `json:"workerId"`
	Variables      map[string]variables.Variable `json:"variables,omitempty"`
	LocalVariables map[string]variables.Variable `json:"localVariables,omitempty"`
	ErrorMessage   string                        `json:"errorMessage,omitempty"`
	ErrorDetails   string                        `json:"errorDetails,omitempty"`
	Retries        *int                          `json:"retries,omitempty"`
	RetryTimeout   int64                         `json:"retryTimeout,omitempty"`
	ErrorCode      string                        `json:"errorCode,omitempty"`
}

// Validate enforces the required fields per response type.
func (r *ResponseMessage) Validate() error {
	if r.TaskID == "" {
		return errors.New("response missing taskId")
	}
	if r.WorkerID == "" {
		return errors.New("response missing workerId")
	}
	switch r.ResponseType {
	case ResponseComplete:
	case ResponseFailure:
		if r.ErrorMessage == "" {
			return errors.New("failure response missing errorMessage")
		}
	case ResponseBPMNError:
		if r.ErrorCode == "" {
			return errors.New("bpmn_error response missing errorCode")
		}
	default:
		return fmt.Errorf("unknown responseType %q", r.ResponseType)
	}
	return nil
}

// Processing statuses recorded in sent mirrors. Terminal statuses mean the
// downstream side finished with the task and reconciliation may close it.
const (
	StatusSuccess   = "success"
	StatusCompleted = "completed"
)

// SentMirror is the copy of a processed work item that handlers publish to
// the matching sent queue. The reconciliation tracker consumes these to
// close tasks whose direct response never arrived.
type SentMirror struct {
	Timestamp        int64           `json:"timestamp"`
	ProcessedAt      int64           `json:"processedAt"`
	OriginalQueue    string          `json:"originalQueue"`
	OriginalMessage  WorkItem        `json:"originalMessage"`
	ResponseData     json.RawMessage `json:"responseData,omitempty"`
	ProcessingStatus string          `json:"processingStatus"`
}

// Terminal reports whether the mirror records a finished downstream action.
func (m *SentMirror) Terminal() bool {
	return m.ProcessingStatus == StatusSuccess || m.ProcessingStatus == StatusCompleted
}

// Validate checks the fields reconciliation needs.
func (m *SentMirror) Validate() error {
	if m.OriginalMessage.TaskID == "" {
		return errors.New("sent mirror missing originalMessage.taskId")
	}
	if m.ProcessingStatus == "" {
		return errors.New("sent mirror missing processingStatus")
	}
	return nil
}
