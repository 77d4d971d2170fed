package engine

import (
	"fmt"
	"time"

	"github.com/c360studio/taskbridge/variables"
)

// TimeLayout is the engine's native timestamp format. It differs from RFC
// 3339 in the zone offset, which has no colon.
const TimeLayout = "2006-01-02T15:04:05.999-0700"

var timeLayouts = []string{
	TimeLayout,
	"2006-01-02T15:04:05-0700",
	time.RFC3339Nano,
	time.RFC3339,
}

// Time wraps time.Time with the engine's JSON timestamp formats.
type Time struct {
	time.Time
}

func (t *Time) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("timestamp %s is not a JSON string", s)
	}
	s = s[1 : len(s)-1]
	for _, layout := range timeLayouts {
		parsed, err := time.Parse(layout, s)
		if err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("timestamp %q matches no known engine format", s)
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.Format(TimeLayout) + `"`), nil
}

// FetchTopic is one topic subscription inside a fetch-and-lock request.
type FetchTopic struct {
	TopicName                  string   `json:"topicName"`
	LockDuration               int64    `json:"lockDuration"`
	Variables                  []string `json:"variables,omitempty"`
	DeserializeValues          bool     `json:"deserializeValues"`
	IncludeExtensionProperties bool     `json:"includeExtensionProperties"`
}

// FetchAndLockRequest asks the engine for available external tasks.
type FetchAndLockRequest struct {
	WorkerID             string       `json:"workerId"`
	MaxTasks             int          `json:"maxTasks"`
	UsePriority          bool         `json:"usePriority"`
	AsyncResponseTimeout int64        `json:"asyncResponseTimeout,omitempty"`
	Topics               []FetchTopic `json:"topics"`
}

// LockedTask is an external task as the engine reports it.
type LockedTask struct {
	ID                   string                        `json:"id"`
	TopicName            string                        `json:"topicName"`
	WorkerID             string                        `json:"workerId"`
	ProcessInstanceID    string                        `json:"processInstanceId"`
	ProcessDefinitionID  string                        `json:"processDefinitionId"`
	ProcessDefinitionKey string                        `json:"processDefinitionKey"`
	ActivityID           string                        `json:"activityId"`
	ActivityInstanceID   string                        `json:"activityInstanceId"`
	ExecutionID          string                        `json:"executionId"`
	BusinessKey          string                        `json:"businessKey"`
	TenantID             string                        `json:"tenantId"`
	Retries              *int                          `json:"retries"`
	Priority             int64                         `json:"priority"`
	LockExpirationTime   *Time                         `json:"lockExpirationTime"`
	CreateTime           *Time                         `json:"createTime"`
	Suspended            bool                          `json:"suspended"`
	ErrorMessage         string                        `json:"errorMessage"`
	Variables            map[string]variables.Variable `json:"variables"`
	ExtensionProperties  map[string]string             `json:"extensionProperties"`
}

// CompleteRequest carries result variables back into the process.
type CompleteRequest struct {
	WorkerID       string                        `json:"workerId"`
	Variables      map[string]variables.Variable `json:"variables,omitempty"`
	LocalVariables map[string]variables.Variable `json:"localVariables,omitempty"`
}

// FailureRequest reports a technical failure on a locked task.
type FailureRequest struct {
	WorkerID     string `json:"workerId"`
	ErrorMessage string `json:"errorMessage"`
	ErrorDetails string `json:"errorDetails,omitempty"`
	Retries      int    `json:"retries"`
	RetryTimeout int64  `json:"retryTimeout"`
}

// BPMNErrorRequest raises a business error on a locked task.
type BPMNErrorRequest struct {
	WorkerID     string                        `json:"workerId"`
	ErrorCode    string                        `json:"errorCode"`
	ErrorMessage string                        `json:"errorMessage,omitempty"`
	Variables    map[string]variables.Variable `json:"variables,omitempty"`
}

// ProcessDefinition describes one deployed process definition.
type ProcessDefinition struct {
	ID        string `json:"id"`
	Key       string `json:"key"`
	Name      string `json:"name"`
	Version   int    `json:"version"`
	Suspended bool   `json:"suspended"`
}

// StartProcessRequest starts a new instance by definition key.
type StartProcessRequest struct {
	BusinessKey string                        `json:"businessKey,omitempty"`
	Variables   map[string]variables.Variable `json:"variables,omitempty"`
}

// ProcessInstance describes one running (or just started) instance.
type ProcessInstance struct {
	ID           string `json:"id"`
	DefinitionID string `json:"definitionId"`
	BusinessKey  string `json:"businessKey"`
	Ended        bool   `json:"ended"`
	Suspended    bool   `json:"suspended"`
}
