// Package engine is the HTTP client for the process engine's REST API. It
// covers the external-task operations the bridge lives on (fetch-and-lock,
// complete, failure, bpmn-error, unlock) plus the definition and instance
// calls the CLI tooling needs.
//
// All calls run through a circuit breaker so an unreachable engine degrades
// into fast transient errors instead of piles of blocked goroutines.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

const (
	defaultTimeout = 30 * time.Second

	// maxErrorBody caps how much of an error response is kept for messages.
	maxErrorBody = 64 * 1024
)

// Config holds the connection settings for one engine.
type Config struct {
	// BaseURL points at the REST root, e.g. http://camunda:8080/engine-rest.
	BaseURL  string
	Username string
	Password string
	// Timeout bounds every request including long polls.
	Timeout time.Duration
}

// Client talks to one process engine.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	logger   *slog.Logger
	breaker  *gobreaker.CircuitBreaker
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the logger for request failures and breaker transitions.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates an engine client. The circuit opens after five
// consecutive transient failures and probes again after thirty seconds.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		http:     &http.Client{Timeout: timeout},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "engine",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("engine circuit state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	return c
}

// do runs one request through the breaker. Only transient failures count
// against the circuit; auth rejections, 404s, and other client errors pass
// through without tripping it.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s request: %w", method, path, err)
		}
		reqBody = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var opErr error
	_, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
		if err != nil {
			opErr = err
			return nil, nil
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		if c.username != "" {
			req.SetBasicAuth(c.username, c.password)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, NewTransientError(fmt.Errorf("engine %s %s: %w", method, path, err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			opErr = &AuthError{Status: resp.StatusCode, Body: readErrorBody(resp.Body)}
			return nil, nil
		case resp.StatusCode == http.StatusNotFound:
			opErr = fmt.Errorf("engine %s %s: %w", method, path, ErrNotFound)
			return nil, nil
		case resp.StatusCode >= 500:
			return nil, NewTransientError(&APIError{
				Status: resp.StatusCode, Method: method, Path: path, Body: readErrorBody(resp.Body),
			})
		case resp.StatusCode >= 400:
			opErr = &APIError{Status: resp.StatusCode, Method: method, Path: path, Body: readErrorBody(resp.Body)}
			return nil, nil
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				opErr = fmt.Errorf("decode %s %s response: %w", method, path, err)
			}
		}
		return nil, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return NewTransientError(fmt.Errorf("engine circuit open: %w", err))
		}
		return err
	}
	return opErr
}

func readErrorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(data))
}

// Ping verifies connectivity and credentials.
func (c *Client) Ping(ctx context.Context) error {
	var v struct {
		Version string `json:"version"`
	}
	return c.do(ctx, http.MethodGet, "/version", nil, nil, &v)
}

// Version returns the engine version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var v struct {
		Version string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/version", nil, nil, &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

// FetchAndLock polls for external tasks across the requested topics and
// locks whatever is available, up to MaxTasks.
func (c *Client) FetchAndLock(ctx context.Context, req FetchAndLockRequest) ([]LockedTask, error) {
	var tasks []LockedTask
	if err := c.do(ctx, http.MethodPost, "/external-task/fetchAndLock", nil, req, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Complete finishes a task and hands its result variables to the engine.
// Returns ErrNotFound (wrapped) when the task no longer exists.
func (c *Client) Complete(ctx context.Context, taskID string, req CompleteRequest) error {
	return c.do(ctx, http.MethodPost, "/external-task/"+taskID+"/complete", nil, req, nil)
}

// Failure reports a technical failure. With Retries zero the engine raises
// an incident; with a positive count it retries after RetryTimeout.
func (c *Client) Failure(ctx context.Context, taskID string, req FailureRequest) error {
	return c.do(ctx, http.MethodPost, "/external-task/"+taskID+"/failure", nil, req, nil)
}

// BPMNError raises a business error that BPMN error boundary events catch.
func (c *Client) BPMNError(ctx context.Context, taskID string, req BPMNErrorRequest) error {
	return c.do(ctx, http.MethodPost, "/external-task/"+taskID+"/bpmnError", nil, req, nil)
}

// Unlock releases a task lock so any worker may fetch it again.
func (c *Client) Unlock(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodPost, "/external-task/"+taskID+"/unlock", nil, nil, nil)
}

// Task fetches one external task by id.
func (c *Client) Task(ctx context.Context, taskID string) (*LockedTask, error) {
	var t LockedTask
	if err := c.do(ctx, http.MethodGet, "/external-task/"+taskID, nil, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// LockedTasks lists the external tasks currently locked by a worker.
func (c *Client) LockedTasks(ctx context.Context, workerID string) ([]LockedTask, error) {
	q := url.Values{"locked": {"true"}}
	if workerID != "" {
		q.Set("workerId", workerID)
	}
	var tasks []LockedTask
	if err := c.do(ctx, http.MethodGet, "/external-task", q, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ProcessDefinitionXML fetches the BPMN XML of a process definition.
func (c *Client) ProcessDefinitionXML(ctx context.Context, definitionID string) (string, error) {
	var out struct {
		ID        string `json:"id"`
		BPMN20XML string `json:"bpmn20Xml"`
	}
	if err := c.do(ctx, http.MethodGet, "/process-definition/"+definitionID+"/xml", nil, nil, &out); err != nil {
		return "", err
	}
	return out.BPMN20XML, nil
}

// ProcessDefinitions lists the latest version of every deployed definition.
func (c *Client) ProcessDefinitions(ctx context.Context) ([]ProcessDefinition, error) {
	q := url.Values{"latestVersion": {"true"}}
	var defs []ProcessDefinition
	if err := c.do(ctx, http.MethodGet, "/process-definition", q, nil, &defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// ProcessDefinition fetches one definition by id.
func (c *Client) ProcessDefinition(ctx context.Context, definitionID string) (*ProcessDefinition, error) {
	var def ProcessDefinition
	if err := c.do(ctx, http.MethodGet, "/process-definition/"+definitionID, nil, nil, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// StartProcess starts a new instance of the latest definition with the key.
func (c *Client) StartProcess(ctx context.Context, key string, req StartProcessRequest) (*ProcessInstance, error) {
	var inst ProcessInstance
	if err := c.do(ctx, http.MethodPost, "/process-definition/key/"+key+"/start", nil, req, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// SetDefinitionSuspended suspends or activates a definition together with
// its running instances.
func (c *Client) SetDefinitionSuspended(ctx context.Context, definitionID string, suspended bool) error {
	body := map[string]any{
		"suspended":               suspended,
		"includeProcessInstances": true,
	}
	return c.do(ctx, http.MethodPut, "/process-definition/"+definitionID+"/suspended", nil, body, nil)
}

// DeleteProcessInstance removes a running instance.
func (c *Client) DeleteProcessInstance(ctx context.Context, instanceID string) error {
	return c.do(ctx, http.MethodDelete, "/process-instance/"+instanceID, nil, nil, nil)
}

// InstanceCount returns the number of running instances of a definition.
func (c *Client) InstanceCount(ctx context.Context, definitionID string) (int64, error) {
	q := url.Values{}
	if definitionID != "" {
		q.Set("processDefinitionId", definitionID)
	}
	var out struct {
		Count int64 `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/process-instance/count", q, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}
