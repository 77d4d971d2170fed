package engine_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/taskbridge/engine"
	"github.com/c360studio/taskbridge/variables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*engine.Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := engine.NewClient(engine.Config{
		BaseURL:  server.URL,
		Username: "bridge",
		Password: "secret",
		Timeout:  5 * time.Second,
	})
	return client, server
}

func TestClient_FetchAndLock_Success(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/external-task/fetchAndLock", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "bridge", user)
		assert.Equal(t, "secret", pass)

		var req engine.FetchAndLockRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "bridge-main", req.WorkerID)
		assert.Equal(t, 10, req.MaxTasks)
		require.Len(t, req.Topics, 1)
		assert.Equal(t, "bitrix24_task", req.Topics[0].TopicName)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{
			"id": "task-1",
			"topicName": "bitrix24_task",
			"workerId": "bridge-main",
			"processInstanceId": "pi-1",
			"processDefinitionId": "pd-1",
			"activityId": "ServiceTask_1",
			"retries": null,
			"priority": 50,
			"lockExpirationTime": "2026-08-24T12:00:00.000+0200",
			"variables": {
				"amount": {"value": 1200, "type": "Integer"},
				"customer": {"value": "ACME", "type": "String"}
			}
		}]`))
	})

	tasks, err := client.FetchAndLock(context.Background(), engine.FetchAndLockRequest{
		WorkerID: "bridge-main",
		MaxTasks: 10,
		Topics:   []engine.FetchTopic{{TopicName: "bitrix24_task", LockDuration: 300000}},
	})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	task := tasks[0]
	assert.Equal(t, "task-1", task.ID)
	assert.Nil(t, task.Retries)
	assert.Equal(t, int64(50), task.Priority)
	require.NotNil(t, task.LockExpirationTime)
	assert.Equal(t, 12, task.LockExpirationTime.Hour())
	assert.Equal(t, variables.Variable{Value: int64(1200), Type: variables.TypeInteger}, task.Variables["amount"])
}

func TestClient_Complete_NotFound(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/external-task/gone/complete", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	})

	err := client.Complete(context.Background(), "gone", engine.CompleteRequest{WorkerID: "bridge-main"})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrNotFound)
	assert.False(t, engine.IsTransient(err))
}

func TestClient_AuthRejection(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	err := client.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsAuth(err))
	assert.False(t, engine.IsTransient(err))
}

func TestClient_ServerErrorIsTransient(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	err := client.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
}

func TestClient_ClientErrorIsPermanent(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad value", http.StatusBadRequest)
	})

	err := client.Failure(context.Background(), "t-1", engine.FailureRequest{WorkerID: "w", ErrorMessage: "x"})
	require.Error(t, err)
	assert.False(t, engine.IsTransient(err))

	var apiErr *engine.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestClient_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	})

	ctx := context.Background()
	for n := 0; n < 5; n++ {
		err := client.Ping(ctx)
		require.Error(t, err)
		assert.True(t, engine.IsTransient(err))
	}
	require.EqualValues(t, 5, hits.Load())

	// Circuit is open now; the next call fails fast without a request.
	err := client.Ping(ctx)
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
	assert.EqualValues(t, 5, hits.Load())
}

func TestClient_NotFoundDoesNotTripCircuit(t *testing.T) {
	var hits atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	ctx := context.Background()
	for n := 0; n < 10; n++ {
		err := client.Unlock(ctx, "missing")
		assert.ErrorIs(t, err, engine.ErrNotFound)
	}
	assert.EqualValues(t, 10, hits.Load(), "404s must keep reaching the engine")
}

func TestClient_ProcessDefinitionXML(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/process-definition/pd-7/xml", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id":        "pd-7",
			"bpmn20Xml": `<definitions><process id="p"/></definitions>`,
		})
	})

	xml, err := client.ProcessDefinitionXML(context.Background(), "pd-7")
	require.NoError(t, err)
	assert.Contains(t, xml, "<definitions>")
}

func TestClient_LockedTasksQuery(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/external-task", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("locked"))
		assert.Equal(t, "bridge-main", r.URL.Query().Get("workerId"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id": "t-1", "workerId": "bridge-main"}]`))
	})

	tasks, err := client.LockedTasks(context.Background(), "bridge-main")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t-1", tasks[0].ID)
}

func TestClient_StartProcess(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/process-definition/key/invoice/start", r.URL.Path)
		var req engine.StartProcessRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "order-9", req.BusinessKey)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "pi-9", "definitionId": "pd-1", "businessKey": "order-9"}`))
	})

	inst, err := client.StartProcess(context.Background(), "invoice", engine.StartProcessRequest{
		BusinessKey: "order-9",
		Variables: map[string]variables.Variable{
			"total": {Value: int64(100), Type: variables.TypeInteger},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "pi-9", inst.ID)
}

func TestTime_ParsesEngineFormats(t *testing.T) {
	tests := []string{
		`"2026-08-24T12:00:00.000+0200"`,
		`"2026-08-24T12:00:00+0200"`,
		`"2026-08-24T12:00:00.000+02:00"`,
		`"2026-08-24T12:00:00Z"`,
	}
	for _, in := range tests {
		var ts engine.Time
		require.NoError(t, json.Unmarshal([]byte(in), &ts), "input %s", in)
		assert.Equal(t, 2026, ts.Year())
	}

	var ts engine.Time
	require.NoError(t, json.Unmarshal([]byte("null"), &ts))
	assert.True(t, ts.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
}

func TestTime_MarshalRoundTrip(t *testing.T) {
	in := engine.Time{Time: time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out engine.Time
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, in.Equal(out.Time))
}
