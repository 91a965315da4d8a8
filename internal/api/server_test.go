package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comfy-relay/backend/internal/artifact"
	"github.com/comfy-relay/backend/internal/comfy"
	"github.com/comfy-relay/backend/internal/config"
	"github.com/comfy-relay/backend/internal/mock"
	"github.com/comfy-relay/backend/internal/monitor"
	"github.com/comfy-relay/backend/internal/orchestrator"
	"github.com/comfy-relay/backend/internal/workflow"
	"github.com/comfy-relay/backend/internal/ws"
)

const outputNode = "9"

type fixture struct {
	backend *mock.Backend
	orch    *orchestrator.Orchestrator
	store   *workflow.Store
	reg     *ws.Registry
	http    *httptest.Server
}

type staticHealth struct{}

func (staticHealth) Health() monitor.Health {
	return monitor.Health{Status: ws.StatusHealthy}
}

func newFixture(t *testing.T, b *mock.Backend, opts orchestrator.Options, loaded bool) *fixture {
	t.Helper()
	backendSrv := httptest.NewServer(b.Handler())
	t.Cleanup(backendSrv.Close)

	client := comfy.NewClient(backendSrv.URL)
	up := comfy.NewUpstream("ws"+strings.TrimPrefix(backendSrv.URL, "http")+"/ws", time.Second)
	t.Cleanup(up.Close)
	resolver := artifact.NewResolver(client, artifact.Options{
		OutputNode:  outputNode,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		StepDelay:   time.Millisecond,
	})
	reg := ws.NewRegistry()
	orch := orchestrator.New(client, up, resolver, reg, opts)

	store := workflow.NewStore()
	if loaded {
		require.NoError(t, store.LoadBytes([]byte(mock.SampleWorkflow), "sample"))
	}

	relay := ws.NewServer(reg, config.RelayConfig{SendBuffer: 8})
	srv := NewServer(orch, store, relay, staticHealth{}, Options{BackendAddr: "127.0.0.1:8188", OutputNode: outputNode})
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	api := httptest.NewServer(mux)
	t.Cleanup(api.Close)

	return &fixture{backend: b, orch: orch, store: store, reg: reg, http: api}
}

func testOptions() orchestrator.Options {
	return orchestrator.Options{
		OutputNode:     outputNode,
		ReceiveTimeout: 2 * time.Second,
		SettleDelay:    5 * time.Millisecond,
		DrainDelay:     10 * time.Millisecond,
		OverallTimeout: 5 * time.Second,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

// holdRun starts a run whose script stalls, and returns once it is running.
func (f *fixture) holdRun(t *testing.T) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.orch.Submit(context.Background(), map[string]any{})
	}()
	require.Eventually(t, f.orch.Running, time.Second, time.Millisecond)
	return done
}

func TestHealth(t *testing.T) {
	f := newFixture(t, mock.NewBackend(outputNode), testOptions(), true)
	code, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ComfyUI Workflow Runner is running", body["STATUS"])
	assert.Contains(t, body, "process")
}

func TestStatus(t *testing.T) {
	f := newFixture(t, mock.NewBackend(outputNode), testOptions(), true)
	code, body := f.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Server running", body["STATUS"])
	assert.Equal(t, "idle", body["execution_status"])
	assert.Nil(t, body["current_prompt_id"])
	assert.Equal(t, true, body["workflow_loaded"])
	assert.Equal(t, float64(0), body["connected_ws_clients"])
	assert.Equal(t, false, body["backend_ws_connected"])
	assert.Equal(t, "127.0.0.1:8188", body["comfy_server"])
	assert.Equal(t, outputNode, body["save_image_node_id"])
	health, ok := body["backend_health"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "healthy", health["status"])
}

func TestQueueWithoutWorkflow(t *testing.T) {
	f := newFixture(t, mock.NewBackend(outputNode), testOptions(), false)
	code, body := f.do(t, http.MethodGet, "/queue", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "No workflow loaded", body["STATUS"])
}

func TestQueueCompleted(t *testing.T) {
	f := newFixture(t, mock.NewBackend(outputNode), testOptions(), true)
	code, body := f.do(t, http.MethodGet, "/queue", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "completed successfully", body["STATUS"])
	assert.Equal(t, "ComfyUI_00001_.png", body["image_filename"])
	assert.Contains(t, body["image_url"], "/view?filename=ComfyUI_00001_.png")
	assert.Equal(t, "mock-prompt-1", body["prompt_id"])

	code, body = f.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", body["execution_status"])
}

func TestQueueAcceptsPost(t *testing.T) {
	f := newFixture(t, mock.NewBackend(outputNode), testOptions(), true)
	code, _ := f.do(t, http.MethodPost, "/queue", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestQueueNoImage(t *testing.T) {
	b := mock.NewBackend(outputNode)
	b.ImageAvailable = false
	f := newFixture(t, b, testOptions(), true)

	code, body := f.do(t, http.MethodGet, "/queue", "")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "completed but no image found", body["STATUS"])
	assert.Equal(t, "mock-prompt-1", body["prompt_id"])
}

func TestQueueExecutionError(t *testing.T) {
	b := mock.NewBackend(outputNode)
	b.Script = []mock.Step{
		mock.Event("execution_error", map[string]any{"node_id": "3", "exception_message": "out of memory"}),
	}
	f := newFixture(t, b, testOptions(), true)

	code, body := f.do(t, http.MethodGet, "/queue", "")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "generation failed - error", body["STATUS"])
	assert.Equal(t, "error", body["execution_status"])
	assert.Contains(t, body["error"], "out of memory")
}

func TestQueueRejectedWhileRunning(t *testing.T) {
	b := mock.NewBackend(outputNode)
	b.Script = []mock.Step{mock.Event("execution_success", nil).WithDelay(300 * time.Millisecond)}
	f := newFixture(t, b, testOptions(), true)
	done := f.holdRun(t)

	code, body := f.do(t, http.MethodGet, "/queue", "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Workflow is already running", body["STATUS"])

	code, body = f.do(t, http.MethodPost, "/update/text", `{"node_id": 6, "text": "x"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Cannot update text while workflow is running", body["STATUS"])

	code, body = f.do(t, http.MethodPost, "/update/image", `{"node_id": 10, "filename": "a.png"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Cannot update image while workflow is running", body["STATUS"])

	<-done
}

func TestQueueOverallTimeout(t *testing.T) {
	b := mock.NewBackend(outputNode)
	b.Script = []mock.Step{mock.Event("execution_success", nil).WithDelay(300 * time.Millisecond)}
	opts := testOptions()
	opts.OverallTimeout = 100 * time.Millisecond
	f := newFixture(t, b, opts, true)

	code, body := f.do(t, http.MethodGet, "/queue", "")
	assert.Equal(t, http.StatusRequestTimeout, code)
	assert.Equal(t, "workflow timeout - check /status for completion", body["STATUS"])
	assert.Equal(t, "mock-prompt-1", body["current_prompt_id"])

	assert.Eventually(t, func() bool {
		return f.orch.Snapshot().Status == orchestrator.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
}

func TestUpdateTextThenSubmit(t *testing.T) {
	f := newFixture(t, mock.NewBackend(outputNode), testOptions(), true)

	code, body := f.do(t, http.MethodPost, "/update/text", `{"node_id": 6, "text": "a red fox"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Updated text in node 6 successfully", body["STATUS"])

	code, _ = f.do(t, http.MethodGet, "/queue", "")
	require.Equal(t, http.StatusOK, code)

	prompts := f.backend.Prompts()
	require.Len(t, prompts, 1)
	doc, err := workflow.Parse(prompts[0])
	require.NoError(t, err)
	assert.Equal(t, "a red fox", doc["6"].Inputs["text"])
}

func TestUpdateTextKeepsNumber(t *testing.T) {
	f := newFixture(t, mock.NewBackend(outputNode), testOptions(), true)

	code, _ := f.do(t, http.MethodPost, "/update/text", `{"node_id": 6, "text": 7}`)
	require.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodGet, "/queue", "")
	require.Equal(t, http.StatusOK, code)

	prompts := f.backend.Prompts()
	require.Len(t, prompts, 1)
	doc, err := workflow.Parse(prompts[0])
	require.NoError(t, err)
	assert.Equal(t, json.Number("7"), doc["6"].Inputs["text"])
}

func TestUpdateTextValidation(t *testing.T) {
	f := newFixture(t, mock.NewBackend(outputNode), testOptions(), true)

	tests := []struct {
		name   string
		body   string
		code   int
		status string
	}{
		{"invalid json", `{not json`, http.StatusBadRequest, "Invalid JSON in request body"},
		{"array body", `[1,2]`, http.StatusBadRequest, "Invalid JSON in request body"},
		{"missing both", `{}`, http.StatusBadRequest, "Missing required fields: node_id, text"},
		{"empty text", `{"node_id": 6, "text": ""}`, http.StatusBadRequest, "Missing required fields: text"},
		{"non numeric id", `{"node_id": "abc", "text": "x"}`, http.StatusBadRequest, "Invalid node_id - must be a number"},
		{"fractional id", `{"node_id": 6.5, "text": "x"}`, http.StatusBadRequest, "Invalid node_id - must be a number"},
		{"string id", `{"node_id": "6", "text": "x"}`, http.StatusOK, "Updated text in node 6 successfully"},
		{"unknown node", `{"node_id": 99, "text": "x"}`, http.StatusNotFound, "Failed to update text in node 99"},
		{"no text field", `{"node_id": 9, "text": "x"}`, http.StatusNotFound, "Failed to update text in node 9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, http.MethodPost, "/update/text", tt.body)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.status, body["STATUS"])
		})
	}
}

func TestUpdateTextWithoutWorkflow(t *testing.T) {
	f := newFixture(t, mock.NewBackend(outputNode), testOptions(), false)
	code, body := f.do(t, http.MethodPost, "/update/text", `{"node_id": 6, "text": "x"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "No workflow loaded", body["STATUS"])
}

func TestUpdateImage(t *testing.T) {
	f := newFixture(t, mock.NewBackend(outputNode), testOptions(), true)

	code, body := f.do(t, http.MethodPost, "/update/image", `{"node_id": 10, "filename": "input.png"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Updated image in node 10 to input.png successfully", body["STATUS"])

	doc, err := f.store.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "input.png", doc["10"].Inputs["image"])

	code, body = f.do(t, http.MethodPost, "/update/image", `{"node_id": 6, "filename": "input.png"}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Failed to update image in node 6", body["STATUS"])

	code, body = f.do(t, http.MethodPost, "/update/image", `{"node_id": 10}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Missing required fields: filename", body["STATUS"])
}

func TestInterrupt(t *testing.T) {
	b := mock.NewBackend(outputNode)
	b.SetQueue([]string{"r1"}, []string{"p1"})
	f := newFixture(t, b, testOptions(), true)

	code, body := f.do(t, http.MethodPost, "/interrupt", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Interrupt request received, processing...", body["STATUS"])

	assert.Eventually(t, func() bool {
		return len(b.Deletes()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, b.Interrupts())
	assert.Equal(t, []string{"r1", "p1"}, b.Deletes()[0])
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, mock.NewBackend(outputNode), testOptions(), true)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/health"},
		{http.MethodPost, "/status"},
		{http.MethodDelete, "/queue"},
		{http.MethodGet, "/update/text"},
		{http.MethodGet, "/update/image"},
		{http.MethodGet, "/interrupt"},
	} {
		code, _ := f.do(t, tc.method, tc.path, "")
		assert.Equal(t, http.StatusMethodNotAllowed, code, "%s %s", tc.method, tc.path)
	}
}

func TestParseNodeID(t *testing.T) {
	tests := []struct {
		in   any
		want string
		ok   bool
	}{
		{json.Number("6"), "6", true},
		{"  12 ", "12", true},
		{"007", "7", true},
		{json.Number("1e3"), "", false},
		{"six", "", false},
		{true, "", false},
	}
	for _, tt := range tests {
		got, ok := parseNodeID(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseNodeID(%v) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
