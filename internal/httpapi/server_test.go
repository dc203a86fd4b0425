package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/observability"
	"github.com/voxrelay/voxrelay/internal/store"
	"github.com/voxrelay/voxrelay/internal/tooler"
)

type recordingEnqueuer struct {
	ids []string
}

func (r *recordingEnqueuer) Enqueue(taskID string) {
	r.ids = append(r.ids, taskID)
}

type apiFixture struct {
	server   *httptest.Server
	store    *store.Store
	enqueued *recordingEnqueuer
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	st, err := store.Open("sqlite:///" + filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logger := observability.NewLogger(observability.LogConfig{Level: "error", Format: "text"})
	supervisor := tooler.NewSupervisor(config.ToolerConfig{
		ArtifactsDir: t.TempDir(),
		TailLines:    40,
		Codex:        config.CodexConfig{Mode: "readonly", Mock: true},
	}, logger, nil)

	enqueued := &recordingEnqueuer{}
	api := NewServer(st, enqueued, supervisor, logger, nil)
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)

	return &apiFixture{server: server, store: st, enqueued: enqueued}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (f *apiFixture) createProject(t *testing.T) string {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/projects", map[string]any{"name": "P"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: status %d (%v)", resp.StatusCode, body)
	}
	return body["id"].(string)
}

func (f *apiFixture) createTask(t *testing.T, projectID string) string {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/tasks", map[string]any{
		"project_id": projectID,
		"input_type": "text",
		"raw_text":   "Deploy v2",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task: status %d (%v)", resp.StatusCode, body)
	}
	return body["id"].(string)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["status"] != "ok" || body["service"] != "voxrelay" {
		t.Fatalf("unexpected health body %v", body)
	}
}

func TestCreateProjectValidation(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.do(t, http.MethodPost, "/projects", map[string]any{"name": "  "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["error"] != "bad_request" {
		t.Fatalf("unexpected error body %v", body)
	}
}

func TestCreateTaskEnqueuesForDispatch(t *testing.T) {
	f := newAPIFixture(t)
	projectID := f.createProject(t)
	taskID := f.createTask(t, projectID)

	if len(f.enqueued.ids) != 1 || f.enqueued.ids[0] != taskID {
		t.Fatalf("task not enqueued: %v", f.enqueued.ids)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	f := newAPIFixture(t)
	projectID := f.createProject(t)

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing project", map[string]any{"input_type": "text", "raw_text": "x"}, http.StatusBadRequest},
		{"bad input type", map[string]any{"project_id": projectID, "input_type": "video"}, http.StatusBadRequest},
		{"text without raw_text", map[string]any{"project_id": projectID, "input_type": "text"}, http.StatusBadRequest},
		{"voice without audio", map[string]any{"project_id": projectID, "input_type": "voice"}, http.StatusBadRequest},
		{"unknown project", map[string]any{"project_id": "nope", "input_type": "text", "raw_text": "x"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := f.do(t, http.MethodPost, "/tasks", tc.body)
			if resp.StatusCode != tc.want {
				t.Fatalf("status %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestGetTaskIncludesHistory(t *testing.T) {
	f := newAPIFixture(t)
	projectID := f.createProject(t)
	taskID := f.createTask(t, projectID)

	resp, body := f.do(t, http.MethodGet, "/tasks/"+taskID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	history, ok := body["status_history"].([]any)
	if !ok || len(history) != 1 {
		t.Fatalf("unexpected history %v", body["status_history"])
	}
	first := history[0].(map[string]any)
	if first["from"] != nil || first["to"] != "RECEIVED" {
		t.Fatalf("unexpected first history row %v", first)
	}
}

func TestPatchTaskRejectsUnknownFields(t *testing.T) {
	f := newAPIFixture(t)
	projectID := f.createProject(t)
	taskID := f.createTask(t, projectID)

	resp, body := f.do(t, http.MethodPatch, "/tasks/"+taskID, map[string]any{
		"status":   "ROUTED",
		"nickname": "speedy",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if !strings.Contains(body["message"].(string), "nickname") {
		t.Fatalf("message should name the unknown field: %v", body)
	}

	// The rejected PATCH must not mutate the task.
	resp, current := f.do(t, http.MethodGet, "/tasks/"+taskID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if current["status"] != "RECEIVED" {
		t.Fatalf("status mutated: %v", current["status"])
	}
}

func TestPatchTaskInvalidTransition(t *testing.T) {
	f := newAPIFixture(t)
	projectID := f.createProject(t)
	taskID := f.createTask(t, projectID)

	resp, body := f.do(t, http.MethodPatch, "/tasks/"+taskID, map[string]any{"status": "SUMMARIZING"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d (%v)", resp.StatusCode, body)
	}

	_, current := f.do(t, http.MethodGet, "/tasks/"+taskID, nil)
	history := current["status_history"].([]any)
	if len(history) != 1 {
		t.Fatalf("history grew on rejected transition: %d", len(history))
	}
}

func TestPatchTaskValidTransition(t *testing.T) {
	f := newAPIFixture(t)
	projectID := f.createProject(t)
	taskID := f.createTask(t, projectID)

	resp, body := f.do(t, http.MethodPatch, "/tasks/"+taskID, map[string]any{"status": "ROUTED"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d (%v)", resp.StatusCode, body)
	}
	if body["status"] != "ROUTED" {
		t.Fatalf("unexpected status %v", body["status"])
	}
}

func TestToolRunRowLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	projectID := f.createProject(t)
	taskID := f.createTask(t, projectID)

	resp, body := f.do(t, http.MethodPost, "/tool-runs", map[string]any{
		"task_id":   taskID,
		"tool_name": "tooler",
		"status":    "SUCCEEDED",
		"input":     map[string]any{"text": "deploy"},
		"output":    map[string]any{"exit_code": 0},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d (%v)", resp.StatusCode, body)
	}
	runID := body["id"].(string)
	if body["status"] != "SUCCEEDED" {
		t.Fatalf("unexpected status %v", body["status"])
	}

	resp, row := f.do(t, http.MethodGet, "/tool-runs/"+runID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if row["tool_name"] != "tooler" {
		t.Fatalf("unexpected row %v", row)
	}
	output := row["output"].(map[string]any)
	if output["exit_code"] != float64(0) {
		t.Fatalf("unexpected output %v", output)
	}

	resp, _ = f.do(t, http.MethodGet, "/tool-runs/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestToolRunRowValidation(t *testing.T) {
	f := newAPIFixture(t)
	projectID := f.createProject(t)
	taskID := f.createTask(t, projectID)

	resp, _ := f.do(t, http.MethodPost, "/tool-runs", map[string]any{"tool_name": "tooler"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing task_id: status %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/tool-runs", map[string]any{"task_id": taskID, "tool_name": "x", "status": "EXPLODED"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad status: status %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/tool-runs", map[string]any{"task_id": "nope", "tool_name": "x"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown task: status %d", resp.StatusCode)
	}
}

func TestToolerRunSyncDummy(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/tooler/run", map[string]any{
		"text":  "ship it",
		"input": map[string]any{"sleep_seconds": 0},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d (%v)", resp.StatusCode, body)
	}
	if body["tool"] != "dummy" {
		t.Fatalf("unexpected tool %v", body["tool"])
	}
	if !strings.Contains(body["result_text"].(string), "start: ship it") {
		t.Fatalf("text not forwarded as message: %v", body["result_text"])
	}
}

func TestToolerRunSyncUnknownTool(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.do(t, http.MethodPost, "/tooler/run", map[string]any{"tool_name": "nope"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if !strings.Contains(body["message"].(string), "dummy") {
		t.Fatalf("allowed tools not listed: %v", body)
	}
}

func TestToolerAsyncRunRoundTrip(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/tooler/tool-runs", map[string]any{
		"tool_name": "dummy",
		"input":     map[string]any{"message": "async check", "sleep_seconds": 0},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d (%v)", resp.StatusCode, body)
	}
	runID := body["tool_run_id"].(string)

	deadline := time.After(10 * time.Second)
	for {
		resp, view := f.do(t, http.MethodGet, "/tooler/tool-runs/"+runID, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status %d", resp.StatusCode)
		}
		if view["status"] == "SUCCEEDED" {
			if !strings.Contains(view["stdout_tail"].(string), "async check") {
				t.Fatalf("unexpected stdout tail %v", view["stdout_tail"])
			}
			artifacts := view["artifacts"].([]any)
			if len(artifacts) != 2 {
				t.Fatalf("expected 2 artifacts, got %v", artifacts)
			}
			break
		}
		if view["status"] == "FAILED" {
			t.Fatalf("run failed: %v", view["stderr_tail"])
		}
		select {
		case <-deadline:
			t.Fatalf("run never finished: %v", view["status"])
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestToolerAsyncStartupError(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/tooler/tool-runs", map[string]any{
		"tool_name": "git-autocommit",
		"input":     map[string]any{"workdir": t.TempDir()},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d (%v)", resp.StatusCode, body)
	}
	runID := body["tool_run_id"].(string)

	deadline := time.After(5 * time.Second)
	for {
		_, view := f.do(t, http.MethodGet, "/tooler/tool-runs/"+runID, nil)
		if view["status"] == "FAILED" {
			if !strings.Contains(view["stderr_tail"].(string), "not a git repository") {
				t.Fatalf("unexpected stderr tail %v", view["stderr_tail"])
			}
			if view["exit_code"] != float64(-1) {
				t.Fatalf("expected exit -1, got %v", view["exit_code"])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("run never failed: %v", view["status"])
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestUnknownTaskReturns404Body(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.do(t, http.MethodGet, fmt.Sprintf("/tasks/%s", "does-not-exist"), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["error"] != "not_found" {
		t.Fatalf("unexpected body %v", body)
	}
}
