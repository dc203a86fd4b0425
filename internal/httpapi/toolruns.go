package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/voxrelay/voxrelay/internal/store"
	"github.com/voxrelay/voxrelay/internal/task"
)

type createToolRunRowRequest struct {
	TaskID     string          `json:"task_id"`
	ToolName   string          `json:"tool_name"`
	Status     string          `json:"status"`
	Input      json.RawMessage `json:"input"`
	Output     json.RawMessage `json:"output"`
	StartedAt  string          `json:"started_at"`
	FinishedAt string          `json:"finished_at"`
}

// handleCreateToolRunRow records a tool run row in the store. The
// supervisor's own runs live in its in-memory registry; this endpoint is
// the tracker-side ledger.
func (s *Server) handleCreateToolRunRow(w http.ResponseWriter, r *http.Request) {
	var req createToolRunRowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "request body must be a JSON object")
		return
	}
	if req.TaskID == "" {
		badRequest(w, "field 'task_id' is required")
		return
	}
	if strings.TrimSpace(req.ToolName) == "" {
		badRequest(w, "field 'tool_name' is required")
		return
	}

	status := task.RunQueued
	if req.Status != "" {
		parsed, ok := task.ParseRunStatus(req.Status)
		if !ok {
			badRequest(w, "field 'status' must be one of: QUEUED, RUNNING, SUCCEEDED, FAILED")
			return
		}
		status = parsed
	}

	var startedAt, finishedAt *time.Time
	var err error
	if startedAt, err = parseOptionalTime(req.StartedAt, "started_at"); err != nil {
		badRequest(w, err.Error())
		return
	}
	if finishedAt, err = parseOptionalTime(req.FinishedAt, "finished_at"); err != nil {
		badRequest(w, err.Error())
		return
	}

	if _, err := s.store.GetTask(r.Context(), req.TaskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			notFound(w, "task not found")
			return
		}
		internalError(w, err.Error())
		return
	}

	run, err := s.store.CreateToolRun(r.Context(), req.TaskID, strings.TrimSpace(req.ToolName), req.Input)
	if err != nil {
		internalError(w, err.Error())
		return
	}

	if status != task.RunQueued || req.Output != nil || startedAt != nil || finishedAt != nil {
		run, err = s.store.UpdateToolRun(r.Context(), run.ID, store.ToolRunUpdate{
			Status:     &status,
			Output:     req.Output,
			StartedAt:  startedAt,
			FinishedAt: finishedAt,
		})
		if err != nil {
			internalError(w, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":      run.ID,
		"task_id": run.TaskID,
		"status":  string(run.Status),
	})
}

func (s *Server) handleGetToolRunRow(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetToolRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		notFound(w, "tool run not found")
		return
	}
	if err != nil {
		internalError(w, err.Error())
		return
	}

	var input, output any
	if len(run.Input) > 0 {
		input = json.RawMessage(run.Input)
	}
	if len(run.Output) > 0 {
		output = json.RawMessage(run.Output)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          run.ID,
		"task_id":     run.TaskID,
		"tool_name":   run.ToolName,
		"status":      string(run.Status),
		"input":       input,
		"output":      output,
		"started_at":  timeOrNil(run.StartedAt),
		"finished_at": timeOrNil(run.FinishedAt),
		"created_at":  run.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":  run.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func parseOptionalTime(raw, field string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("field '%s' must be an RFC3339 timestamp", field)
	}
	return &t, nil
}
