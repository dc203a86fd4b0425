package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/voxrelay/voxrelay/internal/tooler"
)

type toolerRunRequest struct {
	ToolName string         `json:"tool_name"`
	Text     string         `json:"text"`
	Input    map[string]any `json:"input"`
}

// handleToolerRunSync executes a tool inline and returns its output. The
// dispatcher drives the pipeline's tool stage through this endpoint.
func (s *Server) handleToolerRunSync(w http.ResponseWriter, r *http.Request) {
	var req toolerRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "request body must be a JSON object")
		return
	}

	toolName := strings.TrimSpace(req.ToolName)
	if toolName == "" {
		toolName = "dummy"
	}
	input := req.Input
	if input == nil {
		input = map[string]any{}
	}
	if text := strings.TrimSpace(req.Text); text != "" {
		if _, ok := input["message"]; !ok {
			input["message"] = text
		}
	}

	result, err := s.supervisor.RunSync(r.Context(), toolName, input)
	if err != nil {
		var badReq *tooler.BadRequestError
		if errors.As(err, &badReq) {
			badRequest(w, badReq.Message)
			return
		}
		var execErr *tooler.ExecError
		if errors.As(err, &execErr) {
			internalError(w, execErr.Detail)
			return
		}
		internalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type toolerStartRequest struct {
	ToolName    string         `json:"tool_name"`
	Input       map[string]any `json:"input"`
	CallbackURL string         `json:"callback_url"`
}

func (s *Server) handleToolerStart(w http.ResponseWriter, r *http.Request) {
	var req toolerStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "request body must be a JSON object")
		return
	}
	if strings.TrimSpace(req.ToolName) == "" {
		badRequest(w, "field 'tool_name' is required")
		return
	}

	view, err := s.supervisor.Start(r.Context(), strings.TrimSpace(req.ToolName), req.Input, strings.TrimSpace(req.CallbackURL))
	if err != nil {
		var badReq *tooler.BadRequestError
		if errors.As(err, &badReq) {
			badRequest(w, badReq.Message)
			return
		}
		internalError(w, err.Error())
		return
	}

	var pid any
	if view.PID != 0 {
		pid = view.PID
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"tool_run_id": view.ID,
		"pid":         pid,
		"status":      string(view.Status),
	})
}

func (s *Server) handleToolerGet(w http.ResponseWriter, r *http.Request) {
	view, ok := s.supervisor.Get(r.Context(), r.PathValue("id"))
	if !ok {
		notFound(w, "tool run not found")
		return
	}

	var pid, exitCode any
	if view.PID != 0 {
		pid = view.PID
	}
	if view.ExitCode != nil {
		exitCode = *view.ExitCode
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tool_run_id": view.ID,
		"status":      string(view.Status),
		"stdout_tail": view.StdoutTail,
		"stderr_tail": view.StderrTail,
		"artifacts":   view.Artifacts,
		"pid":         pid,
		"exit_code":   exitCode,
		"started_at":  timeOrNil(view.StartedAt),
		"finished_at": timeOrNil(view.FinishedAt),
		"branch":      stringOrNil(view.Branch),
		"commit_hash": stringOrNil(view.CommitHash),
	})
}
