package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/voxrelay/voxrelay/internal/store"
	"github.com/voxrelay/voxrelay/internal/task"
)

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID   string `json:"project_id"`
		InputType   string `json:"input_type"`
		RawText     string `json:"raw_text"`
		RawAudioURI string `json:"raw_audio_uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "request body must be a JSON object")
		return
	}
	if req.ProjectID == "" {
		badRequest(w, "field 'project_id' is required")
		return
	}
	inputType, ok := task.ParseInputType(req.InputType)
	if !ok {
		badRequest(w, "field 'input_type' must be one of: text, voice")
		return
	}
	if inputType == task.InputText && req.RawText == "" {
		badRequest(w, "field 'raw_text' is required for text tasks")
		return
	}
	if inputType == task.InputVoice && req.RawAudioURI == "" {
		badRequest(w, "field 'raw_audio_uri' is required for voice tasks")
		return
	}

	created, err := s.store.CreateTask(r.Context(), store.NewTask{
		ProjectID:   req.ProjectID,
		InputType:   inputType,
		RawText:     req.RawText,
		RawAudioURI: req.RawAudioURI,
	})
	if errors.Is(err, store.ErrNotFound) {
		notFound(w, "project not found")
		return
	}
	if err != nil {
		internalError(w, err.Error())
		return
	}

	if s.metrics != nil {
		s.metrics.TasksCreated.WithLabelValues(string(inputType)).Inc()
	}
	s.dispatcher.Enqueue(created.ID)

	writeJSON(w, http.StatusCreated, taskView(created))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	got, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		notFound(w, "task not found")
		return
	}
	if err != nil {
		internalError(w, err.Error())
		return
	}
	history, err := s.store.TaskHistory(r.Context(), id)
	if err != nil {
		internalError(w, err.Error())
		return
	}

	view := taskView(got)
	changes := make([]map[string]any, 0, len(history))
	for _, change := range history {
		var from any
		if change.From != nil {
			from = string(*change.From)
		}
		changes = append(changes, map[string]any{
			"from":       from,
			"to":         string(change.To),
			"changed_at": change.ChangedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	view["status_history"] = changes
	writeJSON(w, http.StatusOK, view)
}

var patchableTaskFields = map[string]bool{
	"status":          true,
	"transcript":      true,
	"refined_text":    true,
	"final_summary":   true,
	"final_audio_uri": true,
	"raw_audio_uri":   true,
	"failure_reason":  true,
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		badRequest(w, "request body must be a JSON object")
		return
	}

	var unknown []string
	for key := range payload {
		if !patchableTaskFields[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		badRequest(w, fmt.Sprintf("unknown fields: %s", strings.Join(unknown, ", ")))
		return
	}
	if len(payload) == 0 {
		badRequest(w, "no fields to update")
		return
	}

	var update store.TaskUpdate
	if raw, ok := payload["status"]; ok {
		str, ok := raw.(string)
		if !ok {
			badRequest(w, "field 'status' must be a string")
			return
		}
		status, ok := task.ParseStatus(str)
		if !ok {
			badRequest(w, fmt.Sprintf("unknown status %q", str))
			return
		}
		update.Status = &status
	}
	assignString := func(key string, dest **string) bool {
		raw, ok := payload[key]
		if !ok {
			return true
		}
		str, ok := raw.(string)
		if !ok {
			badRequest(w, fmt.Sprintf("field '%s' must be a string", key))
			return false
		}
		*dest = &str
		return true
	}
	if !assignString("transcript", &update.Transcript) ||
		!assignString("refined_text", &update.RefinedText) ||
		!assignString("final_summary", &update.FinalSummary) ||
		!assignString("final_audio_uri", &update.FinalAudioURI) ||
		!assignString("raw_audio_uri", &update.RawAudioURI) ||
		!assignString("failure_reason", &update.FailureReason) {
		return
	}

	updated, err := s.store.UpdateTask(r.Context(), id, update)
	if errors.Is(err, store.ErrNotFound) {
		notFound(w, "task not found")
		return
	}
	var invalid *task.InvalidTransitionError
	if errors.As(err, &invalid) {
		badRequest(w, invalid.Error())
		return
	}
	if err != nil {
		internalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, taskView(updated))
}

func taskView(t *task.Task) map[string]any {
	return map[string]any{
		"id":              t.ID,
		"project_id":      t.ProjectID,
		"input_type":      string(t.InputType),
		"raw_text":        stringOrNil(t.RawText),
		"raw_audio_uri":   stringOrNil(t.RawAudioURI),
		"transcript":      stringOrNil(t.Transcript),
		"refined_text":    stringOrNil(t.RefinedText),
		"status":          string(t.Status),
		"final_summary":   stringOrNil(t.FinalSummary),
		"final_audio_uri": stringOrNil(t.FinalAudioURI),
		"failure_reason":  stringOrNil(t.FailureReason),
		"created_at":      t.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":      t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}
