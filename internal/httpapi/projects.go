package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/voxrelay/voxrelay/internal/task"
)

type createProjectRequest struct {
	Name     string          `json:"name"`
	Metadata json.RawMessage `json:"metadata"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "request body must be a JSON object")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		badRequest(w, "field 'name' is required")
		return
	}

	project, err := s.store.CreateProject(r.Context(), strings.TrimSpace(req.Name), req.Metadata)
	if err != nil {
		internalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, projectView(project))
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		internalError(w, err.Error())
		return
	}
	views := make([]map[string]any, 0, len(projects))
	for _, project := range projects {
		views = append(views, projectView(project))
	}
	writeJSON(w, http.StatusOK, views)
}

func projectView(p *task.Project) map[string]any {
	var metadata any
	if len(p.Metadata) > 0 {
		metadata = json.RawMessage(p.Metadata)
	}
	return map[string]any{
		"id":         p.ID,
		"name":       p.Name,
		"metadata":   metadata,
		"created_at": p.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}
