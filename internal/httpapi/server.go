// Package httpapi exposes the tracker and tool supervisor over HTTP.
// Handlers validate strictly and never call collaborators themselves; all
// upstream I/O belongs to the dispatcher and the supervisor.
package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxrelay/voxrelay/internal/observability"
	"github.com/voxrelay/voxrelay/internal/store"
	"github.com/voxrelay/voxrelay/internal/tooler"
)

const serviceName = "voxrelay"

// Enqueuer hands accepted task ids to the dispatch worker.
type Enqueuer interface {
	Enqueue(taskID string)
}

// Server wires the HTTP routes to the store, dispatcher, and supervisor.
type Server struct {
	store      *store.Store
	dispatcher Enqueuer
	supervisor *tooler.Supervisor
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewServer builds the API server.
func NewServer(st *store.Store, dispatcher Enqueuer, supervisor *tooler.Supervisor, logger *observability.Logger, metrics *observability.Metrics) *Server {
	return &Server{
		store:      st,
		dispatcher: dispatcher,
		supervisor: supervisor,
		logger:     logger,
		metrics:    metrics,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /projects", s.handleCreateProject)
	mux.HandleFunc("GET /projects", s.handleListProjects)

	mux.HandleFunc("POST /tasks", s.handleCreateTask)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("PATCH /tasks/{id}", s.handleUpdateTask)

	mux.HandleFunc("POST /tool-runs", s.handleCreateToolRunRow)
	mux.HandleFunc("GET /tool-runs/{id}", s.handleGetToolRunRow)

	mux.HandleFunc("POST /tooler/run", s.handleToolerRunSync)
	mux.HandleFunc("POST /tooler/tool-runs", s.handleToolerStart)
	mux.HandleFunc("GET /tooler/tool-runs/{id}", s.handleToolerGet)

	return s.instrument(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": serviceName})
}

// instrument records request counts and latencies per route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		s.metrics.HTTPRequests.WithLabelValues(r.Method, pattern, strconv.Itoa(recorder.status)).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
