package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the counters and histograms exposed on /metrics.
//
// Tracked concerns:
//   - Task intake and terminal outcomes
//   - Pipeline stage latency and queue depth
//   - Tool run launches, outcomes, and durations
//   - Upstream collaborator call latency and failures
//   - HTTP API request rates
type Metrics struct {
	// TasksCreated counts accepted tasks.
	// Labels: input_type (text|voice)
	TasksCreated *prometheus.CounterVec

	// TasksCompleted counts tasks reaching a terminal state.
	// Labels: outcome (delivered|failed)
	TasksCompleted *prometheus.CounterVec

	// TaskPipelineDuration measures end-to-end pipeline time in seconds.
	// Labels: outcome (delivered|failed)
	TaskPipelineDuration *prometheus.HistogramVec

	// QueueDepth is the number of task ids waiting for the dispatch worker.
	QueueDepth prometheus.Gauge

	// ToolRunsStarted counts tool process launches.
	// Labels: tool_name
	ToolRunsStarted *prometheus.CounterVec

	// ToolRunsFinished counts finished tool runs.
	// Labels: tool_name, status (SUCCEEDED|FAILED)
	ToolRunsFinished *prometheus.CounterVec

	// ToolRunDuration measures tool process runtime in seconds.
	// Labels: tool_name
	ToolRunDuration *prometheus.HistogramVec

	// UpstreamRequestDuration measures collaborator call latency in seconds.
	// Labels: service (asr|refine|summarize|tts|tooler|bot)
	UpstreamRequestDuration *prometheus.HistogramVec

	// UpstreamErrors counts failed collaborator calls.
	// Labels: service
	UpstreamErrors *prometheus.CounterVec

	// HTTPRequests counts API requests.
	// Labels: method, path, status_code
	HTTPRequests *prometheus.CounterVec

	// HTTPRequestDuration measures API request latency in seconds.
	// Labels: method, path
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the full metric set against the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests use a private
// registry so parallel packages do not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TasksCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxrelay_tasks_created_total",
				Help: "Total tasks accepted by the tracker.",
			},
			[]string{"input_type"},
		),
		TasksCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxrelay_tasks_completed_total",
				Help: "Total tasks that reached a terminal state.",
			},
			[]string{"outcome"},
		),
		TaskPipelineDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voxrelay_task_pipeline_duration_seconds",
				Help:    "End-to-end pipeline duration per task.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"outcome"},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "voxrelay_dispatch_queue_depth",
				Help: "Task ids waiting for the dispatch worker.",
			},
		),
		ToolRunsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxrelay_tool_runs_started_total",
				Help: "Tool processes launched by the supervisor.",
			},
			[]string{"tool_name"},
		),
		ToolRunsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxrelay_tool_runs_finished_total",
				Help: "Tool runs that reached a terminal status.",
			},
			[]string{"tool_name", "status"},
		),
		ToolRunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voxrelay_tool_run_duration_seconds",
				Help:    "Wall-clock runtime of tool processes.",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
			},
			[]string{"tool_name"},
		),
		UpstreamRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voxrelay_upstream_request_duration_seconds",
				Help:    "Latency of collaborator service calls.",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 20},
			},
			[]string{"service"},
		),
		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxrelay_upstream_errors_total",
				Help: "Failed collaborator service calls.",
			},
			[]string{"service"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxrelay_http_requests_total",
				Help: "HTTP API requests by route and status.",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voxrelay_http_request_duration_seconds",
				Help:    "HTTP API request latency.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path"},
		),
	}
}
