package tooler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/observability"
	"github.com/voxrelay/voxrelay/internal/task"
)

// startGrace is how long Start waits for the watcher to populate the pid
// before returning to the caller.
const startGrace = 50 * time.Millisecond

const callbackTimeout = 5 * time.Second

// Run is the in-memory record of one supervised tool process. Fields are
// guarded by the supervisor mutex.
type Run struct {
	ID       string
	ToolName string
	Status   task.RunStatus

	StdoutPath string
	StderrPath string
	Artifacts  []string

	CallbackURL  string
	CallbackSent bool

	PID      int
	ExitCode *int

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time

	StartupError string
	Branch       string
	CommitHash   string
}

// RunView is a consistent copy of a run for handlers and callbacks.
type RunView struct {
	ID           string
	ToolName     string
	Status       task.RunStatus
	Artifacts    []string
	PID          int
	ExitCode     *int
	StartedAt    *time.Time
	FinishedAt   *time.Time
	Branch       string
	CommitHash   string
	StdoutTail   string
	StderrTail   string
	CallbackSent bool
}

// Supervisor owns the adapter registry and the set of live tool runs.
type Supervisor struct {
	cfg      config.ToolerConfig
	registry *Registry
	logger   *observability.Logger
	metrics  *observability.Metrics

	httpClient *http.Client

	mu   sync.Mutex
	runs map[string]*Run
}

// NewSupervisor builds a supervisor over the built-in adapter registry.
func NewSupervisor(cfg config.ToolerConfig, logger *observability.Logger, metrics *observability.Metrics) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		registry:   NewRegistry(cfg),
		logger:     logger,
		metrics:    metrics,
		httpClient: &http.Client{Timeout: callbackTimeout},
		runs:       map[string]*Run{},
	}
}

// Registry exposes the adapter registry for the synchronous path.
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Start resolves the adapter, allocates the run and its artifacts
// directory, and launches the watcher. It returns shortly after launch so
// the response can usually carry a pid.
func (s *Supervisor) Start(ctx context.Context, toolName string, input map[string]any, callbackURL string) (RunView, error) {
	spec, err := s.registry.Resolve(toolName, input)
	if err != nil {
		return RunView{}, err
	}

	runID := uuid.NewString()
	runDir := filepath.Join(s.cfg.ArtifactsDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return RunView{}, fmt.Errorf("create artifacts directory: %w", err)
	}

	stdoutPath := filepath.Join(runDir, "stdout.log")
	stderrPath := filepath.Join(runDir, "stderr.log")

	run := &Run{
		ID:           runID,
		ToolName:     toolName,
		Status:       task.RunQueued,
		StdoutPath:   stdoutPath,
		StderrPath:   stderrPath,
		Artifacts:    []string{stdoutPath, stderrPath},
		CallbackURL:  callbackURL,
		CreatedAt:    time.Now().UTC(),
		StartupError: spec.StartupError,
	}

	s.mu.Lock()
	s.runs[runID] = run
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ToolRunsStarted.WithLabelValues(toolName).Inc()
	}

	go s.watch(runID, spec.Argv)

	time.Sleep(startGrace)
	view, _ := s.Get(ctx, runID)
	return view, nil
}

// Get returns a view of the run, retrying the completion callback when a
// finished run still has it pending.
func (s *Supervisor) Get(ctx context.Context, runID string) (RunView, bool) {
	s.mu.Lock()
	run, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return RunView{}, false
	}
	view := s.snapshotLocked(run)
	s.mu.Unlock()

	if terminalRunStatus(view.Status) && !view.CallbackSent && run.CallbackURL != "" {
		s.sendCallback(ctx, runID)
		s.mu.Lock()
		view = s.snapshotLocked(run)
		s.mu.Unlock()
	}
	return view, true
}

func (s *Supervisor) snapshotLocked(run *Run) RunView {
	view := RunView{
		ID:           run.ID,
		ToolName:     run.ToolName,
		Status:       run.Status,
		Artifacts:    append([]string{}, run.Artifacts...),
		PID:          run.PID,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		Branch:       run.Branch,
		CommitHash:   run.CommitHash,
		CallbackSent: run.CallbackSent,
	}
	if run.ExitCode != nil {
		code := *run.ExitCode
		view.ExitCode = &code
	}
	view.StdoutTail = TailLines(run.StdoutPath, s.cfg.TailLines)
	view.StderrTail = TailLines(run.StderrPath, s.cfg.TailLines)
	return view
}

// watch drives one run from RUNNING to a terminal status.
func (s *Supervisor) watch(runID string, argv []string) {
	ctx := observability.WithToolRunID(context.Background(), runID)
	start := time.Now()

	s.mu.Lock()
	run, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	run.Status = task.RunRunning
	run.StartedAt = &now
	startupError := run.StartupError
	toolName := run.ToolName
	stdoutPath := run.StdoutPath
	stderrPath := run.StderrPath
	s.mu.Unlock()

	fail := func(message string) {
		s.writeStderr(ctx, stderrPath, message)
		s.finalize(ctx, runID, -1, start)
	}

	if startupError != "" {
		fail(startupError)
		return
	}
	if len(argv) == 0 {
		fail("tool command is not configured")
		return
	}

	credential, err := s.resolveCredential()
	if err != nil {
		fail(err.Error())
		return
	}

	stdoutFile, err := os.Create(stdoutPath)
	if err != nil {
		fail(fmt.Sprintf("failed to open stdout file: %v", err))
		return
	}
	defer stdoutFile.Close()
	stderrFile, err := os.Create(stderrPath)
	if err != nil {
		fail(fmt.Sprintf("failed to open stderr file: %v", err))
		return
	}
	defer stderrFile.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = s.processEnv()
	if credential != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: credential}
	}

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(stderrFile, "failed to start process: %v\n", err)
		s.finalize(ctx, runID, -1, start)
		return
	}

	s.mu.Lock()
	run.PID = cmd.Process.Pid
	s.mu.Unlock()

	err = cmd.Wait()
	exitCode := cmd.ProcessState.ExitCode()
	if err != nil && exitCode < 0 {
		exitCode = -1
	}

	if toolName == "git-autocommit" {
		s.extractRunMarkers(runID, stdoutPath)
	}
	s.finalize(ctx, runID, exitCode, start)
}

// finalize records the terminal status and fires the callback once.
func (s *Supervisor) finalize(ctx context.Context, runID string, exitCode int, start time.Time) {
	s.mu.Lock()
	run, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	run.ExitCode = &exitCode
	run.FinishedAt = &now
	if exitCode == 0 {
		run.Status = task.RunSucceeded
	} else {
		run.Status = task.RunFailed
	}
	toolName := run.ToolName
	status := run.Status
	hasCallback := run.CallbackURL != ""
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ToolRunsFinished.WithLabelValues(toolName, string(status)).Inc()
		s.metrics.ToolRunDuration.WithLabelValues(toolName).Observe(time.Since(start).Seconds())
	}
	s.logger.Info(ctx, "tool run finished",
		"tool_name", toolName,
		"status", string(status),
		"exit_code", exitCode)

	if hasCallback {
		s.sendCallback(ctx, runID)
	}
}

// extractRunMarkers pulls branch and commit markers out of stdout and
// appends them to the artifacts list.
func (s *Supervisor) extractRunMarkers(runID, stdoutPath string) {
	data, err := os.ReadFile(stdoutPath)
	if err != nil {
		return
	}
	branch, commitHash, _ := ExtractMarkers(string(data))

	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return
	}
	run.Branch = branch
	run.CommitHash = commitHash
	if branch != "" {
		appendUnique(&run.Artifacts, "branch:"+branch)
	}
	if commitHash != "" {
		appendUnique(&run.Artifacts, "commit_hash:"+commitHash)
	}
}

// sendCallback posts the completion payload. It is idempotent: once the
// callback succeeds the sent flag blocks further attempts.
func (s *Supervisor) sendCallback(ctx context.Context, runID string) {
	s.mu.Lock()
	run, ok := s.runs[runID]
	if !ok || run.CallbackURL == "" || run.CallbackSent {
		s.mu.Unlock()
		return
	}
	payload := map[string]any{
		"tool_run_id": run.ID,
		"status":      string(run.Status),
		"pid":         run.PID,
		"exit_code":   nil,
		"artifacts":   append([]string{}, run.Artifacts...),
	}
	if run.ExitCode != nil {
		payload["exit_code"] = *run.ExitCode
	}
	callbackURL := run.CallbackURL
	s.mu.Unlock()

	encoded, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn(ctx, "encode tool callback", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(encoded))
	if err != nil {
		s.logger.Warn(ctx, "build tool callback request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn(ctx, "tool callback failed", "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 400 {
		s.logger.Warn(ctx, "tool callback rejected", "status", resp.StatusCode)
		return
	}

	s.mu.Lock()
	run.CallbackSent = true
	s.mu.Unlock()
}

// resolveCredential maps the configured run_as_user to process credentials.
func (s *Supervisor) resolveCredential() (*syscall.Credential, error) {
	if s.cfg.RunAsUser == "" {
		return nil, nil
	}
	u, err := user.Lookup(s.cfg.RunAsUser)
	if err != nil {
		return nil, fmt.Errorf("configured unix user %q does not exist", s.cfg.RunAsUser)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse uid for %q: %w", s.cfg.RunAsUser, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse gid for %q: %w", s.cfg.RunAsUser, err)
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

// processEnv is the inherited environment plus the codex home override.
func (s *Supervisor) processEnv() []string {
	env := os.Environ()
	if s.cfg.Codex.Home != "" {
		env = append(env, "CODEX_HOME="+s.cfg.Codex.Home)
	}
	return env
}

func (s *Supervisor) writeStderr(ctx context.Context, path, message string) {
	if err := os.WriteFile(path, []byte(message+"\n"), 0o644); err != nil {
		s.logger.Warn(ctx, "write stderr artifact", "error", err)
	}
}

func terminalRunStatus(status task.RunStatus) bool {
	return status == task.RunSucceeded || status == task.RunFailed
}

func appendUnique(list *[]string, value string) {
	for _, existing := range *list {
		if existing == value {
			return
		}
	}
	*list = append(*list, value)
}
