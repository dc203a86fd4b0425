// Package task defines the tracker's domain model: projects, tasks,
// tool runs, and the task status state machine.
package task

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusReceived      Status = "RECEIVED"
	StatusRouted        Status = "ROUTED"
	StatusTranscribing  Status = "TRANSCRIBING"
	StatusRefining      Status = "REFINING"
	StatusToolQueued    Status = "TOOL_QUEUED"
	StatusToolRunning   Status = "TOOL_RUNNING"
	StatusSummarizing   Status = "SUMMARIZING"
	StatusTTSGenerating Status = "TTS_GENERATING"
	StatusDelivered     Status = "DELIVERED"
	StatusFailed        Status = "FAILED"
)

// AllStatuses lists every valid task status in pipeline order.
var AllStatuses = []Status{
	StatusReceived,
	StatusRouted,
	StatusTranscribing,
	StatusRefining,
	StatusToolQueued,
	StatusToolRunning,
	StatusSummarizing,
	StatusTTSGenerating,
	StatusDelivered,
	StatusFailed,
}

// ParseStatus returns the Status for raw, or false if raw is not a known status.
func ParseStatus(raw string) (Status, bool) {
	for _, s := range AllStatuses {
		if string(s) == raw {
			return s, true
		}
	}
	return "", false
}

// InputType distinguishes text tasks from voice tasks.
type InputType string

const (
	InputText  InputType = "text"
	InputVoice InputType = "voice"
)

// ParseInputType returns the InputType for raw, or false if unknown.
func ParseInputType(raw string) (InputType, bool) {
	switch InputType(raw) {
	case InputText, InputVoice:
		return InputType(raw), true
	}
	return "", false
}

// MaxFailureReasonLen bounds the persisted failure_reason column.
const MaxFailureReasonLen = 500

// TruncateFailureReason clamps reason to MaxFailureReasonLen characters.
func TruncateFailureReason(reason string) string {
	runes := []rune(reason)
	if len(runes) <= MaxFailureReasonLen {
		return reason
	}
	return string(runes[:MaxFailureReasonLen])
}

// Project is the referential parent of tasks. Immutable after creation
// except for Metadata.
type Project struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Task is one user request traversing the pipeline.
type Task struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	InputType     InputType `json:"input_type"`
	RawText       string    `json:"raw_text,omitempty"`
	RawAudioURI   string    `json:"raw_audio_uri,omitempty"`
	Transcript    string    `json:"transcript,omitempty"`
	RefinedText   string    `json:"refined_text,omitempty"`
	Status        Status    `json:"status"`
	FinalSummary  string    `json:"final_summary,omitempty"`
	FinalAudioURI string    `json:"final_audio_uri,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// StatusChange is one row of the append-only status history. From is nil
// for the synthetic creation row.
type StatusChange struct {
	ID        string    `json:"-"`
	TaskID    string    `json:"-"`
	From      *Status   `json:"from"`
	To        Status    `json:"to"`
	ChangedAt time.Time `json:"changed_at"`
}

// RunStatus represents the lifecycle state of a tool run.
type RunStatus string

const (
	RunQueued    RunStatus = "QUEUED"
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
)

// AllRunStatuses lists every valid tool run status.
var AllRunStatuses = []RunStatus{RunQueued, RunRunning, RunSucceeded, RunFailed}

// ParseRunStatus returns the RunStatus for raw, or false if unknown.
func ParseRunStatus(raw string) (RunStatus, bool) {
	for _, s := range AllRunStatuses {
		if string(s) == raw {
			return s, true
		}
	}
	return "", false
}

// ToolRun is the tracker's durable record of one tool execution.
type ToolRun struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	ToolName   string          `json:"tool_name"`
	Status     RunStatus       `json:"status"`
	Input      json.RawMessage `json:"input"`
	Output     json.RawMessage `json:"output"`
	StartedAt  *time.Time      `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
