// Package upstream holds HTTP clients for the collaborator services the
// pipeline calls between task stages.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/observability"
)

// StatusError reports a non-2xx response from a collaborator.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.StatusCode, e.Body)
}

// ToolResult is the response of a synchronous tool execution.
type ToolResult struct {
	// Raw is the full response body, persisted as the tool run output.
	Raw json.RawMessage

	ResultText string
	Stderr     string
}

// SummarizeRequest carries the inputs to the summarizer.
type SummarizeRequest struct {
	TaskID      string `json:"task_id"`
	RefinedText string `json:"refined_text"`
	ToolStdout  string `json:"tool_stdout"`
	ToolStderr  string `json:"tool_stderr"`
	// Mode is "audio" for voice tasks and "text" otherwise.
	Mode string `json:"mode"`
}

// Clients bundles the collaborator service clients behind one HTTP client
// and timeout.
type Clients struct {
	cfg        config.UpstreamsConfig
	httpClient *http.Client
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewClients builds the collaborator client set.
func NewClients(cfg config.UpstreamsConfig, logger *observability.Logger, metrics *observability.Metrics) *Clients {
	return &Clients{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout()},
		logger:     logger,
		metrics:    metrics,
	}
}

// Transcribe sends audio to the ASR service and returns the transcript.
func (c *Clients) Transcribe(ctx context.Context, audioURI string) (string, error) {
	if c.cfg.ASRBaseURL == "" {
		return "", fmt.Errorf("asr base URL not configured")
	}
	body, err := c.postJSON(ctx, "asr", c.cfg.ASRBaseURL+"/asr/transcribe", map[string]any{
		"audio_uri": audioURI,
	})
	if err != nil {
		return "", err
	}
	transcript := strings.TrimSpace(stringField(body, "transcript", "transcript_text"))
	if transcript == "" {
		return "", fmt.Errorf("asr returned empty transcript")
	}
	return transcript, nil
}

// Refine sends the input text to the refine service and returns the
// actionable rewrite.
func (c *Clients) Refine(ctx context.Context, text string) (string, error) {
	if c.cfg.RefineBaseURL == "" {
		return "", fmt.Errorf("refine base URL not configured")
	}
	body, err := c.postJSON(ctx, "refine", c.cfg.RefineBaseURL+"/refine", map[string]any{
		"text":     text,
		"projects": []any{},
	})
	if err != nil {
		return "", err
	}
	refined := strings.TrimSpace(stringField(body, "refined_text"))
	if refined == "" {
		return "", fmt.Errorf("refine returned empty refined_text")
	}
	return refined, nil
}

// RunTool executes the refined text synchronously on the tooler service.
func (c *Clients) RunTool(ctx context.Context, taskID, text string) (*ToolResult, error) {
	if c.cfg.ToolerBaseURL == "" {
		return nil, fmt.Errorf("tooler base URL not configured")
	}
	body, err := c.postJSON(ctx, "tooler", c.cfg.ToolerBaseURL+"/tooler/run", map[string]any{
		"task_id": taskID,
		"text":    text,
	})
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode tool output: %w", err)
	}
	return &ToolResult{
		Raw:        raw,
		ResultText: stringField(body, "result_text"),
		Stderr:     stringField(body, "stderr"),
	}, nil
}

// Summarize produces the final task summary.
func (c *Clients) Summarize(ctx context.Context, req SummarizeRequest) (string, error) {
	if c.cfg.SummarizeBaseURL == "" {
		return "", fmt.Errorf("summarize base URL not configured")
	}
	body, err := c.postJSON(ctx, "summarize", c.cfg.SummarizeBaseURL+"/summarize", req)
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(stringField(body, "summary_text", "summary"))
	if summary == "" {
		return "", fmt.Errorf("summarizer returned empty summary")
	}
	return summary, nil
}

// Synthesize renders the summary to speech and returns the audio URI.
func (c *Clients) Synthesize(ctx context.Context, taskID, text string) (string, error) {
	if c.cfg.TTSBaseURL == "" {
		return "", fmt.Errorf("tts base URL not configured")
	}
	body, err := c.postJSON(ctx, "tts", c.cfg.TTSBaseURL+"/tts/synthesize", map[string]any{
		"text":    text,
		"task_id": taskID,
	})
	if err != nil {
		return "", err
	}
	audioURI := strings.TrimSpace(stringField(body, "audio_uri"))
	if audioURI == "" {
		return "", fmt.Errorf("tts returned empty audio_uri")
	}
	return audioURI, nil
}

// postJSON sends a JSON payload and decodes a JSON object response. Non-2xx
// responses become a *StatusError.
func (c *Clients) postJSON(ctx context.Context, service, url string, payload any) (map[string]any, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", service, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", service, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if c.metrics != nil {
		c.metrics.UpstreamRequestDuration.WithLabelValues(service).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		c.countError(service)
		return nil, fmt.Errorf("call %s: %w", service, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.countError(service)
		return nil, fmt.Errorf("read %s response: %w", service, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.countError(service)
		return nil, &StatusError{Service: service, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		c.countError(service)
		return nil, fmt.Errorf("decode %s response: %w", service, err)
	}
	return body, nil
}

func (c *Clients) countError(service string) {
	if c.metrics != nil {
		c.metrics.UpstreamErrors.WithLabelValues(service).Inc()
	}
}

func stringField(body map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := body[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
