package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Format: "text"})
}

func clientsFor(serverURL string) *Clients {
	return NewClients(config.UpstreamsConfig{
		ASRBaseURL:       serverURL,
		RefineBaseURL:    serverURL,
		SummarizeBaseURL: serverURL,
		TTSBaseURL:       serverURL,
		ToolerBaseURL:    serverURL,
		TimeoutSeconds:   5,
	}, testLogger(), nil)
}

func TestTranscribe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/asr/transcribe" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["audio_uri"] != "file:///tmp/a.wav" {
			t.Errorf("unexpected audio_uri %v", req["audio_uri"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"transcript": "  buy milk  "})
	}))
	defer server.Close()

	got, err := clientsFor(server.URL).Transcribe(context.Background(), "file:///tmp/a.wav")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if got != "buy milk" {
		t.Fatalf("transcript not trimmed: %q", got)
	}
}

func TestTranscribeEmptyTranscript(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"transcript": "   "})
	}))
	defer server.Close()

	if _, err := clientsFor(server.URL).Transcribe(context.Background(), "file:///x.wav"); err == nil {
		t.Fatal("expected error for empty transcript")
	}
}

func TestRefineSendsProjectsList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if _, ok := req["projects"].([]any); !ok {
			t.Errorf("projects key missing or wrong type: %v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"refined_text": "Send the Q3 report"})
	}))
	defer server.Close()

	got, err := clientsFor(server.URL).Refine(context.Background(), "send report")
	if err != nil {
		t.Fatalf("refine: %v", err)
	}
	if got != "Send the Q3 report" {
		t.Fatalf("unexpected refined text %q", got)
	}
}

func TestRunToolCapturesRawOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tooler/run" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result_text": "done",
			"stderr":      "",
			"exit_code":   0,
		})
	}))
	defer server.Close()

	result, err := clientsFor(server.URL).RunTool(context.Background(), "task-1", "refined")
	if err != nil {
		t.Fatalf("run tool: %v", err)
	}
	if result.ResultText != "done" {
		t.Fatalf("unexpected result_text %q", result.ResultText)
	}
	var raw map[string]any
	if err := json.Unmarshal(result.Raw, &raw); err != nil {
		t.Fatalf("raw output not JSON: %v", err)
	}
	if raw["exit_code"] != float64(0) {
		t.Fatalf("raw output missing exit_code: %v", raw)
	}
}

func TestRunToolStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "bad_gateway", "message": "exit 1"})
	}))
	defer server.Close()

	_, err := clientsFor(server.URL).RunTool(context.Background(), "task-1", "refined")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("unexpected status %d", statusErr.StatusCode)
	}
}

func TestSummarizeAcceptsLegacyKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SummarizeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Mode != "audio" {
			t.Errorf("unexpected mode %q", req.Mode)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"summary": "short version"})
	}))
	defer server.Close()

	got, err := clientsFor(server.URL).Summarize(context.Background(), SummarizeRequest{
		TaskID: "task-1", RefinedText: "x", Mode: "audio",
	})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if got != "short version" {
		t.Fatalf("unexpected summary %q", got)
	}
}

func TestSynthesize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"audio_uri": "file:///out/summary.wav"})
	}))
	defer server.Close()

	got, err := clientsFor(server.URL).Synthesize(context.Background(), "task-1", "summary")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if got != "file:///out/summary.wav" {
		t.Fatalf("unexpected uri %q", got)
	}
}

func TestUnconfiguredBaseURL(t *testing.T) {
	c := NewClients(config.UpstreamsConfig{TimeoutSeconds: 5}, testLogger(), nil)
	if _, err := c.Transcribe(context.Background(), "x"); err == nil {
		t.Fatal("expected error without asr base URL")
	}
	if _, err := c.Refine(context.Background(), "x"); err == nil {
		t.Fatal("expected error without refine base URL")
	}
}

func TestNotifierRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier(config.BotConfig{
		CallbackURL:    server.URL,
		TimeoutSeconds: 5,
		MaxAttempts:    5,
	}, testLogger(), nil)

	err := n.NotifyDelivered(context.Background(), DeliveryNotice{TaskID: "task-1", Status: "DELIVERED", Summary: "done"})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestNotifierSendsAudioURIKeyForTextTasks(t *testing.T) {
	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewNotifier(config.BotConfig{
		CallbackURL:    server.URL,
		TimeoutSeconds: 5,
		MaxAttempts:    1,
	}, testLogger(), nil)

	err := n.NotifyDelivered(context.Background(), DeliveryNotice{TaskID: "task-1", Status: "DELIVERED", Summary: "done"})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if _, ok := payload["audio_uri"]; !ok {
		t.Fatalf("audio_uri key missing from notice: %v", payload)
	}
}

func TestNotifierGivesUpOnClientError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	n := NewNotifier(config.BotConfig{
		CallbackURL:    server.URL,
		TimeoutSeconds: 5,
		MaxAttempts:    5,
	}, testLogger(), nil)

	if err := n.NotifyDelivered(context.Background(), DeliveryNotice{TaskID: "t"}); err == nil {
		t.Fatal("expected error for 404 callback")
	}
	if calls.Load() != 1 {
		t.Fatalf("client error should not retry, got %d calls", calls.Load())
	}
}

func TestNotifierDisabled(t *testing.T) {
	n := NewNotifier(config.BotConfig{TimeoutSeconds: 5, MaxAttempts: 3}, testLogger(), nil)
	if n.Enabled() {
		t.Fatal("notifier without URL should be disabled")
	}
	if err := n.NotifyDelivered(context.Background(), DeliveryNotice{TaskID: "t"}); err != nil {
		t.Fatalf("disabled notifier should no-op, got %v", err)
	}
}
