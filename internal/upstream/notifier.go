package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/observability"
	"github.com/voxrelay/voxrelay/internal/retry"
)

// DeliveryNotice is the payload posted to the bot callback when a task
// reaches DELIVERED. The audio_uri key is always present; text tasks
// send it empty.
type DeliveryNotice struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Summary  string `json:"summary"`
	AudioURI string `json:"audio_uri"`
}

// Notifier posts delivery notices to the chat surface. Delivery is best
// effort: a task stays DELIVERED even when every attempt fails.
type Notifier struct {
	cfg        config.BotConfig
	httpClient *http.Client
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewNotifier builds a notifier from bot config. A notifier with an empty
// callback URL is valid and silently drops notices.
func NewNotifier(cfg config.BotConfig, logger *observability.Logger, metrics *observability.Metrics) *Notifier {
	return &Notifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout()},
		logger:     logger,
		metrics:    metrics,
	}
}

// Enabled reports whether a callback URL is configured.
func (n *Notifier) Enabled() bool {
	return n.cfg.CallbackURL != ""
}

// NotifyDelivered posts the notice, retrying transient failures with
// exponential backoff. The returned error is informational; callers log it
// and move on.
func (n *Notifier) NotifyDelivered(ctx context.Context, notice DeliveryNotice) error {
	if !n.Enabled() {
		return nil
	}

	encoded, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("encode delivery notice: %w", err)
	}

	result := retry.Do(ctx, retry.Exponential(n.cfg.MaxAttempts, 200*time.Millisecond, 2*time.Second), func() error {
		return n.post(ctx, encoded)
	})
	if result.Err != nil {
		if n.metrics != nil {
			n.metrics.UpstreamErrors.WithLabelValues("bot").Inc()
		}
		n.logger.Warn(ctx, "bot callback failed",
			"task_id", notice.TaskID,
			"attempts", result.Attempts,
			"error", result.Err)
		return fmt.Errorf("bot callback after %d attempts: %w", result.Attempts, result.Err)
	}
	return nil
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build callback request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		// Client errors will not heal on retry.
		return retry.Permanent(fmt.Errorf("callback returned status %d", resp.StatusCode))
	}
	return nil
}
