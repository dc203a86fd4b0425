// Package pipeline drives tasks through the processing stages. A single
// background worker consumes a process-wide FIFO queue of task ids and
// performs the stage walk for each, calling out to the collaborator
// services between store transitions.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/voxrelay/voxrelay/internal/observability"
	"github.com/voxrelay/voxrelay/internal/store"
	"github.com/voxrelay/voxrelay/internal/task"
	"github.com/voxrelay/voxrelay/internal/upstream"
)

// Dispatcher owns the task queue and the single dispatch worker.
type Dispatcher struct {
	store    *store.Store
	clients  *upstream.Clients
	notifier *upstream.Notifier
	logger   *observability.Logger
	metrics  *observability.Metrics

	mu       sync.Mutex
	queue    []string
	inFlight string
	wake     chan struct{}

	cron *cron.Cron
}

// New builds a dispatcher. Run must be called to start processing.
func New(st *store.Store, clients *upstream.Clients, notifier *upstream.Notifier, logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		store:    st,
		clients:  clients,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue appends a task id to the FIFO queue and wakes the worker.
func (d *Dispatcher) Enqueue(taskID string) {
	d.mu.Lock()
	d.queue = append(d.queue, taskID)
	depth := len(d.queue)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.QueueDepth.Set(float64(depth))
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// dequeue pops the next task id and marks it in flight so a concurrent
// sweep cannot re-enqueue it while the worker holds it.
func (d *Dispatcher) dequeue() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return "", false
	}
	id := d.queue[0]
	d.queue = d.queue[1:]
	d.inFlight = id
	if d.metrics != nil {
		d.metrics.QueueDepth.Set(float64(len(d.queue)))
	}
	return id, true
}

func (d *Dispatcher) clearInFlight() {
	d.mu.Lock()
	d.inFlight = ""
	d.mu.Unlock()
}

// Run executes the startup recovery sweep, starts the periodic sweep if a
// schedule is configured, and then processes the queue until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context, sweepSchedule string) error {
	d.Sweep(ctx)

	if sweepSchedule != "" {
		d.cron = cron.New()
		if _, err := d.cron.AddFunc(sweepSchedule, func() { d.Sweep(ctx) }); err != nil {
			return fmt.Errorf("schedule recovery sweep: %w", err)
		}
		d.cron.Start()
		defer d.cron.Stop()
	}

	for {
		id, ok := d.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.wake:
				continue
			}
		}
		d.processTask(ctx, id)
		d.clearInFlight()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Sweep re-enqueues every task stuck in a non-terminal state. Tasks already
// waiting in the queue and the task the worker currently holds are skipped.
func (d *Dispatcher) Sweep(ctx context.Context) {
	ids, err := d.store.ListUnfinishedTasks(ctx)
	if err != nil {
		d.logger.Error(ctx, "recovery sweep failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	d.mu.Lock()
	queued := make(map[string]bool, len(d.queue)+1)
	for _, id := range d.queue {
		queued[id] = true
	}
	if d.inFlight != "" {
		queued[d.inFlight] = true
	}
	d.mu.Unlock()

	count := 0
	for _, id := range ids {
		if queued[id] {
			continue
		}
		d.Enqueue(id)
		count++
	}
	if count > 0 {
		d.logger.Info(ctx, "recovery sweep re-enqueued tasks", "count", count)
	}
}

// processTask walks one task through the pipeline. Every store write is its
// own short transaction; no database handle is held across an upstream call.
func (d *Dispatcher) processTask(ctx context.Context, taskID string) {
	ctx = observability.WithTaskID(ctx, taskID)
	start := time.Now()

	current, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		d.logger.Warn(ctx, "skipping missing task", "error", err)
		return
	}
	if task.IsTerminal(current.Status) {
		d.logger.Debug(ctx, "skipping finished task", "status", string(current.Status))
		return
	}
	// A non-RECEIVED entry means a previous pass was cut short, typically
	// by a restart. The pipeline does not resume mid-state.
	if current.Status != task.StatusReceived {
		d.failTask(ctx, taskID, fmt.Errorf("task processing was interrupted in state %s", current.Status))
		d.observeOutcome("failed", start)
		return
	}

	if err := d.runStages(ctx, current); err != nil {
		d.failTask(ctx, taskID, err)
		d.observeOutcome("failed", start)
		return
	}
	d.observeOutcome("delivered", start)
}

func (d *Dispatcher) observeOutcome(outcome string, start time.Time) {
	if d.metrics == nil {
		return
	}
	d.metrics.TasksCompleted.WithLabelValues(outcome).Inc()
	d.metrics.TaskPipelineDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

func (d *Dispatcher) runStages(ctx context.Context, t *task.Task) error {
	if err := d.setStatus(ctx, t.ID, task.StatusRouted); err != nil {
		return err
	}

	voice := t.InputType == task.InputVoice

	var inputText string
	if voice {
		if err := d.setStatus(ctx, t.ID, task.StatusTranscribing); err != nil {
			return err
		}
		transcript, err := d.clients.Transcribe(ctx, t.RawAudioURI)
		if err != nil {
			return err
		}
		inputText = transcript
		refining := task.StatusRefining
		empty := ""
		if _, err := d.store.UpdateTask(ctx, t.ID, store.TaskUpdate{
			Status:        &refining,
			Transcript:    &transcript,
			FailureReason: &empty,
		}); err != nil {
			return err
		}
	} else {
		inputText = trimmed(t.RawText)
		if inputText == "" {
			return fmt.Errorf("text task has empty raw_text")
		}
		refining := task.StatusRefining
		empty := ""
		if _, err := d.store.UpdateTask(ctx, t.ID, store.TaskUpdate{
			Status:        &refining,
			FailureReason: &empty,
		}); err != nil {
			return err
		}
	}

	refined, err := d.clients.Refine(ctx, inputText)
	if err != nil {
		return err
	}

	queued := task.StatusToolQueued
	if _, err := d.store.UpdateTask(ctx, t.ID, store.TaskUpdate{
		Status:      &queued,
		RefinedText: &refined,
	}); err != nil {
		return err
	}
	run, err := d.store.CreateToolRun(ctx, t.ID, "tooler", mustJSON(map[string]any{"text": refined}))
	if err != nil {
		return err
	}

	if err := d.setStatus(ctx, t.ID, task.StatusToolRunning); err != nil {
		return err
	}
	now := time.Now().UTC()
	running := task.RunRunning
	if _, err := d.store.UpdateToolRun(ctx, run.ID, store.ToolRunUpdate{
		Status:    &running,
		StartedAt: &now,
	}); err != nil {
		return err
	}

	result, err := d.clients.RunTool(ctx, t.ID, refined)
	if err != nil {
		return err
	}

	finished := time.Now().UTC()
	succeeded := task.RunSucceeded
	if _, err := d.store.UpdateToolRun(ctx, run.ID, store.ToolRunUpdate{
		Status:     &succeeded,
		Output:     result.Raw,
		FinishedAt: &finished,
	}); err != nil {
		return err
	}
	if err := d.setStatus(ctx, t.ID, task.StatusSummarizing); err != nil {
		return err
	}

	mode := "text"
	if voice {
		mode = "audio"
	}
	summary, err := d.clients.Summarize(ctx, upstream.SummarizeRequest{
		TaskID:      t.ID,
		RefinedText: refined,
		ToolStdout:  result.ResultText,
		ToolStderr:  result.Stderr,
		Mode:        mode,
	})
	if err != nil {
		return err
	}

	var audioURI string
	if voice {
		tts := task.StatusTTSGenerating
		if _, err := d.store.UpdateTask(ctx, t.ID, store.TaskUpdate{
			Status:       &tts,
			FinalSummary: &summary,
		}); err != nil {
			return err
		}
		audioURI, err = d.clients.Synthesize(ctx, t.ID, summary)
		if err != nil {
			return err
		}
	}

	delivered := task.StatusDelivered
	empty := ""
	update := store.TaskUpdate{
		Status:        &delivered,
		FinalSummary:  &summary,
		FailureReason: &empty,
	}
	if audioURI != "" {
		update.FinalAudioURI = &audioURI
	}
	final, err := d.store.UpdateTask(ctx, t.ID, update)
	if err != nil {
		return err
	}

	d.logger.Info(ctx, "task delivered", "input_type", string(t.InputType))

	if d.notifier != nil && d.notifier.Enabled() {
		notice := upstream.DeliveryNotice{
			TaskID:   t.ID,
			Status:   string(task.StatusDelivered),
			Summary:  final.FinalSummary,
			AudioURI: final.FinalAudioURI,
		}
		// Delivery notices never un-deliver a task.
		_ = d.notifier.NotifyDelivered(ctx, notice)
	}
	return nil
}

func (d *Dispatcher) setStatus(ctx context.Context, taskID string, status task.Status) error {
	_, err := d.store.UpdateTask(ctx, taskID, store.TaskUpdate{Status: &status})
	return err
}

// failTask reloads the task and moves it to FAILED unless it already is.
func (d *Dispatcher) failTask(ctx context.Context, taskID string, cause error) {
	reason := trimmed(cause.Error())
	if reason == "" {
		reason = "unknown pipeline error"
	}
	d.logger.Error(ctx, "task failed", "reason", reason)

	current, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		d.logger.Error(ctx, "load task for failure routine", "error", err)
		return
	}
	if current.Status == task.StatusFailed {
		return
	}

	failed := task.StatusFailed
	if _, err := d.store.UpdateTask(ctx, taskID, store.TaskUpdate{
		Status:        &failed,
		FailureReason: &reason,
	}); err != nil {
		d.logger.Error(ctx, "record task failure", "error", err)
	}
}
