package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voxrelay/voxrelay/internal/task"
)

// NewTask describes the fields of a task to create.
type NewTask struct {
	ProjectID   string
	InputType   task.InputType
	RawText     string
	RawAudioURI string
}

// TaskUpdate is a partial update over the mutable task columns. Nil fields
// are left untouched.
type TaskUpdate struct {
	Status        *task.Status
	Transcript    *string
	RefinedText   *string
	FinalSummary  *string
	FinalAudioURI *string
	RawAudioURI   *string
	FailureReason *string
}

func (u TaskUpdate) empty() bool {
	return u.Status == nil && u.Transcript == nil && u.RefinedText == nil &&
		u.FinalSummary == nil && u.FinalAudioURI == nil && u.RawAudioURI == nil &&
		u.FailureReason == nil
}

// CreateTask inserts a task in RECEIVED state together with its synthetic
// (null -> RECEIVED) history row. The referenced project must exist.
func (s *Store) CreateTask(ctx context.Context, nt NewTask) (*task.Task, error) {
	if nt.ProjectID == "" {
		return nil, fmt.Errorf("project id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM projects WHERE id = ?`, nt.ProjectID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check project: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("project %s: %w", nt.ProjectID, ErrNotFound)
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:          uuid.NewString(),
		ProjectID:   nt.ProjectID,
		InputType:   nt.InputType,
		RawText:     nt.RawText,
		RawAudioURI: nt.RawAudioURI,
		Status:      task.StatusReceived,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (
			id, project_id, input_type, raw_text, raw_audio_uri,
			transcript, refined_text, status, final_summary,
			final_audio_uri, failure_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, NULL, NULL, ?, NULL, NULL, NULL, ?, ?)
	`,
		t.ID,
		t.ProjectID,
		string(t.InputType),
		nullableString(t.RawText),
		nullableString(t.RawAudioURI),
		string(t.Status),
		formatTime(t.CreatedAt),
		formatTime(t.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_status_history (id, task_id, from_status, to_status, changed_at)
		VALUES (?, ?, NULL, ?, ?)
	`,
		uuid.NewString(), t.ID, string(task.StatusReceived), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("record initial status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return t, nil
}

// GetTask retrieves a task by ID. Returns ErrNotFound if absent.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, input_type, raw_text, raw_audio_uri,
		       transcript, refined_text, status, final_summary,
		       final_audio_uri, failure_reason, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)

	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpdateTask applies a partial update inside one transaction. A status
// change is validated through the state machine against the current row and
// appends exactly one history entry unless it is a no-op. updated_at always
// advances strictly.
func (s *Store) UpdateTask(ctx context.Context, id string, update TaskUpdate) (*task.Task, error) {
	if update.empty() {
		return nil, fmt.Errorf("no fields to update")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, project_id, input_type, raw_text, raw_audio_uri,
		       transcript, refined_text, status, final_summary,
		       final_audio_uri, failure_reason, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	current, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}

	if update.Status != nil {
		if err := task.ValidateTransition(current.Status, *update.Status); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	if !now.After(current.UpdatedAt) {
		now = current.UpdatedAt.Add(time.Nanosecond)
	}

	assignments := []string{"updated_at = ?"}
	values := []any{formatTime(now)}
	set := func(column string, value any) {
		assignments = append(assignments, column+" = ?")
		values = append(values, value)
	}
	if update.Status != nil {
		set("status", string(*update.Status))
	}
	if update.Transcript != nil {
		set("transcript", nullableString(*update.Transcript))
	}
	if update.RefinedText != nil {
		set("refined_text", nullableString(*update.RefinedText))
	}
	if update.FinalSummary != nil {
		set("final_summary", nullableString(*update.FinalSummary))
	}
	if update.FinalAudioURI != nil {
		set("final_audio_uri", nullableString(*update.FinalAudioURI))
	}
	if update.RawAudioURI != nil {
		set("raw_audio_uri", nullableString(*update.RawAudioURI))
	}
	if update.FailureReason != nil {
		set("failure_reason", nullableString(task.TruncateFailureReason(*update.FailureReason)))
	}

	query := "UPDATE tasks SET "
	for i, assignment := range assignments {
		if i > 0 {
			query += ", "
		}
		query += assignment
	}
	query += " WHERE id = ?"
	values = append(values, id)

	if _, err := tx.ExecContext(ctx, query, values...); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}

	if update.Status != nil && *update.Status != current.Status {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_status_history (id, task_id, from_status, to_status, changed_at)
			VALUES (?, ?, ?, ?, ?)
		`,
			uuid.NewString(), id, string(current.Status), string(*update.Status), formatTime(now),
		)
		if err != nil {
			return nil, fmt.Errorf("record status change: %w", err)
		}
	}

	row = tx.QueryRowContext(ctx, `
		SELECT id, project_id, input_type, raw_text, raw_audio_uri,
		       transcript, refined_text, status, final_summary,
		       final_audio_uri, failure_reason, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	updated, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("reload task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return updated, nil
}

// TaskHistory returns the status history for a task in insertion order.
func (s *Store) TaskHistory(ctx context.Context, taskID string) ([]*task.StatusChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, from_status, to_status, changed_at
		FROM task_status_history WHERE task_id = ?
		ORDER BY changed_at ASC, rowid ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("task history: %w", err)
	}
	defer rows.Close()

	var history []*task.StatusChange
	for rows.Next() {
		var (
			change    task.StatusChange
			from      sql.NullString
			to        string
			changedAt string
		)
		if err := rows.Scan(&change.ID, &change.TaskID, &from, &to, &changedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if from.Valid {
			status := task.Status(from.String)
			change.From = &status
		}
		change.To = task.Status(to)
		if change.ChangedAt, err = parseTime(changedAt); err != nil {
			return nil, err
		}
		history = append(history, &change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task history: %w", err)
	}
	return history, nil
}

// ListUnfinishedTasks returns ids of tasks in non-terminal states, oldest
// first. Used by the recovery sweep to re-enqueue work after a restart.
func (s *Store) ListUnfinishedTasks(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks WHERE status NOT IN (?, ?) ORDER BY created_at ASC
	`, string(task.StatusDelivered), string(task.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("list unfinished tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unfinished tasks: %w", err)
	}
	return ids, nil
}

func scanTask(s scanner) (*task.Task, error) {
	var (
		t             task.Task
		inputType     string
		rawText       sql.NullString
		rawAudioURI   sql.NullString
		transcript    sql.NullString
		refinedText   sql.NullString
		status        string
		finalSummary  sql.NullString
		finalAudioURI sql.NullString
		failureReason sql.NullString
		createdAt     string
		updatedAt     string
	)

	err := s.Scan(
		&t.ID,
		&t.ProjectID,
		&inputType,
		&rawText,
		&rawAudioURI,
		&transcript,
		&refinedText,
		&status,
		&finalSummary,
		&finalAudioURI,
		&failureReason,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.InputType = task.InputType(inputType)
	t.Status = task.Status(status)
	t.RawText = rawText.String
	t.RawAudioURI = rawAudioURI.String
	t.Transcript = transcript.String
	t.RefinedText = refinedText.String
	t.FinalSummary = finalSummary.String
	t.FinalAudioURI = finalAudioURI.String
	t.FailureReason = failureReason.String

	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
