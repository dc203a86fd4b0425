package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voxrelay/voxrelay/internal/task"
)

// CreateToolRun inserts a tool run record in QUEUED state.
func (s *Store) CreateToolRun(ctx context.Context, taskID, toolName string, input json.RawMessage) (*task.ToolRun, error) {
	if toolName == "" {
		return nil, fmt.Errorf("tool name is required")
	}

	now := time.Now().UTC()
	run := &task.ToolRun{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		ToolName:  toolName,
		Status:    task.RunQueued,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_runs (
			id, task_id, tool_name, status, input, output,
			started_at, finished_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, NULL, NULL, NULL, ?, ?)
	`,
		run.ID,
		run.TaskID,
		run.ToolName,
		string(run.Status),
		nullableString(string(input)),
		formatTime(run.CreatedAt),
		formatTime(run.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("create tool run: %w", err)
	}
	return run, nil
}

// GetToolRun retrieves a tool run by ID. Returns ErrNotFound if absent.
func (s *Store) GetToolRun(ctx context.Context, id string) (*task.ToolRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, tool_name, status, input, output,
		       started_at, finished_at, created_at, updated_at
		FROM tool_runs WHERE id = ?
	`, id)

	run, err := scanToolRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tool run: %w", err)
	}
	return run, nil
}

// ToolRunUpdate is a partial update over a tool run's mutable columns.
// StartedAt and FinishedAt are write-once: an update never clears a
// previously recorded timestamp.
type ToolRunUpdate struct {
	Status     *task.RunStatus
	Output     json.RawMessage
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// UpdateToolRun applies a partial update and returns the fresh row.
func (s *Store) UpdateToolRun(ctx context.Context, id string, update ToolRunUpdate) (*task.ToolRun, error) {
	now := time.Now().UTC()

	assignments := []string{"updated_at = ?"}
	values := []any{formatTime(now)}
	set := func(column string, value any) {
		assignments = append(assignments, column+" = ?")
		values = append(values, value)
	}
	if update.Status != nil {
		set("status", string(*update.Status))
	}
	if update.Output != nil {
		set("output", nullableString(string(update.Output)))
	}
	if update.StartedAt != nil {
		assignments = append(assignments, "started_at = COALESCE(started_at, ?)")
		values = append(values, formatTime(*update.StartedAt))
	}
	if update.FinishedAt != nil {
		assignments = append(assignments, "finished_at = COALESCE(finished_at, ?)")
		values = append(values, formatTime(*update.FinishedAt))
	}

	query := "UPDATE tool_runs SET "
	for i, assignment := range assignments {
		if i > 0 {
			query += ", "
		}
		query += assignment
	}
	query += " WHERE id = ?"
	values = append(values, id)

	result, err := s.db.ExecContext(ctx, query, values...)
	if err != nil {
		return nil, fmt.Errorf("update tool run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update tool run: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}

	return s.GetToolRun(ctx, id)
}

// ListToolRuns returns all tool runs for a task, oldest first.
func (s *Store) ListToolRuns(ctx context.Context, taskID string) ([]*task.ToolRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, tool_name, status, input, output,
		       started_at, finished_at, created_at, updated_at
		FROM tool_runs WHERE task_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list tool runs: %w", err)
	}
	defer rows.Close()

	var runs []*task.ToolRun
	for rows.Next() {
		run, err := scanToolRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tool run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tool runs: %w", err)
	}
	return runs, nil
}

func scanToolRun(s scanner) (*task.ToolRun, error) {
	var (
		run        task.ToolRun
		status     string
		input      sql.NullString
		output     sql.NullString
		startedAt  sql.NullString
		finishedAt sql.NullString
		createdAt  string
		updatedAt  string
	)

	err := s.Scan(
		&run.ID,
		&run.TaskID,
		&run.ToolName,
		&status,
		&input,
		&output,
		&startedAt,
		&finishedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = task.RunStatus(status)
	if input.Valid {
		run.Input = json.RawMessage(input.String)
	}
	if output.Valid {
		run.Output = json.RawMessage(output.String)
	}
	if run.StartedAt, err = parseNullableTime(startedAt); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = parseNullableTime(finishedAt); err != nil {
		return nil, err
	}
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if run.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &run, nil
}
