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

// CreateProject inserts a new project and returns it.
func (s *Store) CreateProject(ctx context.Context, name string, metadata json.RawMessage) (*task.Project, error) {
	if name == "" {
		return nil, fmt.Errorf("project name is required")
	}

	project := &task.Project{
		ID:        uuid.NewString(),
		Name:      name,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	project.UpdatedAt = project.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		project.ID,
		project.Name,
		nullableString(string(metadata)),
		formatTime(project.CreatedAt),
		formatTime(project.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}

	return project, nil
}

// GetProject retrieves a project by ID. Returns ErrNotFound if absent.
func (s *Store) GetProject(ctx context.Context, id string) (*task.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, metadata, created_at, updated_at
		FROM projects WHERE id = ?
	`, id)

	project, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

// ListProjects returns all projects ordered by creation time, newest first.
func (s *Store) ListProjects(ctx context.Context) ([]*task.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, metadata, created_at, updated_at
		FROM projects ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*task.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

func scanProject(s scanner) (*task.Project, error) {
	var (
		project   task.Project
		metadata  sql.NullString
		createdAt string
		updatedAt string
	)
	if err := s.Scan(&project.ID, &project.Name, &metadata, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if metadata.Valid {
		project.Metadata = json.RawMessage(metadata.String)
	}
	var err error
	if project.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if project.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &project, nil
}
