package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateProject inserts a new project record.
func (s *Store) CreateProject(ctx context.Context, id, title, sourcePath string) (*Project, error) {
	now := timestamp(time.Now())
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO projects (id, title, source_path, state, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		id,
		title,
		nullableString(sourcePath),
		ProjectCreated,
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return s.GetProject(ctx, id)
}

// GetProject fetches a project by identifier, or nil when absent.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	project, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

// ListProjects returns every project ordered by creation time.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// UpdateProjectState transitions a project and records any error message.
func (s *Store) UpdateProjectState(ctx context.Context, id string, state ProjectState, errorMessage string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE projects SET state = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		state,
		nullableString(errorMessage),
		timestamp(time.Now()),
		id,
	)
	if err != nil {
		return fmt.Errorf("update project state: %w", err)
	}
	return nil
}

// RemoveProject deletes a project and all dependent rows.
func (s *Store) RemoveProject(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete project: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

const projectColumns = "id, title, source_path, state, error_message, created_at, updated_at"

func scanProject(scanner interface{ Scan(dest ...any) error }) (*Project, error) {
	var (
		id           string
		title        string
		sourcePath   sql.NullString
		stateStr     string
		errorMessage sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
	)
	if err := scanner.Scan(&id, &title, &sourcePath, &stateStr, &errorMessage, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}

	project := &Project{
		ID:           id,
		Title:        title,
		SourcePath:   sourcePath.String,
		State:        ProjectState(stateStr),
		ErrorMessage: errorMessage.String,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		project.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		project.UpdatedAt = updated
	}
	return project, nil
}
