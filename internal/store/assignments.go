package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertAssignment creates or replaces the voice assignment for a speaker.
func (s *Store) UpsertAssignment(ctx context.Context, va VoiceAssignment) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO voice_assignments (project_id, speaker_id, state, voice_id, pitch, rate, emphasis, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(project_id, speaker_id) DO UPDATE SET
            state = excluded.state, voice_id = excluded.voice_id,
            pitch = excluded.pitch, rate = excluded.rate,
            emphasis = excluded.emphasis, updated_at = excluded.updated_at`,
		va.ProjectID,
		va.SpeakerID,
		va.State,
		nullableString(va.VoiceID),
		va.Pitch,
		va.Rate,
		va.Emphasis,
		timestamp(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert assignment: %w", err)
	}
	return nil
}

// GetAssignment fetches a speaker's voice assignment, or nil when absent.
func (s *Store) GetAssignment(ctx context.Context, projectID string, speakerID int64) (*VoiceAssignment, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+assignmentColumns+` FROM voice_assignments WHERE project_id = ? AND speaker_id = ?`,
		projectID,
		speakerID,
	)
	va, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return va, nil
}

// ListAssignments returns every voice assignment for a project.
func (s *Store) ListAssignments(ctx context.Context, projectID string) ([]VoiceAssignment, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+assignmentColumns+` FROM voice_assignments WHERE project_id = ? ORDER BY speaker_id`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var assignments []VoiceAssignment
	for rows.Next() {
		va, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, *va)
	}
	return assignments, rows.Err()
}

const assignmentColumns = "project_id, speaker_id, state, voice_id, pitch, rate, emphasis, updated_at"

func scanAssignment(scanner interface{ Scan(dest ...any) error }) (*VoiceAssignment, error) {
	var (
		projectID  string
		speakerID  int64
		stateStr   string
		voiceID    sql.NullString
		pitch      float64
		rate       float64
		emphasis   float64
		updatedRaw sql.NullString
	)
	if err := scanner.Scan(&projectID, &speakerID, &stateStr, &voiceID, &pitch, &rate, &emphasis, &updatedRaw); err != nil {
		return nil, err
	}
	va := &VoiceAssignment{
		ProjectID: projectID,
		SpeakerID: speakerID,
		State:     AssignmentState(stateStr),
		VoiceID:   voiceID.String,
		Pitch:     pitch,
		Rate:      rate,
		Emphasis:  emphasis,
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		va.UpdatedAt = updated
	}
	return va, nil
}
