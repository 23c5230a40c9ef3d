package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertJob persists a new synthesis job.
func (s *Store) InsertJob(ctx context.Context, job *SynthesisJob) error {
	if job == nil {
		return errors.New("job is nil")
	}
	now := timestamp(time.Now())
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO synthesis_jobs (
            id, project_id, speaker_id, voice_id, start_segment, end_segment,
            state, attempts, output_path, error_message, duration_seconds,
            created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.ProjectID,
		job.SpeakerID,
		job.VoiceID,
		job.StartSegment,
		job.EndSegment,
		job.State,
		job.Attempts,
		nullableString(job.OutputPath),
		nullableString(job.ErrorMessage),
		job.DurationSeconds,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJob persists state changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, job *SynthesisJob) error {
	if job == nil {
		return errors.New("job is nil")
	}
	job.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE synthesis_jobs
         SET state = ?, attempts = ?, output_path = ?, error_message = ?,
             duration_seconds = ?, updated_at = ?
         WHERE id = ?`,
		job.State,
		job.Attempts,
		nullableString(job.OutputPath),
		nullableString(job.ErrorMessage),
		job.DurationSeconds,
		timestamp(job.UpdatedAt),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// GetJob fetches a job by identifier, or nil when absent.
func (s *Store) GetJob(ctx context.Context, id string) (*SynthesisJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM synthesis_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns a project's jobs filtered by state set (or all jobs when
// no state is provided), ordered by starting segment.
func (s *Store) ListJobs(ctx context.Context, projectID string, states ...JobState) ([]*SynthesisJob, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + jobColumns + ` FROM synthesis_jobs WHERE project_id = ?`
	orderClause := ` ORDER BY start_segment`

	if len(states) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause, projectID)
	} else {
		placeholders := makePlaceholders(len(states))
		args := make([]any, 0, len(states)+1)
		args = append(args, projectID)
		for _, state := range states {
			args = append(args, state)
		}
		query := baseQuery + ` AND state IN (` + placeholders + `)` + orderClause
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*SynthesisJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// NextPendingJob claims the oldest pending job by marking it running. Returns
// nil when nothing is pending. The claim is atomic so concurrent workers
// never take the same job.
func (s *Store) NextPendingJob(ctx context.Context, projectID string) (*SynthesisJob, error) {
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE synthesis_jobs SET state = ?, updated_at = ?
         WHERE id = (
            SELECT id FROM synthesis_jobs
            WHERE project_id = ? AND state = ?
            ORDER BY start_segment LIMIT 1
         )
         RETURNING `+jobColumns,
		JobRunning,
		timestamp(time.Now()),
		projectID,
		JobPending,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim pending job: %w", err)
	}
	return job, nil
}

// ClaimJob atomically transitions a specific job from pending to running.
// Returns false when another worker claimed it first.
func (s *Store) ClaimJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE synthesis_jobs SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		JobRunning,
		timestamp(time.Now()),
		id,
		JobPending,
	)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// RequeueFailed moves failed jobs below the attempt limit back to pending.
func (s *Store) RequeueFailed(ctx context.Context, projectID string, maxAttempts int) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE synthesis_jobs SET state = ?, updated_at = ?
         WHERE project_id = ? AND state = ? AND attempts < ?`,
		JobPending,
		timestamp(time.Now()),
		projectID,
		JobFailed,
		maxAttempts,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue failed jobs: %w", err)
	}
	return res.RowsAffected()
}

// RetryJobs flips specific failed jobs back to pending at a user's request.
func (s *Store) RetryJobs(ctx context.Context, projectID string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return s.RequeueFailed(ctx, projectID, int(^uint(0)>>1))
	}
	placeholders := makePlaceholders(len(ids))
	args := make([]any, 0, len(ids)+3)
	args = append(args, JobPending, timestamp(time.Now()), projectID)
	for _, id := range ids {
		args = append(args, id)
	}
	query := `UPDATE synthesis_jobs SET state = ?, updated_at = ?
        WHERE project_id = ? AND state = '` + string(JobFailed) + `' AND id IN (` + placeholders + `)`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry jobs: %w", err)
	}
	return res.RowsAffected()
}

// ResetRunningJobs returns jobs stuck in the running state to pending, for
// recovery after an unclean shutdown.
func (s *Store) ResetRunningJobs(ctx context.Context, projectID string) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE synthesis_jobs SET state = ?, updated_at = ? WHERE project_id = ? AND state = ?`,
		JobPending,
		timestamp(time.Now()),
		projectID,
		JobRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("reset running jobs: %w", err)
	}
	return res.RowsAffected()
}

// JobStats counts a project's jobs grouped by state.
func (s *Store) JobStats(ctx context.Context, projectID string) (map[JobState]int, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT state, COUNT(1) FROM synthesis_jobs WHERE project_id = ? GROUP BY state`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[JobState]int)
	for rows.Next() {
		var state JobState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats[state] = count
	}
	return stats, rows.Err()
}

// ClearJobs removes every job for a project, typically before re-planning.
func (s *Store) ClearJobs(ctx context.Context, projectID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM synthesis_jobs WHERE project_id = ?`, projectID)
	if err != nil {
		return 0, fmt.Errorf("clear jobs: %w", err)
	}
	return res.RowsAffected()
}

const jobColumns = "id, project_id, speaker_id, voice_id, start_segment, end_segment, state, attempts, output_path, error_message, duration_seconds, created_at, updated_at"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*SynthesisJob, error) {
	var (
		id           string
		projectID    string
		speakerID    int64
		voiceID      string
		startSegment int64
		endSegment   int64
		stateStr     string
		attempts     int
		outputPath   sql.NullString
		errorMessage sql.NullString
		duration     float64
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
	)
	if err := scanner.Scan(
		&id,
		&projectID,
		&speakerID,
		&voiceID,
		&startSegment,
		&endSegment,
		&stateStr,
		&attempts,
		&outputPath,
		&errorMessage,
		&duration,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	job := &SynthesisJob{
		ID:              id,
		ProjectID:       projectID,
		SpeakerID:       speakerID,
		VoiceID:         voiceID,
		StartSegment:    startSegment,
		EndSegment:      endSegment,
		State:           JobState(stateStr),
		Attempts:        attempts,
		OutputPath:      outputPath.String,
		ErrorMessage:    errorMessage.String,
		DurationSeconds: duration,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		job.UpdatedAt = updated
	}
	return job, nil
}
