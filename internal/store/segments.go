package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fable/internal/segment"
)

// ReplaceSegments swaps a project's segment set atomically. User-overridden
// rows keep their classification across the swap; only their text follows the
// new pass. Incremental updates go through UpdateSegment.
func (s *Store) ReplaceSegments(ctx context.Context, projectID string, segments []segment.Segment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(
		ctx,
		`DELETE FROM segments WHERE project_id = ? AND (provenance != ? OR id > ?)`,
		projectID,
		segment.ProvenanceUserOverride,
		int64(len(segments)),
	); err != nil {
		return fmt.Errorf("clear segments: %w", err)
	}

	now := timestamp(time.Now())
	stmt, err := tx.PrepareContext(
		ctx,
		`INSERT INTO segments (project_id, id, text, type, speaker_id, confidence, provenance, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (project_id, id) DO UPDATE SET text = excluded.text, updated_at = excluded.updated_at`,
	)
	if err != nil {
		return fmt.Errorf("prepare segment insert: %w", err)
	}
	defer stmt.Close()

	for _, seg := range segments {
		if _, err := stmt.ExecContext(ctx, projectID, seg.ID, seg.Text, seg.Type, seg.SpeakerID, seg.Confidence, seg.Provenance, now); err != nil {
			return fmt.Errorf("insert segment %d: %w", seg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit segments: %w", err)
	}
	return nil
}

// UpdateSegment persists classification changes to a single segment.
func (s *Store) UpdateSegment(ctx context.Context, seg segment.Segment) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE segments SET type = ?, speaker_id = ?, confidence = ?, provenance = ?, updated_at = ?
         WHERE project_id = ? AND id = ?`,
		seg.Type,
		seg.SpeakerID,
		seg.Confidence,
		seg.Provenance,
		timestamp(time.Now()),
		seg.ProjectID,
		seg.ID,
	)
	if err != nil {
		return fmt.Errorf("update segment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("segment %s/%d not found", seg.ProjectID, seg.ID)
	}
	return nil
}

// GetSegment fetches one segment, or nil when absent.
func (s *Store) GetSegment(ctx context.Context, projectID string, id int64) (*segment.Segment, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE project_id = ? AND id = ?`,
		projectID,
		id,
	)
	seg, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get segment: %w", err)
	}
	return seg, nil
}

// ListSegments returns all of a project's segments in narrative order.
func (s *Store) ListSegments(ctx context.Context, projectID string) ([]segment.Segment, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE project_id = ? ORDER BY id`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var segments []segment.Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, *seg)
	}
	return segments, rows.Err()
}

// ListSegmentRange returns segments with ids in [start, end] in narrative
// order.
func (s *Store) ListSegmentRange(ctx context.Context, projectID string, start, end int64) ([]segment.Segment, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE project_id = ? AND id BETWEEN ? AND ? ORDER BY id`,
		projectID,
		start,
		end,
	)
	if err != nil {
		return nil, fmt.Errorf("list segment range: %w", err)
	}
	defer rows.Close()

	var segments []segment.Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, *seg)
	}
	return segments, rows.Err()
}

// SegmentStats counts a project's segments grouped by type.
func (s *Store) SegmentStats(ctx context.Context, projectID string) (map[segment.Type]int, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT type, COUNT(1) FROM segments WHERE project_id = ? GROUP BY type`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("segment stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[segment.Type]int)
	for rows.Next() {
		var segType segment.Type
		var count int
		if err := rows.Scan(&segType, &count); err != nil {
			return nil, err
		}
		stats[segType] = count
	}
	return stats, rows.Err()
}

const segmentColumns = "project_id, id, text, type, speaker_id, confidence, provenance"

func scanSegment(scanner interface{ Scan(dest ...any) error }) (*segment.Segment, error) {
	var (
		projectID  string
		id         int64
		text       string
		typeStr    string
		speakerID  int64
		confidence float64
		provStr    string
	)
	if err := scanner.Scan(&projectID, &id, &text, &typeStr, &speakerID, &confidence, &provStr); err != nil {
		return nil, err
	}
	return &segment.Segment{
		ID:         id,
		ProjectID:  projectID,
		Text:       text,
		Type:       segment.Type(typeStr),
		SpeakerID:  speakerID,
		Confidence: confidence,
		Provenance: segment.Provenance(provStr),
	}, nil
}
