package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertCharacter creates a registry entry and returns it with its id set.
func (s *Store) InsertCharacter(ctx context.Context, ch *Character) (*Character, error) {
	if ch == nil {
		return nil, errors.New("character is nil")
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO characters (project_id, canonical_name, frequency, last_seen_segment, attributes_json, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		ch.ProjectID,
		ch.CanonicalName,
		ch.Frequency,
		ch.LastSeenSegment,
		nullableString(ch.AttributesJSON),
		timestamp(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("insert character: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetCharacter(ctx, id)
}

// GetCharacter fetches a character by id, or nil when absent.
func (s *Store) GetCharacter(ctx context.Context, id int64) (*Character, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+characterColumns+` FROM characters WHERE id = ?`, id)
	ch, err := scanCharacter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get character: %w", err)
	}
	return ch, nil
}

// ListCharacters returns a project's characters ordered by descending
// attribution frequency.
func (s *Store) ListCharacters(ctx context.Context, projectID string) ([]*Character, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+characterColumns+` FROM characters WHERE project_id = ? ORDER BY frequency DESC, id`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	defer rows.Close()

	var characters []*Character
	for rows.Next() {
		ch, err := scanCharacter(rows)
		if err != nil {
			return nil, err
		}
		characters = append(characters, ch)
	}
	return characters, rows.Err()
}

// UpdateCharacter persists frequency, recency, and attribute changes.
func (s *Store) UpdateCharacter(ctx context.Context, ch *Character) error {
	if ch == nil {
		return errors.New("character is nil")
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE characters SET canonical_name = ?, frequency = ?, last_seen_segment = ?, attributes_json = ?
         WHERE id = ?`,
		ch.CanonicalName,
		ch.Frequency,
		ch.LastSeenSegment,
		nullableString(ch.AttributesJSON),
		ch.ID,
	)
	if err != nil {
		return fmt.Errorf("update character: %w", err)
	}
	return nil
}

// InsertAlias records a normalized surface form for a character. Duplicate
// aliases within a project are ignored; the first binding wins.
func (s *Store) InsertAlias(ctx context.Context, alias Alias) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO character_aliases (project_id, alias, display, character_id)
         VALUES (?, ?, ?, ?)`,
		alias.ProjectID,
		alias.Alias,
		alias.Display,
		alias.CharacterID,
	)
	if err != nil {
		return fmt.Errorf("insert alias: %w", err)
	}
	return nil
}

// ListAliases returns every alias binding for a project.
func (s *Store) ListAliases(ctx context.Context, projectID string) ([]Alias, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT project_id, alias, display, character_id FROM character_aliases WHERE project_id = ?`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list aliases: %w", err)
	}
	defer rows.Close()

	var aliases []Alias
	for rows.Next() {
		var a Alias
		if err := rows.Scan(&a.ProjectID, &a.Alias, &a.Display, &a.CharacterID); err != nil {
			return nil, err
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

// MergeCharacters folds the loser into the winner in one transaction: segment
// speaker references move, aliases transfer, frequencies sum, and the loser
// row disappears. No segment ever points at a deleted character.
func (s *Store) MergeCharacters(ctx context.Context, projectID string, winnerID, loserID int64) error {
	if winnerID == loserID {
		return errors.New("cannot merge a character into itself")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE segments SET speaker_id = ? WHERE project_id = ? AND speaker_id = ?`,
		winnerID, projectID, loserID,
	); err != nil {
		return fmt.Errorf("reassign segments: %w", err)
	}

	// Aliases already bound to the winner stay put; the leftovers vanish
	// with the loser row via the FK cascade.
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE OR IGNORE character_aliases SET character_id = ? WHERE project_id = ? AND character_id = ?`,
		winnerID, projectID, loserID,
	); err != nil {
		return fmt.Errorf("transfer aliases: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE characters SET
            frequency = frequency + (SELECT frequency FROM characters WHERE id = ?),
            last_seen_segment = MAX(last_seen_segment, (SELECT last_seen_segment FROM characters WHERE id = ?))
         WHERE id = ?`,
		loserID, loserID, winnerID,
	); err != nil {
		return fmt.Errorf("fold statistics: %w", err)
	}

	// Hand the loser's voice assignment to the winner only when the winner
	// has none of its own.
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE OR IGNORE voice_assignments SET speaker_id = ? WHERE project_id = ? AND speaker_id = ?`,
		winnerID, projectID, loserID,
	); err != nil {
		return fmt.Errorf("transfer assignment: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`DELETE FROM voice_assignments WHERE project_id = ? AND speaker_id = ?`,
		projectID, loserID,
	); err != nil {
		return fmt.Errorf("drop stale assignment: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM characters WHERE id = ?`, loserID); err != nil {
		return fmt.Errorf("delete merged character: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}
	return nil
}

const characterColumns = "id, project_id, canonical_name, frequency, last_seen_segment, attributes_json, created_at"

func scanCharacter(scanner interface{ Scan(dest ...any) error }) (*Character, error) {
	var (
		id         int64
		projectID  string
		name       string
		frequency  int64
		lastSeen   int64
		attrs      sql.NullString
		createdRaw sql.NullString
	)
	if err := scanner.Scan(&id, &projectID, &name, &frequency, &lastSeen, &attrs, &createdRaw); err != nil {
		return nil, err
	}
	ch := &Character{
		ID:              id,
		ProjectID:       projectID,
		CanonicalName:   name,
		Frequency:       frequency,
		LastSeenSegment: lastSeen,
		AttributesJSON:  attrs.String,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		ch.CreatedAt = created
	}
	return ch, nil
}
