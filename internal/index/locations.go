package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNoteLocationNotFound is returned when a note has no recorded location.
var ErrNoteLocationNotFound = errors.New("index: note location not found")

// SetNoteLocation records that noteID currently lives in sdID, overwriting
// any prior location. This is the db_updated step of the cross-SD move
// machine: the logical index's view of "which SD owns this
// note" is authoritative the instant this call returns, independent of
// whether the on-disk copy/rename has finished propagating to peers.
func (s *Store) SetNoteLocation(ctx context.Context, noteID, sdID string, updatedAtMillis int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO note_locations (note_id, sd_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (note_id) DO UPDATE SET
			sd_id = excluded.sd_id,
			updated_at = excluded.updated_at`,
		noteID, sdID, updatedAtMillis)
	if err != nil {
		return fmt.Errorf("index: setting note location %s: %w", noteID, err)
	}

	return nil
}

// GetNoteLocation returns the sdID a note is currently recorded as living
// in.
func (s *Store) GetNoteLocation(ctx context.Context, noteID string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT sd_id FROM note_locations WHERE note_id = ?`, noteID)

	var sdID string
	if err := row.Scan(&sdID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrNoteLocationNotFound, noteID)
		}

		return "", fmt.Errorf("index: getting note location %s: %w", noteID, err)
	}

	return sdID, nil
}

// DeleteNoteLocation removes a note's recorded location, used when a note
// is deleted outright rather than moved.
func (s *Store) DeleteNoteLocation(ctx context.Context, noteID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM note_locations WHERE note_id = ?`, noteID); err != nil {
		return fmt.Errorf("index: deleting note location %s: %w", noteID, err)
	}

	return nil
}
