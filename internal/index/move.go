package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrMoveRowNotFound is returned when a move-journal lookup misses.
var ErrMoveRowNotFound = errors.New("index: move journal row not found")

// MoveRow is one row of the cross-SD move journal.
type MoveRow struct {
	ID             string
	NoteID         string
	SourceSDUUID   string
	TargetSDUUID   string
	TargetFolderID string
	State          string
	InitiatedBy    string
	InitiatedAt    int64
	LastModified   int64
	SourceSDPath   string
	TargetSDPath   string
	Error          string
}

// SaveMoveRow inserts or updates a move-journal row, keyed by ID.
func (s *Store) SaveMoveRow(ctx context.Context, r MoveRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO move_journal
			(id, note_id, source_sd_uuid, target_sd_uuid, target_folder_id, state,
			 initiated_by, initiated_at, last_modified, source_sd_path, target_sd_path, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			last_modified = excluded.last_modified,
			error = excluded.error`,
		r.ID, r.NoteID, r.SourceSDUUID, r.TargetSDUUID, r.TargetFolderID, r.State,
		r.InitiatedBy, r.InitiatedAt, r.LastModified, r.SourceSDPath, r.TargetSDPath, r.Error)
	if err != nil {
		return fmt.Errorf("index: saving move row %s: %w", r.ID, err)
	}

	return nil
}

// GetMoveRow looks up a move-journal row by id.
func (s *Store) GetMoveRow(ctx context.Context, id string) (*MoveRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, note_id, source_sd_uuid, target_sd_uuid, target_folder_id, state,
		       initiated_by, initiated_at, last_modified, source_sd_path, target_sd_path, error
		FROM move_journal WHERE id = ?`, id)

	var r MoveRow
	if err := row.Scan(&r.ID, &r.NoteID, &r.SourceSDUUID, &r.TargetSDUUID, &r.TargetFolderID, &r.State,
		&r.InitiatedBy, &r.InitiatedAt, &r.LastModified, &r.SourceSDPath, &r.TargetSDPath, &r.Error); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrMoveRowNotFound, id)
		}

		return nil, fmt.Errorf("index: getting move row %s: %w", id, err)
	}

	return &r, nil
}

// nonTerminalStates names every state from which recovery or rollback may
// still proceed: every state of the eight-state machine except its three
// terminals (completed, cancelled, rolled_back).
var nonTerminalStates = []string{"initiated", "copying", "files_copied", "db_updated", "cleaning"}

// ListNonTerminalMoves returns every move row not yet in a terminal
// state, for crash recovery on startup.
func (s *Store) ListNonTerminalMoves(ctx context.Context) ([]MoveRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, note_id, source_sd_uuid, target_sd_uuid, target_folder_id, state,
		       initiated_by, initiated_at, last_modified, source_sd_path, target_sd_path, error
		FROM move_journal WHERE state IN (?, ?, ?, ?, ?)`,
		nonTerminalStates[0], nonTerminalStates[1], nonTerminalStates[2], nonTerminalStates[3], nonTerminalStates[4])
	if err != nil {
		return nil, fmt.Errorf("index: listing non-terminal moves: %w", err)
	}
	defer rows.Close()

	var out []MoveRow

	for rows.Next() {
		var r MoveRow
		if err := rows.Scan(&r.ID, &r.NoteID, &r.SourceSDUUID, &r.TargetSDUUID, &r.TargetFolderID, &r.State,
			&r.InitiatedBy, &r.InitiatedAt, &r.LastModified, &r.SourceSDPath, &r.TargetSDPath, &r.Error); err != nil {
			return nil, fmt.Errorf("index: scanning move row: %w", err)
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

// DeleteExpiredMoves removes terminal-state rows whose last_modified is
// older than cutoffUnixMillis, implementing the 30-day retention in
// the 30-day retention for terminal move rows.
func (s *Store) DeleteExpiredMoves(ctx context.Context, cutoffUnixMillis int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM move_journal
		WHERE state IN ('completed', 'cancelled', 'rolled_back') AND last_modified < ?`,
		cutoffUnixMillis)
	if err != nil {
		return 0, fmt.Errorf("index: deleting expired moves: %w", err)
	}

	return res.RowsAffected()
}
