package index

import (
	"context"
	"fmt"
)

// SaveWatermarks persists the full watermark map for one SD, overwriting
// whatever was previously stored. Called periodically and on clean
// shutdown; in memory between saves, so a restart resumes from the
// last persisted position.
func (s *Store) SaveWatermarks(ctx context.Context, sdID string, offsets map[string]int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: saving watermarks: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM watermarks WHERE sd_id = ?`, sdID); err != nil {
		return fmt.Errorf("index: clearing watermarks for %s: %w", sdID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO watermarks (sd_id, peer_file, offset) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("index: preparing watermark insert: %w", err)
	}
	defer stmt.Close()

	for peer, offset := range offsets {
		if _, err := stmt.ExecContext(ctx, sdID, peer, offset); err != nil {
			return fmt.Errorf("index: inserting watermark %s/%s: %w", sdID, peer, err)
		}
	}

	return tx.Commit()
}

// LoadWatermarks returns the persisted watermark map for one SD, or an
// empty map if none were ever saved.
func (s *Store) LoadWatermarks(ctx context.Context, sdID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT peer_file, offset FROM watermarks WHERE sd_id = ?`, sdID)
	if err != nil {
		return nil, fmt.Errorf("index: loading watermarks for %s: %w", sdID, err)
	}
	defer rows.Close()

	out := make(map[string]int64)

	for rows.Next() {
		var peer string
		var offset int64

		if err := rows.Scan(&peer, &offset); err != nil {
			return nil, fmt.Errorf("index: scanning watermark row: %w", err)
		}

		out[peer] = offset
	}

	return out, rows.Err()
}
