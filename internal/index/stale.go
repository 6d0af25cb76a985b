package index

import (
	"context"
	"fmt"
)

// StaleEntry records a gap between what a peer's activity log advertised
// and what has actually replicated into the local logs directory.
type StaleEntry struct {
	ID            int64
	SDID          string
	NoteID        string
	SourceWriter  string
	ExpectedSeq   uint64
	HighestSeen   uint64
	Gap           uint64
	DetectedAt    int64
	Skipped       bool
}

// SaveStaleEntry upserts a stale entry for (sdID, noteID, sourceWriter),
// refreshing ExpectedSeq/HighestSeen/Gap/DetectedAt on every call but
// preserving an existing skip bit (skipping stays skipped until an
// explicit RetryStaleEntry).
func (s *Store) SaveStaleEntry(ctx context.Context, e StaleEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stale_entries (sd_id, note_id, source_writer, expected_seq, highest_seen, gap, detected_at, skipped)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT (sd_id, note_id, source_writer) DO UPDATE SET
			expected_seq = excluded.expected_seq,
			highest_seen = excluded.highest_seen,
			gap = excluded.gap,
			detected_at = excluded.detected_at`,
		e.SDID, e.NoteID, e.SourceWriter, e.ExpectedSeq, e.HighestSeen, e.Gap, e.DetectedAt)
	if err != nil {
		return fmt.Errorf("index: saving stale entry %s/%s/%s: %w", e.SDID, e.NoteID, e.SourceWriter, err)
	}

	return nil
}

// RecordStale is the primitive-argument form of SaveStaleEntry, matching
// internal/activity.StalePersister so *Store can be wired directly into
// an activity.Sync or deletion.Sync without an adapter type.
func (s *Store) RecordStale(ctx context.Context, sdID, noteID, sourceWriter string, expectedSeq, highestSeen, gap uint64, detectedAt int64) error {
	return s.SaveStaleEntry(ctx, StaleEntry{
		SDID:         sdID,
		NoteID:       noteID,
		SourceWriter: sourceWriter,
		ExpectedSeq:  expectedSeq,
		HighestSeen:  highestSeen,
		Gap:          gap,
		DetectedAt:   detectedAt,
	})
}

// ListStaleEntries returns every stale entry recorded for an SD, skipped
// or not.
func (s *Store) ListStaleEntries(ctx context.Context, sdID string) ([]StaleEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sd_id, note_id, source_writer, expected_seq, highest_seen, gap, detected_at, skipped
		FROM stale_entries WHERE sd_id = ? ORDER BY detected_at`, sdID)
	if err != nil {
		return nil, fmt.Errorf("index: listing stale entries for %s: %w", sdID, err)
	}
	defer rows.Close()

	var out []StaleEntry

	for rows.Next() {
		var e StaleEntry
		var skipped int

		if err := rows.Scan(&e.ID, &e.SDID, &e.NoteID, &e.SourceWriter, &e.ExpectedSeq, &e.HighestSeen, &e.Gap, &e.DetectedAt, &skipped); err != nil {
			return nil, fmt.Errorf("index: scanning stale entry: %w", err)
		}

		e.Skipped = skipped != 0
		out = append(out, e)
	}

	return out, rows.Err()
}

// SkipStaleEntry marks (sdID, noteID, sourceWriter) skipped: the reader
// treats its line as processed and advances its watermark past it.
func (s *Store) SkipStaleEntry(ctx context.Context, sdID, noteID, sourceWriter string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE stale_entries SET skipped = 1 WHERE sd_id = ? AND note_id = ? AND source_writer = ?`,
		sdID, noteID, sourceWriter)
	if err != nil {
		return fmt.Errorf("index: skipping stale entry %s/%s/%s: %w", sdID, noteID, sourceWriter, err)
	}

	return nil
}

// RetryStaleEntry clears the skip bit, forcing the next sync cycle to
// recheck this entry.
func (s *Store) RetryStaleEntry(ctx context.Context, sdID, noteID, sourceWriter string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE stale_entries SET skipped = 0 WHERE sd_id = ? AND note_id = ? AND source_writer = ?`,
		sdID, noteID, sourceWriter)
	if err != nil {
		return fmt.Errorf("index: retrying stale entry %s/%s/%s: %w", sdID, noteID, sourceWriter, err)
	}

	return nil
}

// DeleteStaleEntry removes a stale entry once it has been resolved by a
// successful replay.
func (s *Store) DeleteStaleEntry(ctx context.Context, sdID, noteID, sourceWriter string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM stale_entries WHERE sd_id = ? AND note_id = ? AND source_writer = ?`,
		sdID, noteID, sourceWriter)
	if err != nil {
		return fmt.Errorf("index: deleting stale entry %s/%s/%s: %w", sdID, noteID, sourceWriter, err)
	}

	return nil
}
