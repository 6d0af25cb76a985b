package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrConflictingSD is returned by RegisterSD when the new row would
// collide on UUID, name, or path with an already-registered SD, matching
// the operator-facing conflicting-SD error kind.
var ErrConflictingSD = errors.New("index: conflicting storage directory")

// ErrSDNotFound is returned when a lookup references an unregistered SD id.
var ErrSDNotFound = errors.New("index: storage directory not found")

// RegisteredSD is one row of the registered_sds table.
type RegisteredSD struct {
	SDID         string
	Name         string
	Path         string
	Marker       string
	RegisteredAt int64
	Paused       bool
}

// RegisterSD inserts a new registered SD row. The caller is responsible
// for having already checked ConflictingSD conditions it wants a
// user-facing message for; this call itself fails with ErrConflictingSD
// (wrapping the naming offender) on a UNIQUE violation.
func (s *Store) RegisterSD(ctx context.Context, sd RegisteredSD) error {
	err := execRetryBusy(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO registered_sds (sd_id, name, path, marker, registered_at) VALUES (?, ?, ?, ?, ?)`,
			sd.SDID, sd.Name, sd.Path, sd.Marker, sd.RegisteredAt)
		return err
	})
	if err != nil {
		if existing, findErr := s.findConflict(ctx, sd); findErr == nil && existing != nil {
			return fmt.Errorf("%w: %s (name=%q path=%q) already registered: %v", ErrConflictingSD, existing.SDID, existing.Name, existing.Path, err)
		}

		return fmt.Errorf("index: registering sd %s: %w", sd.SDID, err)
	}

	return nil
}

func (s *Store) findConflict(ctx context.Context, sd RegisteredSD) (*RegisteredSD, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sd_id, name, path, marker, registered_at, paused FROM registered_sds WHERE sd_id = ? OR name = ? OR path = ?`,
		sd.SDID, sd.Name, sd.Path)

	var existing RegisteredSD
	var paused int
	if err := row.Scan(&existing.SDID, &existing.Name, &existing.Path, &existing.Marker, &existing.RegisteredAt, &paused); err != nil {
		return nil, err
	}

	existing.Paused = paused != 0

	return &existing, nil
}

// GetSD looks up a registered SD by id.
func (s *Store) GetSD(ctx context.Context, sdID string) (*RegisteredSD, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sd_id, name, path, marker, registered_at, paused FROM registered_sds WHERE sd_id = ?`, sdID)

	var sd RegisteredSD
	var paused int
	if err := row.Scan(&sd.SDID, &sd.Name, &sd.Path, &sd.Marker, &sd.RegisteredAt, &paused); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSDNotFound, sdID)
		}

		return nil, fmt.Errorf("index: get sd %s: %w", sdID, err)
	}

	sd.Paused = paused != 0

	return &sd, nil
}

// GetSDByName looks up a registered SD by its operator-chosen name.
func (s *Store) GetSDByName(ctx context.Context, name string) (*RegisteredSD, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sd_id, name, path, marker, registered_at, paused FROM registered_sds WHERE name = ?`, name)

	var sd RegisteredSD
	var paused int
	if err := row.Scan(&sd.SDID, &sd.Name, &sd.Path, &sd.Marker, &sd.RegisteredAt, &paused); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSDNotFound, name)
		}

		return nil, fmt.Errorf("index: get sd by name %s: %w", name, err)
	}

	sd.Paused = paused != 0

	return &sd, nil
}

// ListSDs returns every registered SD.
func (s *Store) ListSDs(ctx context.Context) ([]RegisteredSD, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sd_id, name, path, marker, registered_at, paused FROM registered_sds ORDER BY registered_at`)
	if err != nil {
		return nil, fmt.Errorf("index: listing sds: %w", err)
	}
	defer rows.Close()

	var out []RegisteredSD

	for rows.Next() {
		var sd RegisteredSD
		var paused int
		if err := rows.Scan(&sd.SDID, &sd.Name, &sd.Path, &sd.Marker, &sd.RegisteredAt, &paused); err != nil {
			return nil, fmt.Errorf("index: scanning sd row: %w", err)
		}

		sd.Paused = paused != 0
		out = append(out, sd)
	}

	return out, rows.Err()
}

// SetPaused updates the paused flag for a registered SD. A paused SD is
// skipped by 'run' bring-up (no watchers, no polling) until resumed.
func (s *Store) SetPaused(ctx context.Context, sdID string, paused bool) error {
	v := 0
	if paused {
		v = 1
	}

	err := execRetryBusy(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `UPDATE registered_sds SET paused = ? WHERE sd_id = ?`, v, sdID)
		return err
	})
	if err != nil {
		return fmt.Errorf("index: setting paused=%v for %s: %w", paused, sdID, err)
	}

	return nil
}

// RemoveSD unregisters an SD. Idempotent: removing an unregistered id is
// not an error.
func (s *Store) RemoveSD(ctx context.Context, sdID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM registered_sds WHERE sd_id = ?`, sdID); err != nil {
		return fmt.Errorf("index: removing sd %s: %w", sdID, err)
	}

	return nil
}

// SetMarker updates the SD_MARKER value cached for sdID.
func (s *Store) SetMarker(ctx context.Context, sdID, marker string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE registered_sds SET marker = ? WHERE sd_id = ?`, marker, sdID); err != nil {
		return fmt.Errorf("index: updating marker for %s: %w", sdID, err)
	}

	return nil
}
