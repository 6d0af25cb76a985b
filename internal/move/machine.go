// Package move implements the cross-SD note move state machine: a
// journaled, crash-recoverable sequence that copies a note's
// append-log state into a target Storage Directory, repoints the logical
// index, then retires the source copy via the normal deletion-log path so
// every other instance drops it too.
package move

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/notesync/engine/internal/applog"
	"github.com/notesync/engine/internal/deletion"
	"github.com/notesync/engine/internal/fscap"
	"github.com/notesync/engine/internal/index"
)

// stateRecoveryGrace is how stale another host's non-terminal row must be
// before this host may attempt takeOverMove.
const stateRecoveryGrace = 5 * time.Minute

// ErrInvalidTransition is returned when a requested transition does not
// follow the state machine's edges.
var ErrInvalidTransition = errors.New("move: invalid state transition")

// ErrNotAccessible is returned by Recover when a stale row initiated by
// another host cannot be taken over because one of its SDs is not
// reachable from this host.
var ErrNotAccessible = errors.New("move: source or target sd not accessible for takeover")

const (
	StateInitiated   = "initiated"
	StateCopying     = "copying"
	StateFilesCopied = "files_copied"
	StateDBUpdated   = "db_updated"
	StateCleaning    = "cleaning"
	StateCompleted   = "completed"
	StateCancelled   = "cancelled"
	StateRolledBack  = "rolled_back"
)

func isTerminal(state string) bool {
	return state == StateCompleted || state == StateCancelled || state == StateRolledBack
}

// happyPathOrder positions each forward state so rollback can ask "did
// this row get at least as far as X". Terminal states are absent: a row
// being rolled back is by definition still on the forward path.
var happyPathOrder = map[string]int{
	StateInitiated:   0,
	StateCopying:     1,
	StateFilesCopied: 2,
	StateDBUpdated:   3,
	StateCleaning:    4,
}

func stateReached(state, threshold string) bool {
	got, ok := happyPathOrder[state]
	want, ok2 := happyPathOrder[threshold]

	return ok && ok2 && got >= want
}

// DeletionLoggerFunc returns the deletion logger a caller should append to
// for a given sdID, so the machine can write the source-side tombstone at
// the db_updated step without owning SD bring-up itself.
type DeletionLoggerFunc func(sdID string) (*deletion.Logger, error)

// Request describes a move a caller wants to initiate.
type Request struct {
	NoteID         string
	SourceSDUUID   string
	TargetSDUUID   string
	TargetFolderID string
	SourceSDPath   string
	TargetSDPath   string
	InitiatedBy    string // host/instance id, for crash-recovery ownership
}

// Machine drives move-journal rows through the move states. One
// Machine is shared by every SD a process has registered; each call
// operates on a single journal row identified by its ID.
type Machine struct {
	cap           fscap.Capability
	applogMgr     *applog.Manager
	idx           *index.Store
	deletionLogAt DeletionLoggerFunc
	hostID        string
	logger        *slog.Logger
}

// NewMachine returns a Machine. deletionLogAt may be nil, in which case
// the db_updated step skips writing a source-side tombstone (tests that
// don't wire up deletion logging).
func NewMachine(cap fscap.Capability, applogMgr *applog.Manager, idx *index.Store, deletionLogAt DeletionLoggerFunc, hostID string, logger *slog.Logger) *Machine {
	return &Machine{cap: cap, applogMgr: applogMgr, idx: idx, deletionLogAt: deletionLogAt, hostID: hostID, logger: logger}
}

func (m *Machine) stagingDir(targetSDPath, noteID string) string {
	return m.cap.JoinPath(targetSDPath, "notes", ".moving-"+noteID)
}

func (m *Machine) finalDir(targetSDPath, noteID string) string {
	return m.cap.JoinPath(targetSDPath, "notes", noteID)
}

// Start persists a fresh journal row in state initiated and drives it to
// completion (or rolled_back on error). It blocks for the duration of the
// move; callers that want this off the request path should run it in a
// goroutine.
func (m *Machine) Start(ctx context.Context, req Request) (*index.MoveRow, error) {
	now := time.Now().UnixMilli()

	row := index.MoveRow{
		ID:             uuid.NewString(),
		NoteID:         req.NoteID,
		SourceSDUUID:   req.SourceSDUUID,
		TargetSDUUID:   req.TargetSDUUID,
		TargetFolderID: req.TargetFolderID,
		State:          StateInitiated,
		InitiatedBy:    req.InitiatedBy,
		InitiatedAt:    now,
		LastModified:   now,
		SourceSDPath:   req.SourceSDPath,
		TargetSDPath:   req.TargetSDPath,
	}

	if err := m.idx.SaveMoveRow(ctx, row); err != nil {
		return nil, err
	}

	return m.advance(ctx, &row)
}

// Cancel transitions a row from initiated to cancelled. It is rejected
// once the row has left initiated.
func (m *Machine) Cancel(ctx context.Context, id string) error {
	row, err := m.idx.GetMoveRow(ctx, id)
	if err != nil {
		return err
	}

	if row.State != StateInitiated {
		return fmt.Errorf("%w: cannot cancel from %s", ErrInvalidTransition, row.State)
	}

	row.State = StateCancelled
	row.LastModified = time.Now().UnixMilli()

	return m.idx.SaveMoveRow(ctx, *row)
}

// Recover scans non-terminal journal rows on startup: rows this host
// initiated are resumed from their persisted state; stale rows (last
// modified more than five minutes ago) initiated by another host are
// taken over only when both SDs are reachable from this host, otherwise
// left for an operator and reported via the returned slice.
func (m *Machine) Recover(ctx context.Context) ([]index.MoveRow, error) {
	rows, err := m.idx.ListNonTerminalMoves(ctx)
	if err != nil {
		return nil, err
	}

	var needsOperator []index.MoveRow

	for _, row := range rows {
		row := row

		if row.InitiatedBy == m.hostID {
			if _, err := m.advance(ctx, &row); err != nil {
				m.logger.Warn("move: resume failed", "move_id", row.ID, "error", err)
			}

			continue
		}

		stale := time.Since(time.UnixMilli(row.LastModified)) > stateRecoveryGrace
		if !stale {
			continue
		}

		if err := m.takeOverMove(ctx, &row); err != nil {
			m.logger.Warn("move: takeover refused, surfacing to operator", "move_id", row.ID, "error", err)
			needsOperator = append(needsOperator, row)
		}
	}

	return needsOperator, nil
}

func (m *Machine) takeOverMove(ctx context.Context, row *index.MoveRow) error {
	sourceOK, err := m.cap.Exists(ctx, row.SourceSDPath)
	if err != nil {
		return err
	}

	targetOK, err := m.cap.Exists(ctx, row.TargetSDPath)
	if err != nil {
		return err
	}

	if !sourceOK || !targetOK {
		return fmt.Errorf("%w: move %s", ErrNotAccessible, row.ID)
	}

	row.InitiatedBy = m.hostID

	_, err = m.advance(ctx, row)

	return err
}

// advance drives row from its current state to completed, persisting
// after every transition so a crash mid-flight resumes exactly here.
// Any step error rolls the row back.
func (m *Machine) advance(ctx context.Context, row *index.MoveRow) (*index.MoveRow, error) {
	steps := []struct {
		from string
		to   string
		run  func(context.Context, *index.MoveRow) error
	}{
		{StateInitiated, StateCopying, m.stepCopying},
		{StateCopying, StateFilesCopied, m.stepFilesCopied},
		{StateFilesCopied, StateDBUpdated, m.stepDBUpdated},
		{StateDBUpdated, StateCleaning, m.stepCleaning},
		{StateCleaning, StateCompleted, m.stepCompleted},
	}

	for _, step := range steps {
		if isTerminal(row.State) {
			break
		}

		if row.State != step.from {
			continue
		}

		if err := step.run(ctx, row); err != nil {
			if rbErr := m.rollback(ctx, row, err); rbErr != nil {
				return row, fmt.Errorf("move: rollback after %v failed: %w", err, rbErr)
			}

			return row, err
		}

		row.State = step.to
		row.LastModified = time.Now().UnixMilli()
		row.Error = ""

		if err := m.idx.SaveMoveRow(ctx, *row); err != nil {
			return row, err
		}
	}

	return row, nil
}

func (m *Machine) stepCopying(ctx context.Context, row *index.MoveRow) error {
	sourceDir, err := m.applogMgr.TargetDir(row.SourceSDUUID, row.NoteID)
	if err != nil {
		return err
	}

	if err := copyTree(ctx, m.cap, sourceDir, m.stagingDir(row.TargetSDPath, row.NoteID)); err != nil {
		return err
	}

	return nil
}

func (m *Machine) stepFilesCopied(ctx context.Context, row *index.MoveRow) error {
	staging := m.stagingDir(row.TargetSDPath, row.NoteID)
	final := m.finalDir(row.TargetSDPath, row.NoteID)

	stagingExists, err := m.cap.Exists(ctx, staging)
	if err != nil {
		return fmt.Errorf("move: checking staging dir %s: %w", staging, err)
	}

	if !stagingExists {
		// A previous attempt crashed after the rename landed; the step
		// is already done.
		finalExists, err := m.cap.Exists(ctx, final)
		if err != nil {
			return fmt.Errorf("move: checking %s: %w", final, err)
		}

		if finalExists {
			return nil
		}

		return fmt.Errorf("move: neither staging nor final dir present for note %s", row.NoteID)
	}

	if err := m.cap.RemoveAll(ctx, final); err != nil {
		return fmt.Errorf("move: clearing stale target dir %s: %w", final, err)
	}

	if err := m.cap.Rename(ctx, staging, final); err != nil {
		return fmt.Errorf("move: renaming staging into place: %w", err)
	}

	return nil
}

func (m *Machine) stepDBUpdated(ctx context.Context, row *index.MoveRow) error {
	if err := m.idx.SetNoteLocation(ctx, row.NoteID, row.TargetSDUUID, time.Now().UnixMilli()); err != nil {
		return err
	}

	if m.deletionLogAt == nil {
		return nil
	}

	logger, err := m.deletionLogAt(row.SourceSDUUID)
	if err != nil {
		return err
	}

	if _, err := logger.Record(ctx, row.NoteID); err != nil {
		return err
	}

	return logger.Flush(ctx)
}

func (m *Machine) stepCleaning(ctx context.Context, row *index.MoveRow) error {
	sourceDir, err := m.applogMgr.TargetDir(row.SourceSDUUID, row.NoteID)
	if err != nil {
		return err
	}

	if err := m.cap.RemoveAll(ctx, sourceDir); err != nil {
		return fmt.Errorf("move: removing source dir %s: %w", sourceDir, err)
	}

	return nil
}

// stepCompleted re-runs the cleaning state's delete before the row goes
// terminal: a crash mid-cleaning can leave source leftovers behind, and
// RemoveAll is idempotent when the happy path already got them all.
func (m *Machine) stepCompleted(ctx context.Context, row *index.MoveRow) error {
	sourceDir, err := m.applogMgr.TargetDir(row.SourceSDUUID, row.NoteID)
	if err != nil {
		return err
	}

	if err := m.cap.RemoveAll(ctx, sourceDir); err != nil {
		return fmt.Errorf("move: removing source leftovers %s: %w", sourceDir, err)
	}

	return nil
}

// rollback reverts a failed row to rolled_back, undoing whatever partial
// work the failed state had performed. Idempotent: running it twice over
// the same partially-rolled-back row is safe.
func (m *Machine) rollback(ctx context.Context, row *index.MoveRow, cause error) error {
	staging := m.stagingDir(row.TargetSDPath, row.NoteID)
	if err := m.cap.RemoveAll(ctx, staging); err != nil {
		return err
	}

	// stepDBUpdated can fail after it has already repointed the index but
	// before its deletion-log write lands, so the decision to revert is
	// based on what the index actually records rather than row.State.
	if loc, err := m.idx.GetNoteLocation(ctx, row.NoteID); err == nil && loc == row.TargetSDUUID {
		if err := m.idx.SetNoteLocation(ctx, row.NoteID, row.SourceSDUUID, time.Now().UnixMilli()); err != nil {
			return err
		}
	}

	if row.State == StateCleaning {
		// Cleaning may have deleted some or all of the source; the target
		// copy is still complete (it survives until completed), so rebuild
		// the source from it wholesale rather than guessing which files
		// the partial delete took.
		sourceDir, err := m.applogMgr.TargetDir(row.SourceSDUUID, row.NoteID)
		if err != nil {
			return err
		}

		if err := m.cap.RemoveAll(ctx, sourceDir); err != nil {
			return err
		}

		final := m.finalDir(row.TargetSDPath, row.NoteID)
		if err := copyTree(ctx, m.cap, final, sourceDir); err != nil {
			return err
		}
	}

	// Once files_copied has run, a complete copy sits at the target's
	// final path. The source copy is authoritative after rollback (still
	// present until completed, restored just above if cleaning had begun),
	// so the target copy must go — leaving it would put the same note in
	// two SDs at once.
	if stateReached(row.State, StateFilesCopied) {
		if err := m.cap.RemoveAll(ctx, m.finalDir(row.TargetSDPath, row.NoteID)); err != nil {
			return err
		}
	}

	row.State = StateRolledBack
	row.LastModified = time.Now().UnixMilli()

	if cause != nil {
		row.Error = cause.Error()
	}

	return m.idx.SaveMoveRow(ctx, *row)
}
