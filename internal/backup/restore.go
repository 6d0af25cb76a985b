package backup

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/notesync/engine/internal/index"
)

var (
	// ErrMissingMetadata is returned when a backup directory has no
	// metadata.json.
	ErrMissingMetadata = errors.New("backup: missing metadata.json")
	// ErrAlreadyRegistered is returned when registerAsNew is false and an
	// SD with the backup's sdUuid is already registered.
	ErrAlreadyRegistered = errors.New("backup: an sd with this uuid is already registered")
	// ErrTargetNotEmpty is returned when the restore target directory
	// exists and is not empty.
	ErrTargetNotEmpty = errors.New("backup: restore target directory is not empty")
)

// ConflictError reports that note or folder ids in a backup collide with
// notes or folders already live in a currently-registered SD.
type ConflictError struct {
	ConflictingSDs []string
	NoteIDs        []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("backup: %d note(s) collide with live SDs %v", len(e.NoteIDs), e.ConflictingSDs)
}

// RestorePlan is the outcome of a successful Restore: the payload has been
// copied into targetDir and SD_ID written, but the SD has not yet been
// registered with the index or brought up — the caller does both, so a
// name/path conflict at registration produces its own user-facing message
// rather than being folded into this package.
type RestorePlan struct {
	SDID string
	Name string
	Path string
}

// Restore copies a backup's payload into targetDir and assigns it an
// SD_ID, after the duplicate and collision checks. name is the SD's registration
// name; when registerAsNew is true, a fresh UUID is generated and
// " (Restored)" is appended to name. The caller is responsible for
// registering the resulting RestorePlan with the index and triggering
// normal SD bring-up.
func (s *Service) Restore(ctx context.Context, idx *index.Store, backupDir, targetDir, name string, registerAsNew bool) (*RestorePlan, error) {
	meta, err := readMetadata(ctx, s.cap, backupDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingMetadata, err)
	}

	if !registerAsNew {
		existing, err := idx.ListSDs(ctx)
		if err != nil {
			return nil, err
		}

		for _, sd := range existing {
			if sd.SDID == meta.SDUuid {
				return nil, fmt.Errorf("%w: uuid %s belongs to %q at %s — unload it first or restore as new",
					ErrAlreadyRegistered, meta.SDUuid, sd.Name, sd.Path)
			}
		}
	}

	if err := s.checkNoteConflicts(ctx, idx, backupDir); err != nil {
		return nil, err
	}

	if err := s.ensureEmptyTarget(ctx, targetDir); err != nil {
		return nil, err
	}

	for _, dir := range []string{"notes", "folders", "media", "activity", "deleted", "profiles", "SD_VERSION"} {
		if err := copyTree(ctx, s.cap, s.cap.JoinPath(backupDir, dir), s.cap.JoinPath(targetDir, dir)); err != nil {
			return nil, err
		}
	}

	sdID := meta.SDUuid
	restoredName := name

	if registerAsNew {
		sdID = uuid.NewString()
		restoredName = name + " (Restored)"
	}

	idPath := s.cap.JoinPath(targetDir, "SD_ID")
	if err := s.cap.Write(ctx, idPath, []byte(sdID+"\n")); err != nil {
		return nil, fmt.Errorf("backup: writing %s: %w", idPath, err)
	}

	s.logger.Info("backup: restore payload copied", "sd_id", sdID, "target", targetDir, "register_as_new", registerAsNew)

	return &RestorePlan{SDID: sdID, Name: restoredName, Path: targetDir}, nil
}

func (s *Service) ensureEmptyTarget(ctx context.Context, targetDir string) error {
	exists, err := s.cap.Exists(ctx, targetDir)
	if err != nil {
		return fmt.Errorf("backup: checking %s: %w", targetDir, err)
	}

	if !exists {
		if err := s.cap.Mkdir(ctx, targetDir); err != nil {
			return fmt.Errorf("backup: creating %s: %w", targetDir, err)
		}

		return nil
	}

	entries, err := s.cap.List(ctx, targetDir)
	if err != nil {
		return fmt.Errorf("backup: listing %s: %w", targetDir, err)
	}

	if len(entries) > 0 {
		return fmt.Errorf("%w: %s", ErrTargetNotEmpty, targetDir)
	}

	return nil
}

// checkNoteConflicts scans the backup for noteIds that collide with any
// currently registered SD's live notes. Folder-tree collisions are not
// checked here: the folder tree is a single CRDT document per SD (the
// capability this engine treats as external, per the folder-tree CRDT
// being out of scope), so per-folder identity is not observable without
// decoding that document.
func (s *Service) checkNoteConflicts(ctx context.Context, idx *index.Store, backupDir string) error {
	backupNoteIDs, err := listNoteIDs(ctx, s.cap, backupDir)
	if err != nil {
		return err
	}

	if len(backupNoteIDs) == 0 {
		return nil
	}

	wanted := make(map[string]struct{}, len(backupNoteIDs))
	for _, id := range backupNoteIDs {
		wanted[id] = struct{}{}
	}

	registered, err := idx.ListSDs(ctx)
	if err != nil {
		return err
	}

	var conflictingSDs []string
	var conflictingNotes []string

	for _, sd := range registered {
		liveIDs, err := listNoteIDs(ctx, s.cap, sd.Path)
		if err != nil {
			return err
		}

		var hit bool

		for _, id := range liveIDs {
			if _, ok := wanted[id]; ok {
				conflictingNotes = append(conflictingNotes, id)
				hit = true
			}
		}

		if hit {
			conflictingSDs = append(conflictingSDs, sd.Name)
		}
	}

	if len(conflictingNotes) > 0 {
		return &ConflictError{ConflictingSDs: conflictingSDs, NoteIDs: conflictingNotes}
	}

	return nil
}

