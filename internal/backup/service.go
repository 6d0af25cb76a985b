package backup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/notesync/engine/internal/fscap"
)

const preOperationRetention = 7 * 24 * time.Hour

// Service creates and prunes backups under one root directory.
type Service struct {
	cap        fscap.Capability
	backupRoot string
	// dbPath is the logical index's sqlite file, copied alongside every
	// backup. Left empty when the index runs in-memory (tests), in which
	// case the logical-database copy step is skipped.
	dbPath string
	logger *slog.Logger
}

func NewService(cap fscap.Capability, backupRoot, dbPath string, logger *slog.Logger) *Service {
	return &Service{cap: cap, backupRoot: backupRoot, dbPath: dbPath, logger: logger}
}

// PreOperationBackup copies only the named notes' directories plus the
// logical database, ahead of a destructive UI action.
func (s *Service) PreOperationBackup(ctx context.Context, sdUUID, sdName, sdRoot string, noteIDs []string, description string) (string, error) {
	backupID := newBackupID()
	backupDir := s.cap.JoinPath(s.backupRoot, backupID)

	if err := s.cap.Mkdir(ctx, backupDir); err != nil {
		return "", fmt.Errorf("backup: creating %s: %w", backupDir, err)
	}

	notesDst := s.cap.JoinPath(backupDir, "notes")
	for _, noteID := range noteIDs {
		src := s.cap.JoinPath(sdRoot, "notes", noteID)
		dst := s.cap.JoinPath(notesDst, noteID)

		if err := copyTree(ctx, s.cap, src, dst); err != nil {
			return "", err
		}
	}

	if err := s.copyDatabase(ctx, backupDir); err != nil {
		return "", err
	}

	size, err := dirSize(ctx, s.cap, backupDir)
	if err != nil {
		return "", err
	}

	meta := Metadata{
		BackupID:       backupID,
		SDUuid:         sdUUID,
		SDName:         sdName,
		TimestampMilli: time.Now().UnixMilli(),
		NoteCount:      len(noteIDs),
		SizeBytes:      size,
		Type:           KindPreOperation,
		Description:    description,
	}

	if err := writeMetadata(ctx, s.cap, backupDir, meta); err != nil {
		return "", err
	}

	s.logger.Info("backup: pre-operation snapshot created", "backup_id", backupID, "sd_uuid", sdUUID, "note_count", len(noteIDs))

	return backupID, nil
}

// ManualBackup copies the entire SD (notes, folders, media, activity,
// deleted, profiles, SD_VERSION) plus the logical database.
func (s *Service) ManualBackup(ctx context.Context, sdUUID, sdName, sdRoot, description string) (string, error) {
	backupID := newBackupID()
	backupDir := s.cap.JoinPath(s.backupRoot, backupID)

	if err := s.cap.Mkdir(ctx, backupDir); err != nil {
		return "", fmt.Errorf("backup: creating %s: %w", backupDir, err)
	}

	for _, dir := range []string{"notes", "folders", "media", "activity", "deleted", "profiles"} {
		if err := copyTree(ctx, s.cap, s.cap.JoinPath(sdRoot, dir), s.cap.JoinPath(backupDir, dir)); err != nil {
			return "", err
		}
	}

	if err := copyFile(ctx, s.cap, s.cap.JoinPath(sdRoot, "SD_VERSION"), s.cap.JoinPath(backupDir, "SD_VERSION")); err != nil {
		return "", err
	}

	if err := s.copyDatabase(ctx, backupDir); err != nil {
		return "", err
	}

	noteCount, err := countNotes(ctx, s.cap, sdRoot)
	if err != nil {
		return "", err
	}

	size, err := dirSize(ctx, s.cap, backupDir)
	if err != nil {
		return "", err
	}

	meta := Metadata{
		BackupID:       backupID,
		SDUuid:         sdUUID,
		SDName:         sdName,
		TimestampMilli: time.Now().UnixMilli(),
		NoteCount:      noteCount,
		SizeBytes:      size,
		Type:           KindManual,
		Description:    description,
	}

	if err := writeMetadata(ctx, s.cap, backupDir, meta); err != nil {
		return "", err
	}

	s.logger.Info("backup: manual backup created", "backup_id", backupID, "sd_uuid", sdUUID, "note_count", noteCount)

	return backupID, nil
}

func (s *Service) copyDatabase(ctx context.Context, backupDir string) error {
	if s.dbPath == "" {
		return nil
	}

	return copyFile(ctx, s.cap, s.dbPath, s.cap.JoinPath(backupDir, "index.db"))
}

// ListBackups returns the metadata of every backup under the root,
// newest first.
func (s *Service) ListBackups(ctx context.Context) ([]Metadata, error) {
	exists, err := s.cap.Exists(ctx, s.backupRoot)
	if err != nil {
		return nil, fmt.Errorf("backup: checking %s: %w", s.backupRoot, err)
	}

	if !exists {
		return nil, nil
	}

	entries, err := s.cap.List(ctx, s.backupRoot)
	if err != nil {
		return nil, fmt.Errorf("backup: listing %s: %w", s.backupRoot, err)
	}

	var out []Metadata

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		meta, err := readMetadata(ctx, s.cap, s.cap.JoinPath(s.backupRoot, e.Name()))
		if err != nil {
			s.logger.Warn("backup: skipping listing entry with unreadable metadata", "dir", e.Name(), "error", err)
			continue
		}

		out = append(out, *meta)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TimestampMilli > out[j].TimestampMilli })

	return out, nil
}

// Size returns the total on-disk size in bytes of the named backup.
// 'backup list' does not call it and shows no sizes.
func (s *Service) Size(ctx context.Context, backupID string) (int64, error) {
	return dirSize(ctx, s.cap, s.cap.JoinPath(s.backupRoot, backupID))
}

// CleanupExpired removes pre-operation backups older than seven days.
// Manual backups are retained indefinitely; the caller is responsible for
// pruning those.
func (s *Service) CleanupExpired(ctx context.Context, now time.Time) ([]string, error) {
	exists, err := s.cap.Exists(ctx, s.backupRoot)
	if err != nil {
		return nil, fmt.Errorf("backup: checking %s: %w", s.backupRoot, err)
	}

	if !exists {
		return nil, nil
	}

	entries, err := s.cap.List(ctx, s.backupRoot)
	if err != nil {
		return nil, fmt.Errorf("backup: listing %s: %w", s.backupRoot, err)
	}

	var removed []string

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		backupDir := s.cap.JoinPath(s.backupRoot, e.Name())

		meta, err := readMetadata(ctx, s.cap, backupDir)
		if err != nil {
			s.logger.Warn("backup: skipping cleanup candidate with unreadable metadata", "dir", backupDir, "error", err)
			continue
		}

		if meta.Type != KindPreOperation {
			continue
		}

		age := now.Sub(time.UnixMilli(meta.TimestampMilli))
		if age <= preOperationRetention {
			continue
		}

		if err := s.cap.RemoveAll(ctx, backupDir); err != nil {
			return removed, fmt.Errorf("backup: removing expired %s: %w", backupDir, err)
		}

		removed = append(removed, meta.BackupID)
	}

	s.logger.Info("backup: cleanup complete", "removed_count", len(removed))

	return removed, nil
}
