// Package backup implements pre-operation and manual snapshots of a
// Storage Directory, plus restore with duplicate-identity and live-note
// conflict detection.
package backup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/notesync/engine/internal/fscap"
)

const metadataFileName = "metadata.json"

// Kind distinguishes a pre-operation snapshot, taken automatically before
// a destructive UI action, from a manual, user-requested backup.
type Kind string

const (
	KindPreOperation Kind = "pre-operation"
	KindManual       Kind = "manual"
)

// Metadata is the JSON sidecar written alongside every backup, describing
// what it is a backup of. FolderCount is best-effort: per-folder identity
// lives inside the folder-tree CRDT document, which this engine treats as
// an external capability, so it stays zero unless a caller that can
// decode the tree fills it in. IsPacked is reserved for a future archive
// format; backups today are plain directory trees.
type Metadata struct {
	BackupID       string `json:"backupId"`
	SDUuid         string `json:"sdUuid"`
	SDName         string `json:"sdName,omitempty"`
	TimestampMilli int64  `json:"timestamp"`
	NoteCount      int    `json:"noteCount"`
	FolderCount    int    `json:"folderCount"`
	SizeBytes      int64  `json:"sizeBytes"`
	Type           Kind   `json:"type"`
	IsPacked       bool   `json:"isPacked"`
	Description    string `json:"description,omitempty"`
}

func newBackupID() string {
	return uuid.NewString()
}

func readMetadata(ctx context.Context, cap fscap.Capability, backupDir string) (*Metadata, error) {
	path := cap.JoinPath(backupDir, metadataFileName)

	data, err := cap.Read(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("backup: reading %s: %w", path, err)
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("backup: decoding %s: %w", path, err)
	}

	return &m, nil
}

func writeMetadata(ctx context.Context, cap fscap.Capability, backupDir string, m Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("backup: encoding metadata: %w", err)
	}

	path := cap.JoinPath(backupDir, metadataFileName)
	if err := cap.Write(ctx, path, data); err != nil {
		return fmt.Errorf("backup: writing %s: %w", path, err)
	}

	return nil
}
