package backup

import (
	"context"
	"fmt"
	"strings"

	"github.com/notesync/engine/internal/fscap"
)

// copyTree recursively copies src to dst, both given as absolute paths.
// Missing intermediate directories are created; an absent src directory is
// silently skipped (an SD need not carry every optional subtree, e.g.
// media/).
func copyTree(ctx context.Context, cap fscap.Capability, src, dst string) error {
	exists, err := cap.Exists(ctx, src)
	if err != nil {
		return fmt.Errorf("backup: checking %s: %w", src, err)
	}

	if !exists {
		return nil
	}

	info, err := cap.Stat(ctx, src)
	if err != nil {
		return fmt.Errorf("backup: stat %s: %w", src, err)
	}

	if !info.IsDir() {
		return copyFile(ctx, cap, src, dst)
	}

	if err := cap.Mkdir(ctx, dst); err != nil {
		return fmt.Errorf("backup: creating %s: %w", dst, err)
	}

	entries, err := cap.List(ctx, src)
	if err != nil {
		return fmt.Errorf("backup: listing %s: %w", src, err)
	}

	for _, entry := range entries {
		childSrc := cap.JoinPath(src, entry.Name())
		childDst := cap.JoinPath(dst, entry.Name())

		if err := copyTree(ctx, cap, childSrc, childDst); err != nil {
			return err
		}
	}

	return nil
}

// dirSize recursively sums the size of every regular file under root.
func dirSize(ctx context.Context, cap fscap.Capability, root string) (int64, error) {
	exists, err := cap.Exists(ctx, root)
	if err != nil {
		return 0, fmt.Errorf("backup: checking %s: %w", root, err)
	}

	if !exists {
		return 0, nil
	}

	info, err := cap.Stat(ctx, root)
	if err != nil {
		return 0, fmt.Errorf("backup: stat %s: %w", root, err)
	}

	if !info.IsDir() {
		return info.Size(), nil
	}

	entries, err := cap.List(ctx, root)
	if err != nil {
		return 0, fmt.Errorf("backup: listing %s: %w", root, err)
	}

	var total int64

	for _, entry := range entries {
		size, err := dirSize(ctx, cap, cap.JoinPath(root, entry.Name()))
		if err != nil {
			return 0, err
		}

		total += size
	}

	return total, nil
}

func copyFile(ctx context.Context, cap fscap.Capability, src, dst string) error {
	data, err := cap.Read(ctx, src)
	if err != nil {
		return fmt.Errorf("backup: reading %s: %w", src, err)
	}

	if err := cap.Write(ctx, dst, data); err != nil {
		return fmt.Errorf("backup: writing %s: %w", dst, err)
	}

	return nil
}

// countNotes returns the number of notes with on-disk append-log state
// under <sdRoot>/notes.
func countNotes(ctx context.Context, cap fscap.Capability, sdRoot string) (int, error) {
	ids, err := listNoteIDs(ctx, cap, sdRoot)
	return len(ids), err
}

// listNoteIDs returns the note ids with on-disk append-log state under
// <sdRoot>/notes: one subdirectory per note, excluding any in-flight
// cross-SD move staging dirs.
func listNoteIDs(ctx context.Context, cap fscap.Capability, sdRoot string) ([]string, error) {
	notesDir := cap.JoinPath(sdRoot, "notes")

	exists, err := cap.Exists(ctx, notesDir)
	if err != nil {
		return nil, err
	}

	if !exists {
		return nil, nil
	}

	entries, err := cap.List(ctx, notesDir)
	if err != nil {
		return nil, fmt.Errorf("backup: listing %s: %w", notesDir, err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".moving-") {
			ids = append(ids, e.Name())
		}
	}

	return ids, nil
}
