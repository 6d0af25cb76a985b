// Package sdmanager owns the set of registered Storage Directories: it
// builds each SD's on-disk layout, resolves its identity files, wires
// together the L1 append-log store and L2 activity/deletion pairs for it,
// installs filesystem watches with polling backups, and enforces the
// startup grace period before any watcher-driven event reaches the rest
// of the engine.
package sdmanager

import (
	"context"
	"fmt"

	"github.com/notesync/engine/internal/fscap"
)

// layoutDirs are the subdirectories every Storage Directory must have,
// relative to its root.
var layoutDirs = [][]string{
	{"notes"},
	{"folders", "logs"},
	{"activity"},
	{"deleted"},
	{"media"},
	{"profiles"},
}

func ensureLayout(ctx context.Context, cap fscap.Capability, root string) error {
	for _, parts := range layoutDirs {
		elems := append([]string{root}, parts...)

		dir := cap.JoinPath(elems...)
		if err := cap.Mkdir(ctx, dir); err != nil {
			return fmt.Errorf("sdmanager: creating %s: %w", dir, err)
		}
	}

	return nil
}
