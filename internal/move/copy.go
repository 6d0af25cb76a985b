package move

import (
	"context"
	"fmt"

	"github.com/notesync/engine/internal/fscap"
)

// copyTree recursively copies src to dst, both absolute paths, creating
// missing intermediate directories. An absent src is not an error: a
// target SD's notes tree need not pre-exist.
func copyTree(ctx context.Context, cap fscap.Capability, src, dst string) error {
	exists, err := cap.Exists(ctx, src)
	if err != nil {
		return fmt.Errorf("move: checking %s: %w", src, err)
	}

	if !exists {
		return nil
	}

	info, err := cap.Stat(ctx, src)
	if err != nil {
		return fmt.Errorf("move: stat %s: %w", src, err)
	}

	if !info.IsDir() {
		data, err := cap.Read(ctx, src)
		if err != nil {
			return fmt.Errorf("move: reading %s: %w", src, err)
		}

		if err := cap.Write(ctx, dst, data); err != nil {
			return fmt.Errorf("move: writing %s: %w", dst, err)
		}

		return nil
	}

	if err := cap.Mkdir(ctx, dst); err != nil {
		return fmt.Errorf("move: creating %s: %w", dst, err)
	}

	entries, err := cap.List(ctx, src)
	if err != nil {
		return fmt.Errorf("move: listing %s: %w", src, err)
	}

	for _, entry := range entries {
		if err := copyTree(ctx, cap, cap.JoinPath(src, entry.Name()), cap.JoinPath(dst, entry.Name())); err != nil {
			return err
		}
	}

	return nil
}
