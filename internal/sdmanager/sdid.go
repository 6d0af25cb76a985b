package sdmanager

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/notesync/engine/internal/fscap"
)

const (
	sdIDFileName       = "SD_ID"
	legacySDIDFileName = ".sd-id"
	sdVersionFileName  = "SD_VERSION"
	sdMarkerFileName   = "SD_MARKER"

	currentSDVersion = "1"
)

// readUUIDFile returns the trimmed content of path if it parses as a
// UUID, and false otherwise; invalid content is treated as absent.
func readUUIDFile(ctx context.Context, cap fscap.Capability, path string) (string, bool) {
	data, err := cap.Read(ctx, path)
	if err != nil {
		return "", false
	}

	s := strings.TrimSpace(string(data))
	if _, err := uuid.Parse(s); err != nil {
		return "", false
	}

	return s, true
}

func writeIDFile(ctx context.Context, cap fscap.Capability, path, id string) error {
	if err := cap.Write(ctx, path, []byte(id+"\n")); err != nil {
		return fmt.Errorf("sdmanager: writing %s: %w", path, err)
	}

	return nil
}

// resolveSDID implements the SD-ID migration: adopt a
// legacy .sd-id if SD_ID is absent, prefer .sd-id on disagreement (it
// reflects what the running code has actually been using), and generate
// a fresh UUID when neither is present.
func resolveSDID(ctx context.Context, cap fscap.Capability, root string, logger *slog.Logger) (string, error) {
	idPath := cap.JoinPath(root, sdIDFileName)
	legacyPath := cap.JoinPath(root, legacySDIDFileName)

	current, hasCurrent := readUUIDFile(ctx, cap, idPath)
	legacy, hasLegacy := readUUIDFile(ctx, cap, legacyPath)

	switch {
	case hasCurrent && hasLegacy:
		if current != legacy {
			logger.Warn("sdmanager: SD_ID disagrees with legacy .sd-id, adopting legacy value",
				"sd_id", legacy, "stale_sd_id", current, "root", root)

			if err := writeIDFile(ctx, cap, idPath, legacy); err != nil {
				return "", err
			}

			current = legacy
		}

		if err := cap.RemoveAll(ctx, legacyPath); err != nil {
			logger.Warn("sdmanager: removing legacy .sd-id failed", "root", root, "error", err)
		}

		return current, nil

	case hasCurrent:
		return current, nil

	case hasLegacy:
		if err := writeIDFile(ctx, cap, idPath, legacy); err != nil {
			return "", err
		}

		if err := cap.RemoveAll(ctx, legacyPath); err != nil {
			logger.Warn("sdmanager: removing legacy .sd-id failed", "root", root, "error", err)
		}

		return legacy, nil

	default:
		id := uuid.NewString()
		if err := writeIDFile(ctx, cap, idPath, id); err != nil {
			return "", err
		}

		return id, nil
	}
}

// ensureVersion writes SD_VERSION if absent; it never overwrites an
// existing value, since a future version bump needs to see what an SD
// was last written by.
func ensureVersion(ctx context.Context, cap fscap.Capability, root string) error {
	path := cap.JoinPath(root, sdVersionFileName)

	exists, err := cap.Exists(ctx, path)
	if err != nil {
		return fmt.Errorf("sdmanager: checking %s: %w", path, err)
	}

	if exists {
		return nil
	}

	if err := cap.Write(ctx, path, []byte(currentSDVersion+"\n")); err != nil {
		return fmt.Errorf("sdmanager: writing %s: %w", path, err)
	}

	return nil
}
