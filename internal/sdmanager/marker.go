package sdmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/notesync/engine/internal/fscap"
)

// ErrMarkerRefused is returned when the dev/prod marker policy refuses
// to load an SD.
var ErrMarkerRefused = errors.New("sdmanager: sd marker refused")

// ConfirmFunc asks an operator whether to proceed loading a prod-marked
// SD under a dev build. Returning false refuses the load.
type ConfirmFunc func(root, marker string) bool

// resolveMarker reads (or writes, on first contact) root's SD_MARKER and
// enforces the dev/prod policy: a production build refuses a dev-marked
// SD, and a development build asks confirm before loading a prod-marked
// one.
func resolveMarker(ctx context.Context, cap fscap.Capability, root, buildType string, confirm ConfirmFunc, logger *slog.Logger) (string, error) {
	path := cap.JoinPath(root, sdMarkerFileName)

	data, err := cap.Read(ctx, path)
	if err != nil {
		if writeErr := cap.Write(ctx, path, []byte(buildType+"\n")); writeErr != nil {
			return "", fmt.Errorf("sdmanager: writing %s: %w", path, writeErr)
		}

		return buildType, nil
	}

	marker := strings.TrimSpace(string(data))

	switch {
	case buildType == "prod" && marker == "dev":
		logger.Warn("sdmanager: refusing dev-marked sd under a production build", "root", root)
		return marker, fmt.Errorf("%w: %s is marked dev under a production build", ErrMarkerRefused, root)

	case buildType == "dev" && marker == "prod":
		if confirm == nil || !confirm(root, marker) {
			return marker, fmt.Errorf("%w: %s is marked prod, confirmation declined", ErrMarkerRefused, root)
		}

		return marker, nil

	default:
		return marker, nil
	}
}
