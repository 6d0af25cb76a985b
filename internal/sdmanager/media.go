package sdmanager

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidMediaID is returned when a media file name's id portion is
// neither 32 hex characters nor a UUIDv4 — anything else is rejected as
// a path-traversal guard, since media ids come from document content
// that peers authored.
var ErrInvalidMediaID = errors.New("sdmanager: invalid media id")

// mediaExtensions are the file extensions accepted under media/.
var mediaExtensions = map[string]bool{
	"png": true, "jpg": true, "jpeg": true, "gif": true, "webp": true,
}

// MediaPath validates imageID and ext and returns the on-disk path
// "<sdRoot>/media/<imageId>.<ext>" for it.
func (m *Manager) MediaPath(sdRoot, imageID, ext string) (string, error) {
	if err := ValidateMediaID(imageID); err != nil {
		return "", err
	}

	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if !mediaExtensions[ext] {
		return "", fmt.Errorf("%w: unsupported extension %q", ErrInvalidMediaID, ext)
	}

	return m.cap.JoinPath(sdRoot, "media", imageID+"."+ext), nil
}

// ValidateMediaID accepts exactly a 32-character lowercase/uppercase hex
// string or a canonical version-4 UUID.
func ValidateMediaID(imageID string) error {
	if isHex32(imageID) {
		return nil
	}

	if u, err := uuid.Parse(imageID); err == nil && len(imageID) == 36 && u.Version() == 4 {
		return nil
	}

	return fmt.Errorf("%w: %q", ErrInvalidMediaID, imageID)
}

func isHex32(s string) bool {
	if len(s) != 32 {
		return false
	}

	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}

	return true
}
