package fscap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/text/unicode/norm"
)

const (
	filePermissions = 0o644
	dirPermissions  = 0o755
)

// OSCapability is the concrete Capability backed by the real filesystem.
type OSCapability struct{}

// NewOSCapability returns a Capability backed by the local disk.
func NewOSCapability() *OSCapability {
	return &OSCapability{}
}

func (c *OSCapability) Read(_ context.Context, path string) ([]byte, error) {
	if path == "" {
		return nil, errEmptyPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fscap: reading %s: %w", path, err)
	}

	return data, nil
}

// Write atomically replaces the content at path. A temp file in the same
// directory is written, fsynced, and renamed into place, so a crash
// mid-write never leaves a torn file at path — the same guarantee the
// config package's writer gives config.toml.
func (c *OSCapability) Write(_ context.Context, path string, data []byte) error {
	if path == "" {
		return errEmptyPath
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return fmt.Errorf("fscap: creating directory %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, ".fscap-*.tmp")
	if err != nil {
		return fmt.Errorf("fscap: creating temp file: %w", err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("fscap: writing temp file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return fmt.Errorf("fscap: syncing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("fscap: closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, filePermissions); err != nil {
		return fmt.Errorf("fscap: setting permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("fscap: renaming temp file onto %s: %w", path, err)
	}

	succeeded = true

	return nil
}

// Append writes data to the end of path with POSIX append semantics,
// creating the file (and its parent directory) if necessary. Used by the
// append-log store, where each write must be indivisible with respect to
// concurrent readers but need not be atomic across the whole file.
func (c *OSCapability) Append(_ context.Context, path string, data []byte) error {
	if path == "" {
		return errEmptyPath
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return fmt.Errorf("fscap: creating directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePermissions)
	if err != nil {
		return fmt.Errorf("fscap: opening %s for append: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("fscap: appending to %s: %w", path, err)
	}

	return nil
}

// RemoveAll deletes path and everything beneath it. A missing path is
// not an error, matching os.RemoveAll's own semantics and letting a
// caller treat "already gone" as success.
func (c *OSCapability) RemoveAll(_ context.Context, path string) error {
	if path == "" {
		return errEmptyPath
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("fscap: removing %s: %w", path, err)
	}

	return nil
}

// Rename moves oldPath onto newPath via rename(2), replacing an existing
// file at newPath. Both paths must be on the same filesystem; callers
// that might cross a device boundary should copy and remove instead.
func (c *OSCapability) Rename(_ context.Context, oldPath, newPath string) error {
	if oldPath == "" || newPath == "" {
		return errEmptyPath
	}

	if err := os.MkdirAll(filepath.Dir(newPath), dirPermissions); err != nil {
		return fmt.Errorf("fscap: creating directory for %s: %w", newPath, err)
	}

	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("fscap: renaming %s to %s: %w", oldPath, newPath, err)
	}

	return nil
}

func (c *OSCapability) List(_ context.Context, dir string) ([]os.DirEntry, error) {
	if dir == "" {
		return nil, errEmptyPath
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("fscap: listing %s: %w", dir, err)
	}

	return entries, nil
}

func (c *OSCapability) Mkdir(_ context.Context, path string) error {
	if path == "" {
		return errEmptyPath
	}

	if err := os.MkdirAll(path, dirPermissions); err != nil {
		return fmt.Errorf("fscap: creating directory %s: %w", path, err)
	}

	return nil
}

func (c *OSCapability) Stat(_ context.Context, path string) (os.FileInfo, error) {
	if path == "" {
		return nil, errEmptyPath
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("fscap: stat %s: %w", path, err)
	}

	return info, nil
}

func (c *OSCapability) Exists(_ context.Context, path string) (bool, error) {
	if path == "" {
		return false, errEmptyPath
	}

	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}

	if os.IsNotExist(err) {
		return false, nil
	}

	return false, fmt.Errorf("fscap: stat %s: %w", path, err)
}

// JoinPath joins path elements and normalizes the result to Unicode NFC,
// so two instances on different platforms that type-compose the same
// accented filename differently still agree on one on-disk name.
func (c *OSCapability) JoinPath(elem ...string) string {
	return norm.NFC.String(filepath.Join(elem...))
}
