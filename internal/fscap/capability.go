// Package fscap provides the filesystem capability every higher layer of
// the engine is built on: atomic writes, append, directory listing, and
// change notification, behind an interface so tests can substitute an
// in-memory implementation without touching a real disk.
package fscap

import (
	"context"
	"errors"
	"os"
)

// Op identifies the kind of change a FileEvent reports.
type Op int

const (
	OpCreate Op = iota
	OpWrite
	OpRemove
	OpRename
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// FileEvent reports a single filesystem change observed under a watched
// directory, already filtered to the globs the caller registered interest
// in.
type FileEvent struct {
	Path string
	Op   Op
}

// ErrNotExist is returned by Read/Stat when the target path is absent.
var ErrNotExist = os.ErrNotExist

// Capability is the filesystem surface every higher-tier package depends
// on instead of importing "os" directly, so storage-directory operations
// stay testable without touching a real disk.
type Capability interface {
	Read(ctx context.Context, path string) ([]byte, error)
	// Write atomically replaces the content at path: a temp file is
	// written, fsynced, then renamed over path.
	Write(ctx context.Context, path string, data []byte) error
	// Append writes data to the end of path using POSIX O_APPEND
	// semantics, creating the file if it does not exist.
	Append(ctx context.Context, path string, data []byte) error
	// RemoveAll deletes path and, if it is a directory, everything under
	// it. Removing an already-absent path is not an error.
	RemoveAll(ctx context.Context, path string) error
	// Rename atomically moves oldPath to newPath within one filesystem,
	// replacing newPath if it is an existing file.
	Rename(ctx context.Context, oldPath, newPath string) error
	List(ctx context.Context, dir string) ([]os.DirEntry, error)
	Mkdir(ctx context.Context, path string) error
	Stat(ctx context.Context, path string) (os.FileInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
	JoinPath(elem ...string) string
	// Watch streams FileEvents for dir, filtered to globs (a nil or empty
	// globs watches everything). The channel closes when ctx is canceled.
	Watch(ctx context.Context, dir string, globs []string) (<-chan FileEvent, error)
}

var errEmptyPath = errors.New("fscap: path must not be empty")
