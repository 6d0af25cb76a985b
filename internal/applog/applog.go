// Package applog implements the append-log store: per note (and for the
// single folder-tree target), a compacted snapshot plus one delta log
// file per (writer, sequence), giving every writer a sole-writer append
// surface without requiring a shared lock across instances.
package applog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/notesync/engine/internal/fscap"
)

// WriterID identifies the instance that authored a delta: the
// "{profileId}_{instanceId}" pair this process stamps on every file it
// writes, or a bare legacy instance id.
type WriterID string

// FolderTarget is the reserved target name for the folder-tree document.
// Every other target is a note id.
const FolderTarget = "folders"

// ErrIoError wraps an underlying filesystem failure encountered while
// reading or writing log/snapshot files.
var ErrIoError = errors.New("applog: io error")

// ErrCorruptSnapshot indicates a snapshot file marked complete could not
// be decoded. It is non-fatal: the caller should discard the snapshot and
// rebuild state from the writer delta logs instead.
var ErrCorruptSnapshot = errors.New("applog: corrupt snapshot")

// ErrSDNotRegistered is returned when an operation references an SD id
// that was never passed to RegisterSD.
var ErrSDNotRegistered = errors.New("applog: storage directory not registered")

// DocHandle is an opaque reference to a loaded target's reconstructed
// state, returned by LoadNote and consumed by callers that feed the bytes
// to their CRDT decoder.
type DocHandle struct {
	SDID   string
	Target string
	State  []byte
}

type target struct {
	sdID   string
	target string
}

// Manager owns every registered SD's note/folder tree and serializes
// writes per (sdID, target) so concurrent callers never race a sequence
// allocation or a compaction on the same document.
type Manager struct {
	cap    fscap.Capability
	logger *slog.Logger

	mu  sync.Mutex
	sds map[string]string // sdID -> root path

	locksMu sync.Mutex
	locks   map[target]*sync.Mutex

	seqMu sync.Mutex
	seqs  map[target]map[WriterID]uint64
	dirty map[target]bool
}

// NewManager returns a Manager backed by cap. cap is almost always
// fscap.NewOSCapability() in production; tests point it at a temp dir.
func NewManager(cap fscap.Capability, logger *slog.Logger) *Manager {
	return &Manager{
		cap:    cap,
		logger: logger,
		sds:    make(map[string]string),
		locks:  make(map[target]*sync.Mutex),
		seqs:   make(map[target]map[WriterID]uint64),
		dirty:  make(map[target]bool),
	}
}

// RegisterSD associates sdID with its root path on disk. It must be called
// before any other operation referencing that SD. Idempotent.
func (m *Manager) RegisterSD(sdID, path string) error {
	if sdID == "" || path == "" {
		return fmt.Errorf("applog: RegisterSD: sdID and path must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sds[sdID] = path

	m.logger.Debug("registered storage directory", "sd_id", sdID, "path", path)

	return nil
}

func (m *Manager) sdPath(sdID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, ok := m.sds[sdID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSDNotRegistered, sdID)
	}

	return path, nil
}

func (m *Manager) targetLock(sdID, tgt string) *sync.Mutex {
	key := target{sdID: sdID, target: tgt}

	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}

	return l
}

// TargetDir returns the directory holding a target's snapshot and delta
// logs: "<root>/notes/<noteId>" for a note, "<root>/folders" for the
// folder tree. Exposed for callers that relocate a note's on-disk state
// wholesale (internal/move's staging) or fold it into a backup archive.
func (m *Manager) TargetDir(sdID, tgt string) (string, error) {
	root, err := m.sdPath(sdID)
	if err != nil {
		return "", err
	}

	if tgt == FolderTarget {
		return m.cap.JoinPath(root, "folders"), nil
	}

	return m.cap.JoinPath(root, "notes", tgt), nil
}

func (m *Manager) logsDir(sdID, tgt string) (string, error) {
	dir, err := m.TargetDir(sdID, tgt)
	if err != nil {
		return "", err
	}

	return m.cap.JoinPath(dir, "logs"), nil
}

func (m *Manager) snapshotPath(sdID, tgt string) (string, error) {
	dir, err := m.TargetDir(sdID, tgt)
	if err != nil {
		return "", err
	}

	return m.cap.JoinPath(dir, "snapshot.yjs"), nil
}

func (m *Manager) compactLockPath(sdID, tgt string) (string, error) {
	dir, err := m.TargetDir(sdID, tgt)
	if err != nil {
		return "", err
	}

	return m.cap.JoinPath(dir, ".compact.lock"), nil
}

// CheckLogExists reports whether writer's delta log at sequence seq has
// replicated into tgt's logs directory. A single path existence check:
// the activity-sync reader calls this once per peer log line, so it must
// never scan or decode anything.
func (m *Manager) CheckLogExists(sdID, tgt string, writer WriterID, seq uint64) bool {
	dir, err := m.logsDir(sdID, tgt)
	if err != nil {
		return false
	}

	exists, err := m.cap.Exists(context.Background(), m.cap.JoinPath(dir, LogFileName(writer, seq)))

	return err == nil && exists
}
