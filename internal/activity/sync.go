package activity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/notesync/engine/internal/fscap"
)

// NoteID identifies a note whose activity log entry triggered a reload.
type NoteID = string

// peerKey identifies one peer writer's activity log file within one SD.
type peerKey struct {
	sdID     string
	fileName string
}

// staleKey identifies the advertised-but-missing CRDT log lines of one
// note from one writer in one SD; an operator skip covers all of them.
type staleKey struct {
	sdID   string
	noteID string
	writer string
}

// StaleEntry records a gap between what a peer's activity log advertised
// and what has actually replicated into this reader's logs directory.
type StaleEntry struct {
	NoteID       string
	SourceWriter string
	ExpectedSeq  uint64
	HighestSeen  uint64
	Gap          uint64
	DetectedAt   int64
}

// LogExistsFunc reports whether writer's CRDT log at sequence seq has
// already replicated locally. It is the bridge to internal/applog's
// Manager.CheckLogExists, kept as a function value instead of an
// interface import so this package never depends on applog's types.
type LogExistsFunc func(sdID, noteID, writer string, seq uint64) bool

// NoteDeletedFunc is called for each note-deleted entry so the caller can
// forward it to the deletion reconciliation path.
type NoteDeletedFunc func(ctx context.Context, sdID, noteID string)

// FolderUpdateFunc is called for each folder-update entry so the caller
// can reload the folder-tree document.
type FolderUpdateFunc func(ctx context.Context, sdID string)

// StalePersister is the durable backing for stale-entry bookkeeping,
// satisfied by internal/index.Store. When nil, stale state is tracked in
// memory only and does not survive a restart.
type StalePersister interface {
	RecordStale(ctx context.Context, sdID, noteID, sourceWriter string, expectedSeq, highestSeen, gap uint64, detectedAt int64) error
	DeleteStaleEntry(ctx context.Context, sdID, noteID, sourceWriter string) error
	SkipStaleEntry(ctx context.Context, sdID, noteID, sourceWriter string) error
	RetryStaleEntry(ctx context.Context, sdID, noteID, sourceWriter string) error
}

// Sync tails every peer instance's activity log under a Storage
// Directory's "activity/" subdirectory and reports which notes changed
// since the last call. It is the cross-instance half of this package;
// Logger is the local-write half.
type Sync struct {
	cap    fscap.Capability
	logger *slog.Logger

	profileID  string
	instanceID string

	checker       LogExistsFunc
	onNoteDeleted NoteDeletedFunc
	onFolder      FolderUpdateFunc
	persister     StalePersister

	group singleflight.Group

	mu         sync.Mutex
	watermarks map[peerKey]uint64     // last-consumed activity sequence per peer
	halted     map[peerKey]StaleEntry // peers currently blocked on a gap
	skips      map[staleKey]bool      // operator-skipped gap lines
}

// NewSync returns a Sync reading as the given writer identity, which is
// used only to exclude this writer's own log file from peer scans. Call
// the Set* methods to wire in applog-backed stale detection, deletion
// forwarding, and cross-restart persistence; all are optional.
func NewSync(cap fscap.Capability, profileID, instanceID string, logger *slog.Logger) *Sync {
	return &Sync{
		cap:        cap,
		logger:     logger,
		profileID:  profileID,
		instanceID: instanceID,
		watermarks: make(map[peerKey]uint64),
		halted:     make(map[peerKey]StaleEntry),
		skips:      make(map[staleKey]bool),
	}
}

// SetLogChecker wires in the function used to verify a referenced
// CRDT-log file actually exists before treating its entry as applied.
func (s *Sync) SetLogChecker(f LogExistsFunc) {
	s.checker = f
}

// SetNoteDeletedHandler wires in the deletion reconciliation forward.
func (s *Sync) SetNoteDeletedHandler(f NoteDeletedFunc) {
	s.onNoteDeleted = f
}

// SetFolderUpdateHandler wires in the folder-tree reload trigger.
func (s *Sync) SetFolderUpdateHandler(f FolderUpdateFunc) {
	s.onFolder = f
}

// SetStalePersister wires in durable stale-entry storage.
func (s *Sync) SetStalePersister(p StalePersister) {
	s.persister = p
}

// activityDir returns "<sdRoot>/activity".
func (s *Sync) activityDir(sdRoot string) string {
	return s.cap.JoinPath(sdRoot, "activity")
}

// isOwnFile reports whether name is this writer's own activity log, in
// either the "{profileId}_{instanceId}.log" form or the legacy bare
// "{instanceId}.log" form.
func (s *Sync) isOwnFile(name string) bool {
	stem, ok := strings.CutSuffix(name, ".log")
	if !ok {
		return false
	}

	return stem == s.profileID+"_"+s.instanceID || stem == s.instanceID
}

// SyncFromOtherInstances reads every peer log under sdRoot's activity
// directory past this reader's watermark and returns the set of notes
// named by new entries. Concurrent calls for the same sdID are coalesced
// onto a single underlying scan via singleflight: a new call while one
// is in flight coalesces.
func (s *Sync) SyncFromOtherInstances(ctx context.Context, sdID, sdRoot string) (map[NoteID]struct{}, error) {
	v, err, _ := s.group.Do(sdID, func() (interface{}, error) {
		return s.syncOnce(ctx, sdID, sdRoot)
	})
	if err != nil {
		return nil, err
	}

	return v.(map[NoteID]struct{}), nil
}

func (s *Sync) syncOnce(ctx context.Context, sdID, sdRoot string) (map[NoteID]struct{}, error) {
	dir := s.activityDir(sdRoot)

	entries, err := s.cap.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("activity: listing %s: %w", dir, err)
	}

	affected := make(map[NoteID]struct{})

	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".log") || s.isOwnFile(name) {
			continue
		}

		key := peerKey{sdID: sdID, fileName: name}

		if err := s.processPeerLog(ctx, sdID, s.cap.JoinPath(dir, name), key, affected); err != nil {
			s.logger.Warn("activity: reading peer log failed",
				"sd_id", sdID, "file", name, "error", err)
		}
	}

	return affected, nil
}

// processPeerLog reads every complete line past key's watermark and
// dispatches each in order. The watermark advances only across a
// contiguous prefix of lines that were successfully applied (or
// explicitly skipped); the first line whose referenced CRDT log is
// missing halts this peer's watermark exactly there, so the line is
// retried on the next cycle.
func (s *Sync) processPeerLog(ctx context.Context, sdID, path string, key peerKey, affected map[NoteID]struct{}) error {
	data, err := s.cap.Read(ctx, path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	wm := s.watermarks[key]
	s.mu.Unlock()

	writer := PeerWriterID(key.fileName)

	text := string(data)

	for len(text) > 0 {
		nl := strings.IndexByte(text, '\n')
		if nl < 0 {
			break // truncated trailing line, wait for it to complete
		}

		line := text[:nl]
		text = text[nl+1:]

		entry, ok := ParseEntry(line)
		if !ok || entry.Seq <= wm {
			continue
		}

		if halt := s.dispatch(ctx, sdID, writer, entry, affected); halt {
			break
		}

		wm = entry.Seq
	}

	s.mu.Lock()
	s.watermarks[key] = wm
	s.mu.Unlock()

	return nil
}

// dispatch applies one entry and reports whether processing this peer's
// log must halt here (a stale gap was just recorded and not skipped).
func (s *Sync) dispatch(ctx context.Context, sdID, writer string, entry Entry, affected map[NoteID]struct{}) (halt bool) {
	switch entry.Kind {
	case KindNoteUpdate, KindNoteCreated:
		if s.isSkipped(sdID, entry.NoteID, writer) {
			// An operator chose to move past this note's gap: its lines
			// are treated as processed and the watermark advances, even
			// if the missing CRDT log has arrived in the meantime —
			// skipped stays skipped until an explicit retry.
			return false
		}

		if s.checker != nil && !s.checker(sdID, entry.NoteID, writer, entry.WriterSeq) {
			s.recordStale(ctx, sdID, entry.NoteID, writer, entry.WriterSeq, entry.TimestampMillis)

			return true
		}

		s.resolveStale(ctx, sdID, entry.NoteID, writer)
		affected[entry.NoteID] = struct{}{}
	case KindNoteDeleted:
		if s.onNoteDeleted != nil {
			s.onNoteDeleted(ctx, sdID, entry.NoteID)
		}
	case KindFolderUpdate:
		if s.onFolder != nil {
			s.onFolder(ctx, sdID)
		}
	}

	return false
}

func (s *Sync) recordStale(ctx context.Context, sdID, noteID, writer string, expectedSeq uint64, detectedAt int64) {
	var highest uint64
	if expectedSeq > 0 {
		highest = expectedSeq - 1
	}

	entry := StaleEntry{
		NoteID:       noteID,
		SourceWriter: writer,
		ExpectedSeq:  expectedSeq,
		HighestSeen:  highest,
		Gap:          expectedSeq - highest,
		DetectedAt:   detectedAt,
	}

	key := peerKey{sdID: sdID, fileName: writer}

	s.mu.Lock()
	s.halted[key] = entry
	s.mu.Unlock()

	s.logger.Warn("activity: stale gap detected", "sd_id", sdID, "note_id", noteID, "writer", writer,
		"expected_seq", expectedSeq, "highest_seen", highest)

	if s.persister != nil {
		if err := s.persister.RecordStale(ctx, sdID, noteID, writer, expectedSeq, highest, entry.Gap, detectedAt); err != nil {
			s.logger.Warn("activity: persisting stale entry failed", "error", err)
		}
	}
}

func (s *Sync) resolveStale(ctx context.Context, sdID, noteID, writer string) {
	key := peerKey{sdID: sdID, fileName: writer}

	s.mu.Lock()
	_, had := s.halted[key]
	delete(s.halted, key)
	s.mu.Unlock()

	if had && s.persister != nil {
		if err := s.persister.DeleteStaleEntry(ctx, sdID, noteID, writer); err != nil {
			s.logger.Warn("activity: clearing stale entry failed", "error", err)
		}
	}
}

// SkipStaleEntry records that the gap blocking (noteID, writer) should be
// treated as processed: the next sync cycle advances the watermark past
// its line. The skip is persisted so it survives a restart, and stays in
// effect until RetryStaleEntry clears it.
func (s *Sync) SkipStaleEntry(ctx context.Context, sdID, noteID, writer string) error {
	s.mu.Lock()
	s.skips[staleKey{sdID: sdID, noteID: noteID, writer: writer}] = true
	delete(s.halted, peerKey{sdID: sdID, fileName: writer})
	s.mu.Unlock()

	if s.persister == nil {
		return nil
	}

	return s.persister.SkipStaleEntry(ctx, sdID, noteID, writer)
}

// RetryStaleEntry clears a previous skip, forcing the next sync cycle to
// recheck whether the missing CRDT log has replicated.
func (s *Sync) RetryStaleEntry(ctx context.Context, sdID, noteID, writer string) error {
	s.mu.Lock()
	delete(s.skips, staleKey{sdID: sdID, noteID: noteID, writer: writer})
	s.mu.Unlock()

	if s.persister == nil {
		return nil
	}

	return s.persister.RetryStaleEntry(ctx, sdID, noteID, writer)
}

// ImportSkip restores a persisted skip at startup, before the first sync
// cycle runs.
func (s *Sync) ImportSkip(sdID, noteID, writer string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.skips[staleKey{sdID: sdID, noteID: noteID, writer: writer}] = true
}

func (s *Sync) isSkipped(sdID, noteID, writer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.skips[staleKey{sdID: sdID, noteID: noteID, writer: writer}]
}

// StaleEntries returns every gap currently blocking a peer's watermark
// for sdID.
func (s *Sync) StaleEntries(sdID string) []StaleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []StaleEntry

	for k, e := range s.halted {
		if k.sdID == sdID {
			out = append(out, e)
		}
	}

	return out
}

// ExportWatermarks returns a snapshot of every peer's last-consumed
// activity sequence for sdID, suitable for
// internal/index.Store.SaveWatermarks.
func (s *Sync) ExportWatermarks(sdID string) map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64)

	for key, seq := range s.watermarks {
		if key.sdID == sdID {
			out[key.fileName] = int64(seq)
		}
	}

	return out
}

// ImportWatermarks restores previously-persisted sequences for sdID.
func (s *Sync) ImportWatermarks(sdID string, seqs map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for peer, seq := range seqs {
		s.watermarks[peerKey{sdID: sdID, fileName: peer}] = uint64(seq)
	}
}

// ParsePeerFileName extracts the profile and instance id from a peer log
// file name. The legacy form carries no profile id: "{instanceId}.log"
// rather than "{profileId}_{instanceId}.log".
func ParsePeerFileName(name string) (profileID, instanceID string) {
	stem := strings.TrimSuffix(name, ".log")

	idx := strings.IndexByte(stem, '_')
	if idx < 0 {
		return "", stem
	}

	return stem[:idx], stem[idx+1:]
}

// PeerWriterID derives the writer id a peer stamps on its CRDT log files
// from its activity log file name: the file stem, in both the new and
// legacy naming forms.
func PeerWriterID(name string) string {
	return strings.TrimSuffix(name, ".log")
}
