package deletion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/notesync/engine/internal/fscap"
)

// Remover deletes a target's on-disk CRDT state. internal/applog.Manager
// satisfies this directly via DeleteTarget, which is already idempotent
// (deleting an absent target is not an error) — exactly the "already
// gone is success" failure policy remote deletions carry.
type Remover interface {
	DeleteTarget(ctx context.Context, sdID, target string) error
}

// peerKey identifies one peer writer's deletion log file within one SD.
type peerKey struct {
	sdID     string
	fileName string
}

// Sync tails every peer instance's deletion log and applies each new
// deletion exactly once. Processing is terminal and idempotent: a
// deletion this Sync has already processed is reported as success
// without calling Remover again, and a note that is already gone or was
// never loaded is passed to Remover and counted as a success.
type Sync struct {
	cap     fscap.Capability
	remover Remover
	logger  *slog.Logger

	profileID  string
	instanceID string

	group singleflight.Group

	mu         sync.Mutex
	watermarks map[peerKey]uint64  // last-consumed deletion sequence per peer
	processed  map[string]struct{} // sdID + "/" + noteID, this run's dedup set
}

// NewSync returns a Sync reading as the given writer identity, which is
// used only to exclude this writer's own log file from peer scans.
func NewSync(cap fscap.Capability, remover Remover, profileID, instanceID string, logger *slog.Logger) *Sync {
	return &Sync{
		cap:        cap,
		remover:    remover,
		profileID:  profileID,
		instanceID: instanceID,
		logger:     logger,
		watermarks: make(map[peerKey]uint64),
		processed:  make(map[string]struct{}),
	}
}

func (s *Sync) deletedDir(sdRoot string) string {
	return s.cap.JoinPath(sdRoot, "deleted")
}

// isOwnFile reports whether name is this writer's own deletion log, in
// either the "{profileId}_{instanceId}.log" form or the legacy bare
// "{instanceId}.log" form.
func (s *Sync) isOwnFile(name string) bool {
	stem, ok := strings.CutSuffix(name, ".log")
	if !ok {
		return false
	}

	return stem == s.profileID+"_"+s.instanceID || stem == s.instanceID
}

// SyncFromOtherInstances tails every peer deletion log under sdRoot and
// returns the set of notes it permanently removed during this call.
// Concurrent calls for the same sdID are coalesced via singleflight.
func (s *Sync) SyncFromOtherInstances(ctx context.Context, sdID, sdRoot string) (map[string]struct{}, error) {
	v, err, _ := s.group.Do(sdID, func() (interface{}, error) {
		return s.syncOnce(ctx, sdID, sdRoot)
	})
	if err != nil {
		return nil, err
	}

	return v.(map[string]struct{}), nil
}

func (s *Sync) syncOnce(ctx context.Context, sdID, sdRoot string) (map[string]struct{}, error) {
	dir := s.deletedDir(sdRoot)

	entries, err := s.cap.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("deletion: listing %s: %w", dir, err)
	}

	removed := make(map[string]struct{})

	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".log") || s.isOwnFile(name) {
			continue
		}

		key := peerKey{sdID: sdID, fileName: name}

		if err := s.processPeerLog(ctx, sdID, s.cap.JoinPath(dir, name), key, removed); err != nil {
			s.logger.Warn("deletion: reading peer log failed", "sd_id", sdID, "file", name, "error", err)
		}
	}

	return removed, nil
}

// processPeerLog applies every complete new line past key's watermark.
// A failed deletion leaves the watermark at the last successful line so
// the entry retries next cycle; a truncated trailing line waits for its
// newline.
func (s *Sync) processPeerLog(ctx context.Context, sdID, path string, key peerKey, removed map[string]struct{}) error {
	data, err := s.cap.Read(ctx, path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	wm := s.watermarks[key]
	s.mu.Unlock()

	text := string(data)

	for len(text) > 0 {
		nl := strings.IndexByte(text, '\n')
		if nl < 0 {
			break
		}

		line := text[:nl]
		text = text[nl+1:]

		entry, ok := ParseEntry(line)
		if !ok || entry.Seq <= wm {
			continue
		}

		if err := s.ProcessRemoteDeletion(ctx, sdID, entry.NoteID); err != nil {
			s.logger.Warn("deletion: processing failed, will retry next cycle",
				"sd_id", sdID, "note_id", entry.NoteID, "error", err)

			break
		}

		removed[entry.NoteID] = struct{}{}
		wm = entry.Seq
	}

	s.mu.Lock()
	s.watermarks[key] = wm
	s.mu.Unlock()

	return nil
}

// ProcessRemoteDeletion permanently removes noteID's on-disk CRDT state.
// It is idempotent: re-processing an already-deleted note succeeds
// without effect, and a note that was never loaded locally is "already
// gone", also a success.
func (s *Sync) ProcessRemoteDeletion(ctx context.Context, sdID, noteID string) error {
	dedupKey := sdID + "/" + noteID

	s.mu.Lock()
	if _, done := s.processed[dedupKey]; done {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.remover.DeleteTarget(ctx, sdID, noteID); err != nil {
		s.logger.Warn("deletion: removing files failed, logical deletion still recorded",
			"sd_id", sdID, "note_id", noteID, "error", err)
		// A deletion whose files cannot be removed still
		// marks the logical deletion complete; cleanup is left for the
		// next start. Fall through rather than returning the error.
	}

	s.mu.Lock()
	s.processed[dedupKey] = struct{}{}
	s.mu.Unlock()

	return nil
}

// ExportWatermarks returns a snapshot of every peer's last-consumed
// deletion sequence for sdID, suitable for
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

// ParsePeerFileName extracts the profile and instance id from a peer
// deletion log file name, matching internal/activity's legacy-tolerant
// parser.
func ParsePeerFileName(name string) (profileID, instanceID string) {
	stem := strings.TrimSuffix(name, ".log")

	idx := strings.IndexByte(stem, '_')
	if idx < 0 {
		return "", stem
	}

	return stem[:idx], stem[idx+1:]
}
