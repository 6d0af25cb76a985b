package applog

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// compactLockStaleAfter bounds how long a crashed compactor's advisory
// lock blocks other instances from compacting the same target.
const compactLockStaleAfter = 10 * time.Minute

// LoadNote reconstructs a target's state by reading its snapshot (if any)
// and replaying every delta log not already folded into it, in ascending
// (writerId, sequence) order — the same stable order every reader uses.
// It returns the reconstructed state plus each writer's highest sequence
// observed, which the caller uses as its replay watermark.
//
// The returned state is a raw byte blob: applog has no opinion on the
// CRDT encoding above the snapshot/delta framing, per the capability
// boundary the polling and activity layers are built against.
func (m *Manager) LoadNote(ctx context.Context, sdID, noteID string) (*DocHandle, map[WriterID]uint64, error) {
	vector, state, err := m.loadSnapshot(ctx, sdID, noteID)
	if err != nil {
		return nil, nil, err
	}

	watermarks, deltas, err := m.loadWriterLogs(ctx, sdID, noteID, vector)
	if err != nil {
		return nil, nil, err
	}

	state = applyDeltas(state, deltas)

	m.seqMu.Lock()
	m.seqs[target{sdID: sdID, target: noteID}] = watermarks
	m.seqMu.Unlock()

	return &DocHandle{SDID: sdID, Target: noteID, State: state}, watermarks, nil
}

// loadSnapshot reads and decodes a target's snapshot. An absent file, an
// interrupted write (status byte 0x00), and a corrupt completed snapshot
// all yield an empty vector and nil state — the last with a warning,
// since the target then rebuilds from delta logs alone.
func (m *Manager) loadSnapshot(ctx context.Context, sdID, noteID string) (map[WriterID]uint64, []byte, error) {
	path, err := m.snapshotPath(sdID, noteID)
	if err != nil {
		return nil, nil, err
	}

	exists, err := m.cap.Exists(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrIoError, err)
	}

	if !exists {
		return map[WriterID]uint64{}, nil, nil
	}

	raw, err := m.cap.Read(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrIoError, err)
	}

	vector, state, err := DecodeSnapshot(raw)
	if err != nil {
		if !errors.Is(err, errSnapshotIncomplete) {
			m.logger.Warn("snapshot decode failed, rebuilding from logs",
				"sd_id", sdID, "target", noteID, "error", err)
		}

		return map[WriterID]uint64{}, nil, nil
	}

	return vector, state, nil
}

// loadWriterLogs enumerates the target's logs directory and returns, per
// writer, the highest sequence seen (including sequences already folded
// into the snapshot vector) plus the ordered payloads to replay.
func (m *Manager) loadWriterLogs(ctx context.Context, sdID, noteID string, vector map[WriterID]uint64) (map[WriterID]uint64, [][]byte, error) {
	dir, err := m.logsDir(sdID, noteID)
	if err != nil {
		return nil, nil, err
	}

	watermarks := make(map[WriterID]uint64, len(vector))
	for w, seq := range vector {
		watermarks[w] = seq
	}

	entries, err := m.cap.List(ctx, dir)
	if err != nil {
		// No logs directory yet means a freshly created target.
		return watermarks, nil, nil
	}

	var refs []logRef

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		writer, seq, ok := ParseLogFileName(entry.Name())
		if !ok {
			continue
		}

		if seq <= vector[writer] {
			continue // already folded into the snapshot
		}

		refs = append(refs, logRef{writer: writer, seq: seq, name: entry.Name()})
	}

	sortLogRefs(refs)

	var deltas [][]byte

	for _, ref := range refs {
		payload, err := m.cap.Read(ctx, m.cap.JoinPath(dir, ref.name))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: reading %s: %v", ErrIoError, ref.name, err)
		}

		deltas = append(deltas, payload)

		if ref.seq > watermarks[ref.writer] {
			watermarks[ref.writer] = ref.seq
		}
	}

	return watermarks, deltas, nil
}

// applyDeltas is a placeholder composition point: the concrete CRDT apply
// semantics live above this package's capability boundary (the CRDT
// library itself is an external capability). Here, state reconstruction
// is simply "concatenate snapshot plus every delta not yet compacted
// away" — the caller is expected to feed these bytes to its own CRDT
// decoder.
func applyDeltas(state []byte, deltas [][]byte) []byte {
	if len(deltas) == 0 {
		return state
	}

	out := append([]byte{}, state...)
	for _, d := range deltas {
		out = append(out, d...)
	}

	return out
}

// AppendLocalUpdate writes update as writer's next delta log file for
// target: the next sequence is allocated under the per-target mutex, and
// the file lands atomically (temp, fsync, rename), so no partial
// .crdtlog is ever visible to a peer's cloud-sync agent.
func (m *Manager) AppendLocalUpdate(ctx context.Context, sdID, tgt string, writer WriterID, update []byte) (uint64, error) {
	lock := m.targetLock(sdID, tgt)
	lock.Lock()
	defer lock.Unlock()

	dir, err := m.logsDir(sdID, tgt)
	if err != nil {
		return 0, err
	}

	seq, err := m.nextSeq(ctx, sdID, tgt, writer)
	if err != nil {
		return 0, err
	}

	if err := m.cap.Write(ctx, m.cap.JoinPath(dir, LogFileName(writer, seq)), update); err != nil {
		return 0, fmt.Errorf("%w: appending update: %v", ErrIoError, err)
	}

	m.seqMu.Lock()
	m.dirty[target{sdID: sdID, target: tgt}] = true
	m.seqMu.Unlock()

	return seq, nil
}

// nextSeq returns the next sequence number for (sdID, target, writer). The
// first call for a given triple recovers the current high-water mark by
// scanning the logs directory and snapshot vector; subsequent calls hold
// the counter in memory, so sequences never decrease across restarts.
func (m *Manager) nextSeq(ctx context.Context, sdID, tgt string, writer WriterID) (uint64, error) {
	key := target{sdID: sdID, target: tgt}

	m.seqMu.Lock()
	defer m.seqMu.Unlock()

	perWriter, ok := m.seqs[key]
	if !ok {
		perWriter = make(map[WriterID]uint64)
		m.seqs[key] = perWriter
	}

	if _, known := perWriter[writer]; !known {
		recovered, err := m.recoverSeq(ctx, sdID, tgt, writer)
		if err != nil {
			return 0, err
		}

		perWriter[writer] = recovered
	}

	perWriter[writer]++

	return perWriter[writer], nil
}

// recoverSeq scans the logs directory for writer's highest on-disk
// sequence and folds in the snapshot vector, covering the case where
// compaction already deleted every one of writer's log files.
func (m *Manager) recoverSeq(ctx context.Context, sdID, tgt string, writer WriterID) (uint64, error) {
	var max uint64

	vector, _, err := m.loadSnapshot(ctx, sdID, tgt)
	if err != nil {
		return 0, err
	}

	max = vector[writer]

	dir, err := m.logsDir(sdID, tgt)
	if err != nil {
		return 0, err
	}

	entries, err := m.cap.List(ctx, dir)
	if err != nil {
		return max, nil
	}

	for _, entry := range entries {
		w, seq, ok := ParseLogFileName(entry.Name())
		if ok && w == writer && seq > max {
			max = seq
		}
	}

	return max, nil
}

// Compact rewrites target's snapshot from its current reconstructed state
// and deletes the delta logs the new snapshot supersedes. The advisory
// .compact.lock keeps two instances from compacting the same target at
// once: a held lock means skip, not wait, since the other compactor's
// result is just as good.
func (m *Manager) Compact(ctx context.Context, sdID, tgt string) error {
	lock := m.targetLock(sdID, tgt)
	lock.Lock()
	defer lock.Unlock()

	acquired, release, err := m.acquireCompactLock(ctx, sdID, tgt)
	if err != nil {
		return err
	}

	if !acquired {
		m.logger.Debug("compact lock held elsewhere, skipping", "sd_id", sdID, "target", tgt)
		return nil
	}
	defer release()

	handle, watermarks, err := m.LoadNote(ctx, sdID, tgt)
	if err != nil {
		return err
	}

	if err := m.writeSnapshot(ctx, sdID, tgt, watermarks, handle.State); err != nil {
		return err
	}

	if err := m.deleteSupersededLogs(ctx, sdID, tgt, watermarks); err != nil {
		return err
	}

	m.seqMu.Lock()
	delete(m.dirty, target{sdID: sdID, target: tgt})
	m.seqMu.Unlock()

	m.logger.Debug("compacted target", "sd_id", sdID, "target", tgt)

	return nil
}

// acquireCompactLock takes the advisory per-target compaction lock.
// Returns acquired=false when another live process holds it; a lock older
// than compactLockStaleAfter is presumed abandoned and replaced.
func (m *Manager) acquireCompactLock(ctx context.Context, sdID, tgt string) (bool, func(), error) {
	path, err := m.compactLockPath(sdID, tgt)
	if err != nil {
		return false, nil, err
	}

	if info, err := m.cap.Stat(ctx, path); err == nil {
		if time.Since(info.ModTime()) < compactLockStaleAfter {
			return false, nil, nil
		}
	}

	if err := m.cap.Write(ctx, path, []byte(time.Now().UTC().Format(time.RFC3339))); err != nil {
		return false, nil, fmt.Errorf("%w: acquiring compact lock: %v", ErrIoError, err)
	}

	release := func() {
		if err := m.cap.RemoveAll(ctx, path); err != nil {
			m.logger.Warn("releasing compact lock failed", "sd_id", sdID, "target", tgt, "error", err)
		}
	}

	return true, release, nil
}

// writeSnapshot lands the new snapshot the way a peer's cloud-sync agent
// can never observe torn: the image goes to snapshot.yjs.tmp first with
// status byte 0x00, is flipped to 0x01 once fully written, then renamed
// over snapshot.yjs. A crash at any point leaves the previous snapshot
// readable.
func (m *Manager) writeSnapshot(ctx context.Context, sdID, tgt string, vector map[WriterID]uint64, state []byte) error {
	path, err := m.snapshotPath(sdID, tgt)
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	image := EncodeSnapshot(vector, state)

	writing := append([]byte{}, image...)
	writing[0] = statusWriting

	if err := m.cap.Write(ctx, tmpPath, writing); err != nil {
		return fmt.Errorf("%w: writing snapshot temp: %v", ErrIoError, err)
	}

	if err := m.cap.Write(ctx, tmpPath, image); err != nil {
		return fmt.Errorf("%w: completing snapshot temp: %v", ErrIoError, err)
	}

	if err := m.cap.Rename(ctx, tmpPath, path); err != nil {
		return fmt.Errorf("%w: renaming snapshot into place: %v", ErrIoError, err)
	}

	return nil
}

// deleteSupersededLogs removes every delta log whose sequence the new
// snapshot's vector covers. Logs that appeared after the compact load
// survive untouched.
func (m *Manager) deleteSupersededLogs(ctx context.Context, sdID, tgt string, vector map[WriterID]uint64) error {
	dir, err := m.logsDir(sdID, tgt)
	if err != nil {
		return err
	}

	entries, err := m.cap.List(ctx, dir)
	if err != nil {
		return nil
	}

	for _, entry := range entries {
		writer, seq, ok := ParseLogFileName(entry.Name())
		if !ok || seq > vector[writer] {
			continue
		}

		if err := m.cap.RemoveAll(ctx, m.cap.JoinPath(dir, entry.Name())); err != nil {
			return fmt.Errorf("%w: deleting %s: %v", ErrIoError, entry.Name(), err)
		}
	}

	return nil
}

// DeleteTarget removes every delta log and snapshot held for (sdID,
// tgt). It is idempotent: deleting a target with no on-disk state is not
// an error, so a caller processing a remote deletion entry can treat
// "already gone" as success.
func (m *Manager) DeleteTarget(ctx context.Context, sdID, tgt string) error {
	lock := m.targetLock(sdID, tgt)
	lock.Lock()
	defer lock.Unlock()

	dir, err := m.TargetDir(sdID, tgt)
	if err != nil {
		return err
	}

	if err := m.cap.RemoveAll(ctx, dir); err != nil {
		return fmt.Errorf("%w: deleting target %s: %v", ErrIoError, tgt, err)
	}

	m.seqMu.Lock()
	delete(m.seqs, target{sdID: sdID, target: tgt})
	delete(m.dirty, target{sdID: sdID, target: tgt})
	m.seqMu.Unlock()

	return nil
}

// FlushSnapshots compacts every target with uncompacted local appends,
// reporting progress via progress(done, total). It is the engine's
// orderly-shutdown hook: compacting on the way down keeps the next
// startup's replay short.
func (m *Manager) FlushSnapshots(ctx context.Context, progress func(done, total int)) error {
	m.seqMu.Lock()
	targets := make([]target, 0, len(m.dirty))
	for t := range m.dirty {
		targets = append(targets, t)
	}
	m.seqMu.Unlock()

	total := len(targets)

	for i, t := range targets {
		if err := m.Compact(ctx, t.sdID, t.target); err != nil {
			return err
		}

		if progress != nil {
			progress(i+1, total)
		}
	}

	return nil
}
