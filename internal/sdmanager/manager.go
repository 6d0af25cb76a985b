package sdmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/notesync/engine/internal/activity"
	"github.com/notesync/engine/internal/applog"
	"github.com/notesync/engine/internal/deletion"
	"github.com/notesync/engine/internal/fscap"
	"github.com/notesync/engine/internal/index"
	"github.com/notesync/engine/internal/profile"
)

// Reload retry parameters: exponential backoff, base 250ms,
// factor 2, cap 10s, max 8 attempts (the first load plus
// reloadMaxRetries retries).
const (
	reloadBackoffBase = 250 * time.Millisecond
	reloadBackoffCap  = 10 * time.Second
	reloadMaxRetries  = 7
)

// errIncompleteNote marks a note whose loaded content is empty: its CRDT
// files are still materializing through cloud sync, so the reload retries.
var errIncompleteNote = errors.New("sdmanager: note content incomplete")

// WriterIdentity names the profile and instance this running process
// writes activity/deletion log entries as.
type WriterIdentity struct {
	ProfileID  string
	InstanceID string
}

func (w WriterIdentity) fileStem() string {
	return activity.LogFileName(w.ProfileID, w.InstanceID)
}

// EventKind tags a domain event emitted to external collaborators.
type EventKind string

const (
	EventNoteCreated          EventKind = "note:created"
	EventNoteUpdated          EventKind = "note:updated"
	EventNotePermanentDeleted EventKind = "note:permanent-deleted"
	EventFolderUpdated        EventKind = "folder:updated"
)

// Event is one domain event: a note appeared, changed, or was permanently
// deleted, or the folder tree changed. State carries the reloaded CRDT
// bytes for created/updated events.
type Event struct {
	Kind   EventKind
	SDID   string
	NoteID string
	State  []byte
}

// EventHandler receives domain events after a sync cycle completes. All
// of a cycle's affected notes are collected before any event fires, so
// observers see a batch, not a dribble. Optional; a nil handler still
// drives sync forward.
type EventHandler func(Event)

// SD is one brought-up Storage Directory: its identity, the L2 sync
// pairs scoped to it, and whether it has cleared the startup grace
// period.
type SD struct {
	ID     string
	Name   string
	Path   string
	Marker string

	ActivityLogger *activity.Logger
	DeletionLogger *deletion.Logger
	ActivitySync   *activity.Sync
	DeletionSync   *deletion.Sync

	// writerFileName is this process's own activity/deletion log file
	// name, used to filter watcher events caused by its own writes.
	writerFileName string

	// known tracks note ids already seen locally, deciding whether a
	// reload emits note:created or note:updated.
	knownMu sync.Mutex
	known   map[string]bool

	ready  atomic.Bool
	cancel context.CancelFunc
}

// Ready reports whether this SD's initial sync has completed and
// watcher-driven events are now being processed.
func (sd *SD) Ready() bool {
	return sd.ready.Load()
}

func (sd *SD) isKnown(noteID string) bool {
	sd.knownMu.Lock()
	defer sd.knownMu.Unlock()

	return sd.known[noteID]
}

func (sd *SD) markKnown(noteID string) {
	sd.knownMu.Lock()
	defer sd.knownMu.Unlock()

	sd.known[noteID] = true
}

func (sd *SD) forget(noteID string) {
	sd.knownMu.Lock()
	defer sd.knownMu.Unlock()

	delete(sd.known, noteID)
}

// Manager owns every registered Storage Directory: it builds each one's
// layout, resolves its identity files, wires its L1/L2 plumbing, and runs
// its watchers and polling backups.
type Manager struct {
	cap           fscap.Capability
	applogMgr     *applog.Manager
	idx           *index.Store
	writer        WriterIdentity
	profileWriter *profile.Writer
	buildType     string
	confirm       ConfirmFunc
	onEvent       EventHandler
	logger        *slog.Logger

	activityBackupInterval time.Duration
	deletionBackupInterval time.Duration

	// pending counts in-flight sync cycles for WaitForPendingSyncs.
	pending sync.WaitGroup

	mu  sync.Mutex
	sds map[string]*SD
}

// NewManager returns a Manager. confirm and onEvent may be nil.
func NewManager(
	cap fscap.Capability,
	applogMgr *applog.Manager,
	idx *index.Store,
	writer WriterIdentity,
	profileWriter *profile.Writer,
	buildType string,
	confirm ConfirmFunc,
	onEvent EventHandler,
	activityBackupInterval, deletionBackupInterval time.Duration,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		cap:                    cap,
		applogMgr:              applogMgr,
		idx:                    idx,
		writer:                 writer,
		profileWriter:          profileWriter,
		buildType:              buildType,
		confirm:                confirm,
		onEvent:                onEvent,
		activityBackupInterval: activityBackupInterval,
		deletionBackupInterval: deletionBackupInterval,
		logger:                 logger,
		sds:                    make(map[string]*SD),
	}
}

// RegisterSD brings up one Storage Directory: creates its layout,
// resolves SD_ID/SD_VERSION/SD_MARKER, registers it with the L1 append-log
// store and L6 index, runs the initial sync, then installs watches and
// polling backups. It blocks until the initial sync completes (the
// startup grace period), returning only once watcher-driven events are
// safe to process.
func (m *Manager) RegisterSD(ctx context.Context, name, path string) (*SD, error) {
	if err := ensureLayout(ctx, m.cap, path); err != nil {
		return nil, err
	}

	sdID, err := resolveSDID(ctx, m.cap, path, m.logger)
	if err != nil {
		return nil, err
	}

	if err := ensureVersion(ctx, m.cap, path); err != nil {
		return nil, err
	}

	marker, err := resolveMarker(ctx, m.cap, path, m.buildType, m.confirm, m.logger)
	if err != nil {
		return nil, err
	}

	if err := m.idx.RegisterSD(ctx, index.RegisteredSD{
		SDID: sdID, Name: name, Path: path, Marker: marker, RegisteredAt: time.Now().UnixMilli(),
	}); err != nil && !errors.Is(err, index.ErrConflictingSD) {
		return nil, err
	}

	if err := m.applogMgr.RegisterSD(sdID, path); err != nil {
		return nil, fmt.Errorf("sdmanager: registering %s with append-log store: %w", sdID, err)
	}

	if m.profileWriter != nil {
		if err := m.profileWriter.EnsureWritten(ctx, sdID, path); err != nil {
			m.logger.Warn("sdmanager: writing profile presence failed", "sd_id", sdID, "error", err)
		}
	}

	sd := &SD{
		ID:     sdID,
		Name:   name,
		Path:   path,
		Marker: marker,
		ActivityLogger: activity.NewLogger(m.cap,
			m.cap.JoinPath(path, "activity", m.writer.fileStem()), m.logger),
		DeletionLogger: deletion.NewLogger(m.cap,
			m.cap.JoinPath(path, "deleted", m.writer.fileStem()), m.logger),
		ActivitySync: activity.NewSync(m.cap,
			m.writer.ProfileID, m.writer.InstanceID, m.logger),
		DeletionSync: deletion.NewSync(m.cap, m.applogMgr,
			m.writer.ProfileID, m.writer.InstanceID, m.logger),
		writerFileName: m.writer.fileStem(),
		known:          make(map[string]bool),
	}

	sd.ActivitySync.SetLogChecker(func(sdID, noteID, writer string, seq uint64) bool {
		return m.applogMgr.CheckLogExists(sdID, noteID, applog.WriterID(writer), seq)
	})
	sd.ActivitySync.SetStalePersister(m.idx)
	sd.ActivitySync.SetNoteDeletedHandler(func(ctx context.Context, sdID, noteID string) {
		m.handleRemoteDeletion(ctx, sd, noteID)
	})
	sd.ActivitySync.SetFolderUpdateHandler(func(ctx context.Context, sdID string) {
		m.handleFolderUpdate(ctx, sd)
	})

	m.importPersistedStaleState(ctx, sd)

	if watermarks, err := m.loadWatermarks(ctx, sdID, "activity"); err == nil {
		sd.ActivitySync.ImportWatermarks(sdID, watermarks)
	}

	if watermarks, err := m.loadWatermarks(ctx, sdID, "deletion"); err == nil {
		sd.DeletionSync.ImportWatermarks(sdID, watermarks)
	}

	// Startup grace period: run the initial sync before any watcher event
	// is allowed through, so the same peer log is never processed twice at
	// boot. A peer's notes that already existed before this SD was
	// ever registered surface here too — on a freshly joined instance,
	// every note is "new" to it, so this initial discovery must emit
	// events exactly like a later watcher-driven cycle would.
	m.runActivitySync(ctx, sd)
	m.runDeletionSync(ctx, sd)

	sd.ready.Store(true)

	runCtx, cancel := context.WithCancel(ctx)
	sd.cancel = cancel

	m.mu.Lock()
	m.sds[sdID] = sd
	m.mu.Unlock()

	m.startWatches(runCtx, sd)
	m.startPollingBackups(runCtx, sd)

	return sd, nil
}

// importPersistedStaleState restores skip decisions recorded in the
// logical index, so an operator's skipStaleEntry survives a restart.
func (m *Manager) importPersistedStaleState(ctx context.Context, sd *SD) {
	entries, err := m.idx.ListStaleEntries(ctx, sd.ID)
	if err != nil {
		m.logger.Warn("sdmanager: loading persisted stale entries failed", "sd_id", sd.ID, "error", err)
		return
	}

	for _, e := range entries {
		if e.Skipped {
			sd.ActivitySync.ImportSkip(sd.ID, e.NoteID, e.SourceWriter)
		}
	}
}

// Get returns a registered SD by id.
func (m *Manager) Get(sdID string) (*SD, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sd, ok := m.sds[sdID]
	return sd, ok
}

// List returns every registered SD.
func (m *Manager) List() []*SD {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*SD, 0, len(m.sds))
	for _, sd := range m.sds {
		out = append(out, sd)
	}

	return out
}

// UnregisterSD stops an SD's watchers and polling backups and forgets it.
// The on-disk content and its index row are untouched.
func (m *Manager) UnregisterSD(sdID string) {
	m.mu.Lock()
	sd, ok := m.sds[sdID]
	delete(m.sds, sdID)
	m.mu.Unlock()

	if ok && sd.cancel != nil {
		sd.cancel()
	}
}

// Close stops every registered SD's background work.
func (m *Manager) Close() {
	m.mu.Lock()
	sds := make([]*SD, 0, len(m.sds))
	for _, sd := range m.sds {
		sds = append(sds, sd)
	}
	m.sds = make(map[string]*SD)
	m.mu.Unlock()

	for _, sd := range sds {
		if sd.cancel != nil {
			sd.cancel()
		}
	}
}

// WaitForPendingSyncs blocks until every in-flight sync cycle finishes
// or timeout elapses, reporting whether it drained cleanly. It is the
// engine's shutdown primitive.
func (m *Manager) WaitForPendingSyncs(timeout time.Duration) bool {
	done := make(chan struct{})

	go func() {
		m.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// SyncNow runs one full activity+deletion sync cycle for sdID, emitting
// events for everything discovered. The polling group's driver lands
// here, so poll-discovered changes flow through the same reload path as
// watcher-discovered ones.
func (m *Manager) SyncNow(ctx context.Context, sdID string) (map[string]struct{}, error) {
	sd, ok := m.Get(sdID)
	if !ok {
		return nil, fmt.Errorf("sdmanager: sd %s not registered", sdID)
	}

	affected := m.runActivitySync(ctx, sd)
	removed := m.runDeletionSync(ctx, sd)

	for id := range removed {
		affected[id] = struct{}{}
	}

	return affected, nil
}

// startWatches installs the three fsnotify watches (folders/logs,
// activity, deleted) plus an optional media watch, each
// feeding a single serialized dispatch goroutine per SD. Events for this
// writer's own files are dropped so a local flush never triggers a
// redundant self-sync.
func (m *Manager) startWatches(ctx context.Context, sd *SD) {
	watchDirs := []struct {
		rel    []string
		globs  []string
		onFire func(context.Context)
	}{
		{[]string{"activity"}, []string{"*.log"}, func(c context.Context) { m.runActivitySync(c, sd) }},
		{[]string{"deleted"}, []string{"*.log"}, func(c context.Context) { m.runDeletionSync(c, sd) }},
		{[]string{"folders", "logs"}, []string{"*.crdtlog"}, func(c context.Context) { m.runActivitySync(c, sd) }},
		{[]string{"media"}, []string{"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp"}, func(c context.Context) {}},
	}

	for _, wd := range watchDirs {
		elems := append([]string{sd.Path}, wd.rel...)
		dir := m.cap.JoinPath(elems...)

		events, err := m.cap.Watch(ctx, dir, wd.globs)
		if err != nil {
			m.logger.Warn("sdmanager: installing watch failed", "sd_id", sd.ID, "dir", dir, "error", err)
			continue
		}

		onFire := wd.onFire

		go func() {
			for ev := range events {
				if m.isOwnFile(filepath.Base(ev.Path)) {
					continue
				}

				if !sd.Ready() {
					continue
				}

				onFire(ctx)
			}
		}()
	}
}

// isOwnFile reports whether a watched file name was written by this
// process: its activity/deletion log file or a CRDT log stamped with its
// writer id.
func (m *Manager) isOwnFile(name string) bool {
	if name == m.writer.fileStem() {
		return true
	}

	writer, _, ok := applog.ParseLogFileName(name)

	return ok && string(writer) == strings.TrimSuffix(m.writer.fileStem(), ".log")
}

// startPollingBackups runs the fixed-interval polling fallback:
// activity every 3s, deletion every 10s. Polling continues regardless of
// watcher health.
func (m *Manager) startPollingBackups(ctx context.Context, sd *SD) {
	go m.pollLoop(ctx, sd, m.activityBackupInterval, func(c context.Context, sd *SD) { m.runActivitySync(c, sd) })
	go m.pollLoop(ctx, sd, m.deletionBackupInterval, func(c context.Context, sd *SD) { m.runDeletionSync(c, sd) })
}

func (m *Manager) pollLoop(ctx context.Context, sd *SD, interval time.Duration, run func(context.Context, *SD)) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sd.Ready() {
				run(ctx, sd)
			}
		}
	}
}

// runActivitySync performs one activity sync cycle: scan peers, reload
// every affected note, persist watermarks, emit events. Returns the
// affected note set.
func (m *Manager) runActivitySync(ctx context.Context, sd *SD) map[string]struct{} {
	m.pending.Add(1)
	defer m.pending.Done()

	if m.profileWriter != nil {
		if err := m.profileWriter.EnsureWritten(ctx, sd.ID, sd.Path); err != nil {
			m.logger.Warn("sdmanager: writing profile presence failed", "sd_id", sd.ID, "error", err)
		}
	}

	// Skip decisions may have been recorded by a CLI invocation against
	// the shared index since the last cycle.
	m.importPersistedStaleState(ctx, sd)

	affected, err := sd.ActivitySync.SyncFromOtherInstances(ctx, sd.ID, sd.Path)
	if err != nil {
		m.logger.Warn("sdmanager: activity sync failed", "sd_id", sd.ID, "error", err)
		return map[string]struct{}{}
	}

	if err := m.saveWatermarks(ctx, sd.ID, "activity", sd.ActivitySync.ExportWatermarks(sd.ID)); err != nil {
		m.logger.Warn("sdmanager: persisting activity watermarks failed", "sd_id", sd.ID, "error", err)
	}

	// Collect every reload before broadcasting anything, so observers
	// see a set, not a dribble.
	var events []Event

	for noteID := range affected {
		ev, err := m.reloadNote(ctx, sd, noteID)
		if err != nil {
			m.logger.Warn("sdmanager: reloading note failed, recorded stale",
				"sd_id", sd.ID, "note_id", noteID, "error", err)
			continue
		}

		events = append(events, ev)
	}

	m.emit(events)

	return affected
}

// runDeletionSync performs one deletion sync cycle. Events for removed
// notes fire after the whole cycle completes. Returns the removed set.
func (m *Manager) runDeletionSync(ctx context.Context, sd *SD) map[string]struct{} {
	m.pending.Add(1)
	defer m.pending.Done()

	removed, err := sd.DeletionSync.SyncFromOtherInstances(ctx, sd.ID, sd.Path)
	if err != nil {
		m.logger.Warn("sdmanager: deletion sync failed", "sd_id", sd.ID, "error", err)
		return map[string]struct{}{}
	}

	if err := m.saveWatermarks(ctx, sd.ID, "deletion", sd.DeletionSync.ExportWatermarks(sd.ID)); err != nil {
		m.logger.Warn("sdmanager: persisting deletion watermarks failed", "sd_id", sd.ID, "error", err)
	}

	var events []Event

	for noteID := range removed {
		sd.forget(noteID)
		events = append(events, Event{Kind: EventNotePermanentDeleted, SDID: sd.ID, NoteID: noteID})
	}

	m.emit(events)

	return removed
}

// reloadNote loads a note's current state with exponential backoff,
// retrying while the content reads back empty (its files are still
// materializing through cloud sync). Exhausted retries convert to a
// persisted stale entry.
func (m *Manager) reloadNote(ctx context.Context, sd *SD, noteID string) (Event, error) {
	backoff := retry.WithMaxRetries(reloadMaxRetries,
		retry.WithCappedDuration(reloadBackoffCap, retry.NewExponential(reloadBackoffBase)))

	var handle *applog.DocHandle

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		h, _, err := m.applogMgr.LoadNote(ctx, sd.ID, noteID)
		if err != nil {
			return retry.RetryableError(err)
		}

		if len(h.State) == 0 {
			return retry.RetryableError(errIncompleteNote)
		}

		handle = h

		return nil
	})
	if err != nil {
		if staleErr := m.idx.RecordStale(ctx, sd.ID, noteID, "", 0, 0, 0, time.Now().UnixMilli()); staleErr != nil {
			m.logger.Warn("sdmanager: persisting reload-timeout stale entry failed",
				"sd_id", sd.ID, "note_id", noteID, "error", staleErr)
		}

		return Event{}, err
	}

	kind := EventNoteUpdated
	if !sd.isKnown(noteID) {
		kind = EventNoteCreated
		sd.markKnown(noteID)
	}

	return Event{Kind: kind, SDID: sd.ID, NoteID: noteID, State: handle.State}, nil
}

// handleRemoteDeletion is the activity sync's note-deleted forward: the
// deletion reconciles through the same idempotent path peer deletion
// logs use.
func (m *Manager) handleRemoteDeletion(ctx context.Context, sd *SD, noteID string) {
	if err := sd.DeletionSync.ProcessRemoteDeletion(ctx, sd.ID, noteID); err != nil {
		m.logger.Warn("sdmanager: reconciling note-deleted entry failed",
			"sd_id", sd.ID, "note_id", noteID, "error", err)
		return
	}

	sd.forget(noteID)
	m.emit([]Event{{Kind: EventNotePermanentDeleted, SDID: sd.ID, NoteID: noteID}})
}

// handleFolderUpdate reloads the folder-tree document and broadcasts the
// change.
func (m *Manager) handleFolderUpdate(ctx context.Context, sd *SD) {
	handle, _, err := m.applogMgr.LoadNote(ctx, sd.ID, applog.FolderTarget)
	if err != nil {
		m.logger.Warn("sdmanager: reloading folder tree failed", "sd_id", sd.ID, "error", err)
		return
	}

	m.emit([]Event{{Kind: EventFolderUpdated, SDID: sd.ID, State: handle.State}})
}

func (m *Manager) emit(events []Event) {
	if m.onEvent == nil {
		return
	}

	for _, ev := range events {
		m.onEvent(ev)
	}
}

// The L6 watermarks table has one flat (sd_id, peer_file) keyspace
// shared by activity and deletion readers, so both kinds are namespaced
// by a "<kind>:" key prefix within it rather than given separate tables.

func (m *Manager) loadWatermarks(ctx context.Context, sdID, kind string) (map[string]int64, error) {
	all, err := m.idx.LoadWatermarks(ctx, sdID)
	if err != nil {
		return nil, err
	}

	prefix := kind + ":"

	out := make(map[string]int64)
	for k, v := range all {
		if trimmed, ok := strings.CutPrefix(k, prefix); ok {
			out[trimmed] = v
		}
	}

	return out, nil
}

// saveWatermarks persists sequences for kind without clobbering the
// other kind's rows, since SaveWatermarks replaces an SD's entire row
// set.
func (m *Manager) saveWatermarks(ctx context.Context, sdID, kind string, seqs map[string]int64) error {
	existing, err := m.idx.LoadWatermarks(ctx, sdID)
	if err != nil {
		return err
	}

	prefix := kind + ":"

	merged := make(map[string]int64, len(existing)+len(seqs))
	for k, v := range existing {
		if !strings.HasPrefix(k, prefix) {
			merged[k] = v
		}
	}

	for k, v := range seqs {
		merged[prefix+k] = v
	}

	return m.idx.SaveWatermarks(ctx, sdID, merged)
}
