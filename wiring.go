package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/notesync/engine/internal/applog"
	"github.com/notesync/engine/internal/backup"
	"github.com/notesync/engine/internal/config"
	"github.com/notesync/engine/internal/deletion"
	"github.com/notesync/engine/internal/fscap"
	"github.com/notesync/engine/internal/index"
	"github.com/notesync/engine/internal/move"
	"github.com/notesync/engine/internal/polling"
	"github.com/notesync/engine/internal/profile"
	"github.com/notesync/engine/internal/sdmanager"
)

// engine bundles every tier's composition root for one CLI invocation.
// Every subcommand that touches live SD state builds one via newEngine
// and calls close when done; only run (the daemon) keeps it alive for
// the process lifetime and additionally starts polling.
type engine struct {
	cc        *CLIContext
	cap       fscap.Capability
	idx       *index.Store
	applogMgr *applog.Manager
	sdMgr     *sdmanager.Manager
	moveMgr   *move.Machine
	backupSvc *backup.Service
}

func newEngine(ctx context.Context, cc *CLIContext) (*engine, error) {
	idx, err := index.Open(ctx, cc.IndexDBPath, cc.Logger)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}

	cap := fscap.NewOSCapability()
	applogMgr := applog.NewManager(cap, cc.Logger)

	writer := sdmanager.WriterIdentity{ProfileID: cc.Cfg.Writer.ProfileID, InstanceID: cc.InstanceID}
	if writer.ProfileID == "" {
		writer.ProfileID = "default"
	}

	profileWriter := profile.NewWriter(cap, idx, profile.Identity{
		ProfileID:   writer.ProfileID,
		InstanceID:  writer.InstanceID,
		ProfileName: cc.Cfg.Writer.ProfileName,
	}, nil)

	// Non-interactive CLI contexts refuse to load a prod-marked SD under
	// a dev build; an operator who genuinely needs that runs a dev build
	// directly against the SD instead of overriding the refusal here.
	confirm := sdmanager.ConfirmFunc(func(root, marker string) bool { return false })

	activityBackup, err := time.ParseDuration(cc.Cfg.Sync.ActivityPollInterval)
	if err != nil {
		return nil, fmt.Errorf("parsing sync.activity_poll_interval: %w", err)
	}

	deletionBackup, err := time.ParseDuration(cc.Cfg.Sync.DeletionPollInterval)
	if err != nil {
		return nil, fmt.Errorf("parsing sync.deletion_poll_interval: %w", err)
	}

	sdMgr := sdmanager.NewManager(cap, applogMgr, idx, writer, profileWriter,
		cc.Cfg.Safety.Build, confirm, nil, activityBackup, deletionBackup, cc.Logger)

	moveMgr := move.NewMachine(cap, applogMgr, idx, deletionLoggerFor(sdMgr), writer.InstanceID, cc.Logger)

	backupRoot := cc.Cfg.Backup.Root
	if backupRoot == "" {
		backupRoot = cap.JoinPath(cc.DataDir, "backups")
	}

	backupSvc := backup.NewService(cap, backupRoot, cc.IndexDBPath, cc.Logger)

	return &engine{
		cc:        cc,
		cap:       cap,
		idx:       idx,
		applogMgr: applogMgr,
		sdMgr:     sdMgr,
		moveMgr:   moveMgr,
		backupSvc: backupSvc,
	}, nil
}

// engineSyncer adapts a live sdmanager.Manager into the single
// polling.Syncer the polling group dispatches every drawn tick through:
// the group knows only sdIDs, so the syncer resolves each one to its own
// activity/deletion sync pair rather than the group holding one per SD.
type engineSyncer struct {
	sdMgr *sdmanager.Manager
}

func (s *engineSyncer) SyncFromOtherInstances(ctx context.Context, sdID, sdRoot string) (map[string]struct{}, error) {
	// SyncNow drives both the activity and deletion cycle and routes
	// poll-discovered changes through the same reload/event path a
	// watcher-driven cycle takes.
	return s.sdMgr.SyncNow(ctx, sdID)
}

// engineStaleCheck adapts the index's persisted stale-entry set into the
// polling.StaleCheckFunc a fast-path-handoff entry is re-checked against
// on every tick it survives: an entry stays queued only while an
// unskipped stale gap is still recorded for it.
func engineStaleCheck(ctx context.Context, idx *index.Store) func(sdID, noteID string) bool {
	return func(sdID, noteID string) bool {
		entries, err := idx.ListStaleEntries(ctx, sdID)
		if err != nil {
			return false
		}

		for _, e := range entries {
			if e.NoteID == noteID && !e.Skipped {
				return true
			}
		}

		return false
	}
}

// engineNoteLister adapts sdmanager+fscap into polling.NoteLister for the
// full-repoll sweep: it enumerates the note directories materialized
// under a Storage Directory's notes tree, excluding any in-flight move
// staging dirs.
type engineNoteLister struct {
	sdMgr *sdmanager.Manager
	cap   fscap.Capability
}

func (l *engineNoteLister) ListActiveNotes(ctx context.Context, sdID string) ([]string, error) {
	sd, ok := l.sdMgr.Get(sdID)
	if !ok {
		return nil, fmt.Errorf("polling: sd %s not registered", sdID)
	}

	entries, err := l.cap.List(ctx, l.cap.JoinPath(sd.Path, "notes"))
	if err != nil {
		if errors.Is(err, fscap.ErrNotExist) {
			return nil, nil
		}

		return nil, err
	}

	var notes []string

	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".moving-") {
			continue
		}

		notes = append(notes, e.Name())
	}

	return notes, nil
}

// deletionLoggerFor adapts a live sdmanager.Manager into the
// move.DeletionLoggerFunc the move machine calls at its db_updated step,
// so the source-side tombstone goes through the same buffered Logger the
// SD's own bring-up created rather than a second independent one.
func deletionLoggerFor(sdMgr *sdmanager.Manager) move.DeletionLoggerFunc {
	return func(sdID string) (*deletion.Logger, error) {
		sd, ok := sdMgr.Get(sdID)
		if !ok {
			return nil, fmt.Errorf("wiring: sd %s not registered", sdID)
		}

		return sd.DeletionLogger, nil
	}
}

// newPollingGroup builds the tick-driven Tier-2 scheduler. One Group
// serves every SD: the daemon registers each SD root with RegisterSD, and
// the syncer resolves each drawn entry's sdID to that SD's sync pair.
func newPollingGroup(cfg config.PollingConfig, syncer polling.Syncer, staleCheck polling.StaleCheckFunc, logger *slog.Logger) (*polling.Group, error) {
	pcfg, err := pollingConfigFrom(cfg)
	if err != nil {
		return nil, err
	}

	return polling.NewGroup(pcfg, syncer, staleCheck, logger), nil
}

func pollingConfigFrom(cfg config.PollingConfig) (polling.Config, error) {
	recentEditWindow, err := time.ParseDuration(cfg.RecentEditWindow)
	if err != nil {
		return polling.Config{}, fmt.Errorf("parsing polling.recent_edit_window: %w", err)
	}

	fullRepollInterval, err := time.ParseDuration(cfg.FullRepollInterval)
	if err != nil {
		return polling.Config{}, fmt.Errorf("parsing polling.full_repoll_interval: %w", err)
	}

	fastPathMaxDelay, err := time.ParseDuration(cfg.FastPathMaxDelay)
	if err != nil {
		return polling.Config{}, fmt.Errorf("parsing polling.fast_path_max_delay: %w", err)
	}

	tickInterval, err := time.ParseDuration(cfg.TickInterval)
	if err != nil {
		return polling.Config{}, fmt.Errorf("parsing polling.tick_interval: %w", err)
	}

	return polling.Config{
		PollRatePerMinute:     float64(cfg.PollRatePerMinute),
		HitRateMultiplier:     cfg.HitRateMultiplier,
		MaxBurstPerSecond:     float64(cfg.MaxBurstPerSecond),
		NormalPriorityReserve: cfg.NormalPriorityReserve,
		RecentEditWindow:      recentEditWindow,
		FullRepollInterval:    fullRepollInterval,
		FastPathMaxDelay:      fastPathMaxDelay,
		TickInterval:          tickInterval,
	}, nil
}

// registerConfiguredSDs brings up every SD named in the config file,
// skipping one already recorded as paused in the index — an operator
// pause persists across daemon restarts without editing config.toml.
func (e *engine) registerConfiguredSDs(ctx context.Context) ([]*sdmanager.SD, error) {
	var registered []*sdmanager.SD

	for _, entry := range e.cc.Cfg.SDs {
		if row, err := e.idx.GetSDByName(ctx, entry.Name); err == nil && row.Paused {
			e.cc.Logger.Info("wiring: skipping paused sd", "name", entry.Name)
			continue
		}

		sd, err := e.sdMgr.RegisterSD(ctx, entry.Name, entry.Path)
		if err != nil {
			return registered, fmt.Errorf("registering sd %q: %w", entry.Name, err)
		}

		registered = append(registered, sd)
	}

	return registered, nil
}

// buildPollingGroup assembles the Tier-2 scheduler and its full-repoll
// companion over every SD this engine has brought up.
func (e *engine) buildPollingGroup(ctx context.Context, sds []*sdmanager.SD) (*polling.Group, *polling.FullRepollTimer, error) {
	group, err := newPollingGroup(e.cc.Cfg.Polling, &engineSyncer{sdMgr: e.sdMgr}, engineStaleCheck(ctx, e.idx), e.cc.Logger)
	if err != nil {
		return nil, nil, err
	}

	for _, sd := range sds {
		group.RegisterSD(sd.ID, sd.Path)
	}

	pcfg, err := pollingConfigFrom(e.cc.Cfg.Polling)
	if err != nil {
		return nil, nil, err
	}

	lister := &engineNoteLister{sdMgr: e.sdMgr, cap: e.cap}
	timer := polling.NewFullRepollTimer(group, lister, pcfg, e.cc.Logger)

	return group, timer, nil
}

func (e *engine) close() {
	e.sdMgr.Close()
	e.idx.Close()
}
