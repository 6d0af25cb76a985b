package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/notesync/engine/internal/daemon"
	"github.com/notesync/engine/internal/polling"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine daemon",
		Long: `Start the long-running engine: brings up every registered Storage
Directory, installs its watchers and polling fallbacks, and runs the
Tier-2 priority-weighted poller until interrupted.

A second instance refuses to start against the same data directory
while a PID file lock is held.`,
		RunE: runRun,
	}
}

func runRun(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	lock, err := daemon.Acquire(cc.PIDPath)
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx := daemon.ShutdownContext(cmd.Context(), cc.Logger)

	eng, err := newEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer eng.close()

	sds, err := eng.registerConfiguredSDs(ctx)
	if err != nil {
		return err
	}

	cc.Logger.Info("run: brought up storage directories", "count", len(sds))

	if _, err := eng.moveMgr.Recover(ctx); err != nil {
		cc.Logger.Warn("run: move-journal recovery encountered an error", "error", err)
	}

	group, repollTimer, err := eng.buildPollingGroup(ctx, sds)
	if err != nil {
		return err
	}

	go func() {
		if err := group.Run(ctx); err != nil && ctx.Err() == nil {
			cc.Logger.Warn("run: polling group stopped", "error", err)
		}
	}()

	go func() {
		if err := repollTimer.Run(ctx); err != nil && ctx.Err() == nil {
			cc.Logger.Warn("run: full-repoll timer stopped", "error", err)
		}
	}()

	go eng.runRetentionSweeps(ctx)
	go eng.watchReloadSignal(ctx, group)

	statusf("notesync running (%d storage directories)\n", len(sds))

	<-ctx.Done()

	cc.Logger.Info("run: shutting down, draining syncs and flushing snapshots")

	if !eng.sdMgr.WaitForPendingSyncs(5 * time.Second) {
		cc.Logger.Warn("run: pending syncs did not drain before the shutdown deadline")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := eng.applogMgr.FlushSnapshots(shutdownCtx, nil); err != nil {
		cc.Logger.Warn("run: flushing snapshots on shutdown failed", "error", err)
	}

	return nil
}

// watchReloadSignal brings a just-paused SD's watchers down and a
// just-resumed one's back up on every SIGHUP, so 'pause'/'resume' take
// effect without restarting the daemon.
func (e *engine) watchReloadSignal(ctx context.Context, group *polling.Group) {
	sigs := daemon.ReloadSignal()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			e.reconcilePauseState(ctx, group)
		}
	}
}

func (e *engine) reconcilePauseState(ctx context.Context, group *polling.Group) {
	for _, entry := range e.cc.Cfg.SDs {
		row, err := e.idx.GetSDByName(ctx, entry.Name)
		if err != nil {
			continue
		}

		_, live := e.sdMgr.Get(row.SDID)

		switch {
		case row.Paused && live:
			e.sdMgr.UnregisterSD(row.SDID)
			e.cc.Logger.Info("run: paused sd on reload signal", "name", entry.Name)
		case !row.Paused && !live:
			sd, err := e.sdMgr.RegisterSD(ctx, entry.Name, entry.Path)
			if err != nil {
				e.cc.Logger.Warn("run: resuming sd on reload signal failed", "name", entry.Name, "error", err)
				continue
			}

			group.RegisterSD(sd.ID, sd.Path)
			e.cc.Logger.Info("run: resumed sd on reload signal", "name", entry.Name)
		}
	}
}

// runRetentionSweeps periodically prunes expired move-journal rows (30
// days past terminal) and pre-operation backups (7 days).
func (e *engine) runRetentionSweeps(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepRetention(ctx)
		}
	}
}

func (e *engine) sweepRetention(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -e.cc.Cfg.Safety.MoveRetentionDays).UnixMilli()

	if n, err := e.idx.DeleteExpiredMoves(ctx, cutoff); err != nil {
		e.cc.Logger.Warn("retention: pruning move journal failed", "error", err)
	} else if n > 0 {
		e.cc.Logger.Info("retention: pruned expired move-journal rows", "count", n)
	}

	if removed, err := e.backupSvc.CleanupExpired(ctx, time.Now()); err != nil {
		e.cc.Logger.Warn("retention: pruning pre-operation backups failed", "error", err)
	} else if len(removed) > 0 {
		e.cc.Logger.Info("retention: pruned expired pre-operation backups", "count", len(removed))
	}
}
