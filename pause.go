package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/notesync/engine/internal/daemon"
)

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <sd-name>",
		Short: "Pause sync for a Storage Directory",
		Long: `Pause persists a flag in the logical index; the next 'run' bring-up
skips this Storage Directory entirely (no watchers, no polling). A
running daemon is notified via SIGHUP to pick up the change without a
restart.`,
		Args: cobra.ExactArgs(1),
		RunE: runPause,
	}
}

func runPause(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	eng, err := newEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer eng.close()

	sd, err := eng.idx.GetSDByName(ctx, args[0])
	if err != nil {
		return fmt.Errorf("pause: %w", err)
	}

	if err := eng.idx.SetPaused(ctx, sd.SDID, true); err != nil {
		return fmt.Errorf("pause: %w", err)
	}

	eng.sdMgr.UnregisterSD(sd.SDID)

	statusf("Storage directory %q paused\n", args[0])
	notifyDaemon(cc)

	return nil
}

// notifyDaemon best-effort signals a running 'run' daemon to re-read
// pause/resume state; a daemon that isn't running just means the change
// takes effect on its next start.
func notifyDaemon(cc *CLIContext) {
	if err := daemon.NotifyReload(cc.PIDPath); err != nil {
		cc.Logger.Debug("pause/resume: no running daemon to notify", "error", err)
	}
}
