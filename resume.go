package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [sd-name]",
		Short: "Resume sync for a paused Storage Directory",
		Long: `Resume clears the pause flag so the next 'run' bring-up re-installs
watchers and polling for this Storage Directory. With a name given,
resumes just that one; with no argument, resumes every paused
Storage Directory. A running daemon is notified via SIGHUP to pick
up the change without a restart.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runResume,
	}
}

func runResume(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	eng, err := newEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer eng.close()

	if len(args) == 1 {
		return resumeSingleSD(ctx, eng, args[0])
	}

	return resumeAllSDs(ctx, eng)
}

func resumeSingleSD(ctx context.Context, eng *engine, name string) error {
	sd, err := eng.idx.GetSDByName(ctx, name)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	if !sd.Paused {
		statusf("Storage directory %q is not paused\n", name)
		return nil
	}

	if err := eng.idx.SetPaused(ctx, sd.SDID, false); err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	statusf("Storage directory %q resumed\n", name)
	notifyDaemon(eng.cc)

	return nil
}

func resumeAllSDs(ctx context.Context, eng *engine) error {
	sds, err := eng.idx.ListSDs(ctx)
	if err != nil {
		return err
	}

	resumed := 0

	for _, sd := range sds {
		if !sd.Paused {
			continue
		}

		if err := eng.idx.SetPaused(ctx, sd.SDID, false); err != nil {
			return fmt.Errorf("resume: %q: %w", sd.Name, err)
		}

		resumed++
	}

	if resumed == 0 {
		statusf("No paused storage directories.\n")
		return nil
	}

	statusf("Resumed %d storage directories\n", resumed)
	notifyDaemon(eng.cc)

	return nil
}
