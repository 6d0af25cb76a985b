package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newStaleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "Inspect and resolve stale-sync gaps",
		Long: `A stale entry records a gap between what a peer's activity log
advertised and what has actually replicated into the local logs
directory (cloud-sync lag or data loss). List, skip, or retry them
here.`,
	}

	cmd.AddCommand(newStaleListCmd())
	cmd.AddCommand(newStaleSkipCmd())
	cmd.AddCommand(newStaleRetryCmd())

	return cmd
}

func newStaleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <sd-name>",
		Short: "List stale entries for a Storage Directory",
		Args:  cobra.ExactArgs(1),
		RunE:  runStaleList,
	}
}

func runStaleList(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	eng, err := newEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer eng.close()

	sd, err := eng.idx.GetSDByName(ctx, args[0])
	if err != nil {
		return fmt.Errorf("stale list: %w", err)
	}

	entries, err := eng.idx.ListStaleEntries(ctx, sd.SDID)
	if err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		statusf("No stale entries for %q.\n", args[0])
		return nil
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		skipLabel := "no"
		if e.Skipped {
			skipLabel = "yes"
		}

		rows = append(rows, []string{
			e.NoteID, e.SourceWriter,
			strconv.FormatUint(e.HighestSeen, 10), strconv.FormatUint(e.ExpectedSeq, 10),
			strconv.FormatUint(e.Gap, 10), skipLabel,
			formatTime(time.UnixMilli(e.DetectedAt)),
		})
	}

	printTable(cmd.OutOrStdout(), []string{"NOTE", "PEER", "HAVE", "WANT", "GAP", "SKIPPED", "DETECTED"}, rows)

	return nil
}

func newStaleSkipCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "skip <sd-name> <note-id> <peer>",
		Short: "Mark a stale entry as permanently processed",
		Long: `Skip tells the reader to treat the gap's activity-log line as
processed and advance its watermark past it. A skipped entry stays
skipped until 'stale retry' is run against it — it is not automatically
retried by the next sync cycle, even if the missing file later
replicates.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStaleTransition(cmd, args, func(ctx context.Context, eng *engine, sdID, noteID, peer string) error {
				return eng.idx.SkipStaleEntry(ctx, sdID, noteID, peer)
			})
		},
	}
}

func newStaleRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <sd-name> <note-id> <peer>",
		Short: "Clear a skip and force the next sync cycle to recheck the gap",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStaleTransition(cmd, args, func(ctx context.Context, eng *engine, sdID, noteID, peer string) error {
				return eng.idx.RetryStaleEntry(ctx, sdID, noteID, peer)
			})
		},
	}
}

func runStaleTransition(cmd *cobra.Command, args []string, fn func(context.Context, *engine, string, string, string) error) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	eng, err := newEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer eng.close()

	sd, err := eng.idx.GetSDByName(ctx, args[0])
	if err != nil {
		return fmt.Errorf("stale: %w", err)
	}

	if err := fn(ctx, eng, sd.SDID, args[1], args[2]); err != nil {
		return err
	}

	statusf("Updated stale entry for note %s / peer %s\n", args[1], args[2])

	return nil
}
