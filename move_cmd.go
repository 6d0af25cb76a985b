package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/notesync/engine/internal/move"
)

func newMoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "move",
		Short: "Move a note between Storage Directories",
		Long: `A cross-SD move copies a note's append-log files into the target
Storage Directory, updates the logical index, and only then removes
the source copy, recording every step in a crash-recoverable
move-journal row.`,
	}

	cmd.AddCommand(newMoveStartCmd())
	cmd.AddCommand(newMoveStatusCmd())
	cmd.AddCommand(newMoveListCmd())
	cmd.AddCommand(newMoveCancelCmd())

	return cmd
}

func newMoveStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <note-id> <source-sd> <target-sd> [target-folder-id]",
		Short: "Start moving a note to a different Storage Directory",
		Args:  cobra.RangeArgs(3, 4),
		RunE:  runMoveStart,
	}
}

func runMoveStart(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	eng, err := newEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer eng.close()

	noteID, sourceName, targetName := args[0], args[1], args[2]

	targetFolderID := ""
	if len(args) == 4 {
		targetFolderID = args[3]
	}

	source, err := eng.idx.GetSDByName(ctx, sourceName)
	if err != nil {
		return fmt.Errorf("move start: source: %w", err)
	}

	target, err := eng.idx.GetSDByName(ctx, targetName)
	if err != nil {
		return fmt.Errorf("move start: target: %w", err)
	}

	row, err := eng.moveMgr.Start(ctx, move.Request{
		NoteID:         noteID,
		SourceSDUUID:   source.SDID,
		TargetSDUUID:   target.SDID,
		TargetFolderID: targetFolderID,
		SourceSDPath:   source.Path,
		TargetSDPath:   target.Path,
		InitiatedBy:    cc.InstanceID,
	})
	if err != nil {
		return fmt.Errorf("move start: %w", err)
	}

	statusf("Started move %s (note %s: %s -> %s), state=%s\n", row.ID, noteID, sourceName, targetName, row.State)

	return nil
}

func newMoveStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <move-id>",
		Short: "Show a move-journal row's current state",
		Args:  cobra.ExactArgs(1),
		RunE:  runMoveStatus,
	}
}

func runMoveStatus(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	eng, err := newEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer eng.close()

	row, err := eng.idx.GetMoveRow(ctx, args[0])
	if err != nil {
		return fmt.Errorf("move status: %w", err)
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(row)
	}

	statusf("move %s: note=%s state=%s source=%s target=%s\n", row.ID, row.NoteID, row.State, row.SourceSDUUID, row.TargetSDUUID)

	if row.Error != "" {
		statusf("  error: %s\n", row.Error)
	}

	return nil
}

func newMoveListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List moves that have not reached a terminal state",
		RunE:  runMoveList,
	}
}

func runMoveList(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	eng, err := newEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer eng.close()

	rows, err := eng.idx.ListNonTerminalMoves(ctx)
	if err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		statusf("No moves in progress.\n")
		return nil
	}

	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{r.ID, r.NoteID, r.State, r.SourceSDUUID, r.TargetSDUUID, strconv.FormatInt(r.LastModified, 10)})
	}

	printTable(cmd.OutOrStdout(), []string{"ID", "NOTE", "STATE", "SOURCE", "TARGET", "LAST_MODIFIED"}, out)

	return nil
}

func newMoveCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <move-id>",
		Short: "Cancel a move that is still in the initiated state",
		Args:  cobra.ExactArgs(1),
		RunE:  runMoveCancel,
	}
}

func runMoveCancel(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	eng, err := newEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer eng.close()

	if err := eng.moveMgr.Cancel(ctx, args[0]); err != nil {
		return fmt.Errorf("move cancel: %w", err)
	}

	statusf("Cancelled move %s\n", args[0])

	return nil
}
