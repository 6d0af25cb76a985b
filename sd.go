package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/notesync/engine/internal/config"
)

func newSDCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sd",
		Short: "Manage registered Storage Directories",
	}

	cmd.AddCommand(newSDAddCmd())
	cmd.AddCommand(newSDListCmd())
	cmd.AddCommand(newSDRemoveCmd())

	return cmd
}

func newSDAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <name> <path>",
		Short: "Register a new Storage Directory",
		Long: `Create the Storage Directory layout at path (if absent), resolve its
SD_ID/SD_VERSION/SD_MARKER identity files, run its initial sync, and
persist the registration to config.toml so 'run' brings it up on every
future start.`,
		Args: cobra.ExactArgs(2),
		RunE: runSDAdd,
	}
}

func runSDAdd(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	name, path := args[0], args[1]

	eng, err := newEngine(cmd.Context(), cc)
	if err != nil {
		return err
	}
	defer eng.close()

	sd, err := eng.sdMgr.RegisterSD(cmd.Context(), name, path)
	if err != nil {
		return fmt.Errorf("sd add: %w", err)
	}

	if err := config.AppendSD(cc.ConfigPath, name, path); err != nil {
		return fmt.Errorf("sd add: persisting to config: %w", err)
	}

	statusf("Registered storage directory %q (%s) at %s\n", name, sd.ID, path)

	return nil
}

func newSDListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered Storage Directories",
		RunE:  runSDList,
	}
}

func runSDList(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	eng, err := newEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer eng.close()

	sds, err := eng.idx.ListSDs(ctx)
	if err != nil {
		return err
	}

	if len(sds) == 0 {
		statusf("No storage directories registered. Run 'notesync sd add <name> <path>'.\n")
		return nil
	}

	rows := make([][]string, 0, len(sds))
	for _, sd := range sds {
		state := "ready"
		if sd.Paused {
			state = "paused"
		}

		rows = append(rows, []string{sd.Name, sd.SDID, sd.Marker, state, sd.Path})
	}

	printTable(cmd.OutOrStdout(), []string{"NAME", "SD_ID", "MARKER", "STATE", "PATH"}, rows)

	return nil
}

func newSDRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Unregister a Storage Directory (does not delete its on-disk content)",
		Args:  cobra.ExactArgs(1),
		RunE:  runSDRemove,
	}
}

func runSDRemove(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()
	name := args[0]

	eng, err := newEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer eng.close()

	row, err := eng.idx.GetSDByName(ctx, name)
	if err != nil {
		return fmt.Errorf("sd remove: %w", err)
	}

	eng.sdMgr.UnregisterSD(row.SDID)

	if err := eng.idx.RemoveSD(ctx, row.SDID); err != nil {
		return fmt.Errorf("sd remove: %w", err)
	}

	if removed, err := config.RemoveSD(cc.ConfigPath, name); err != nil {
		return fmt.Errorf("sd remove: updating config: %w", err)
	} else if !removed {
		cc.Logger.Warn("sd remove: entry was not present in config.toml", "name", name)
	}

	statusf("Unregistered storage directory %q (on-disk content left untouched)\n", name)

	return nil
}
