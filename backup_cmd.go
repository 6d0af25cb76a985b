package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/notesync/engine/internal/config"
)

var flagBackupRegisterAsNew bool
var flagBackupDescription string
var flagBackupName string

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list, and restore Storage Directory backups",
		Long: `Backups are full or partial copies of a Storage Directory's on-disk
content plus the logical index's database. Manual
backups are kept until explicitly removed; pre-operation backups
(taken automatically ahead of destructive UI actions) are pruned
after seven days by the daemon's retention sweep.`,
	}

	createCmd := &cobra.Command{
		Use:   "create <sd-name>",
		Short: "Create a manual backup of a Storage Directory",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackupCreate,
	}
	createCmd.Flags().StringVar(&flagBackupDescription, "description", "", "free-text note stored in the backup's metadata")

	cmd.AddCommand(createCmd)
	cmd.AddCommand(newBackupListCmd())

	restoreCmd := &cobra.Command{
		Use:   "restore <backup-id> <target-dir>",
		Short: "Restore a backup into a new Storage Directory location",
		Args:  cobra.ExactArgs(2),
		RunE:  runBackupRestore,
	}
	restoreCmd.Flags().StringVar(&flagBackupName, "name", "", "registration name for the restored storage directory (required)")
	restoreCmd.Flags().BoolVar(&flagBackupRegisterAsNew, "register-as-new", false, "assign a fresh SD_ID instead of reusing the backup's original one")

	cmd.AddCommand(restoreCmd)

	return cmd
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	eng, err := newEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer eng.close()

	sd, err := eng.idx.GetSDByName(ctx, args[0])
	if err != nil {
		return fmt.Errorf("backup create: %w", err)
	}

	backupID, err := eng.backupSvc.ManualBackup(ctx, sd.SDID, sd.Name, sd.Path, flagBackupDescription)
	if err != nil {
		return fmt.Errorf("backup create: %w", err)
	}

	statusf("Created backup %s of %q\n", backupID, args[0])

	return nil
}

func newBackupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all backups",
		RunE:  runBackupList,
	}
}

func runBackupList(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	eng, err := newEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer eng.close()

	backups, err := eng.backupSvc.ListBackups(ctx)
	if err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(backups)
	}

	if len(backups) == 0 {
		statusf("No backups.\n")
		return nil
	}

	rows := make([][]string, 0, len(backups))
	for _, b := range backups {
		rows = append(rows, []string{b.BackupID, string(b.Type), b.SDUuid, b.Description})
	}

	printTable(cmd.OutOrStdout(), []string{"ID", "TYPE", "SD_UUID", "DESCRIPTION"}, rows)

	return nil
}

func runBackupRestore(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	if flagBackupName == "" {
		return fmt.Errorf("backup restore: --name is required")
	}

	eng, err := newEngine(ctx, cc)
	if err != nil {
		return err
	}
	defer eng.close()

	backupDir := eng.cc.Cfg.Backup.Root
	backupDir = eng.cap.JoinPath(backupDir, args[0])

	plan, err := eng.backupSvc.Restore(ctx, eng.idx, backupDir, args[1], flagBackupName, flagBackupRegisterAsNew)
	if err != nil {
		return fmt.Errorf("backup restore: %w", err)
	}

	// The restore already wrote SD_ID into plan.Path; RegisterSD resolves
	// it back off disk and brings the storage directory up like any other.
	if _, err := eng.sdMgr.RegisterSD(ctx, plan.Name, plan.Path); err != nil {
		return fmt.Errorf("backup restore: registering restored sd: %w", err)
	}

	if err := config.AppendSD(cc.ConfigPath, plan.Name, plan.Path); err != nil {
		return fmt.Errorf("backup restore: persisting to config: %w", err)
	}

	statusf("Restored backup %s into %q as %q\n", args[0], plan.Path, plan.Name)

	return nil
}
