package main

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show every registered Storage Directory and its sync health",
		Long: `Display each registered Storage Directory's marker, pause state, and
outstanding stale-sync gaps, without starting the daemon.`,
		RunE: runStatus,
	}
}

// statusSD is the JSON/text shape for one reported Storage Directory.
type statusSD struct {
	Name         string `json:"name"`
	SDID         string `json:"sd_id"`
	Path         string `json:"path"`
	Marker       string `json:"marker"`
	Paused       bool   `json:"paused"`
	StaleCount   int    `json:"stale_count"`
	PendingMoves int    `json:"pending_moves"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
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

	moves, err := eng.idx.ListNonTerminalMoves(ctx)
	if err != nil {
		return err
	}

	pendingBySource := make(map[string]int)
	for _, mv := range moves {
		pendingBySource[mv.SourceSDUUID]++
	}

	out := make([]statusSD, 0, len(sds))

	for _, sd := range sds {
		stale, err := eng.idx.ListStaleEntries(ctx, sd.SDID)
		if err != nil {
			return err
		}

		unresolved := 0

		for _, e := range stale {
			if !e.Skipped {
				unresolved++
			}
		}

		out = append(out, statusSD{
			Name:         sd.Name,
			SDID:         sd.SDID,
			Path:         sd.Path,
			Marker:       sd.Marker,
			Paused:       sd.Paused,
			StaleCount:   unresolved,
			PendingMoves: pendingBySource[sd.SDID],
		})
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(out)
	}

	printStatusText(cmd, out)

	return nil
}

func printStatusText(cmd *cobra.Command, sds []statusSD) {
	rows := make([][]string, 0, len(sds))

	for _, sd := range sds {
		state := "ready"
		if sd.Paused {
			state = "paused"
		}

		staleLabel := "-"
		if sd.StaleCount > 0 {
			staleLabel = strconv.Itoa(sd.StaleCount)
		}

		rows = append(rows, []string{sd.Name, sd.Marker, state, staleLabel, sd.Path})
	}

	printTable(cmd.OutOrStdout(), []string{"NAME", "MARKER", "STATE", "STALE", "PATH"}, rows)
}
