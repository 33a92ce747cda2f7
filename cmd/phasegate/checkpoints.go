package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phasegate/internal/checkpoint"
	"github.com/fyrsmithlabs/phasegate/internal/config"
	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
)

var (
	cpPhase    string
	cpArchived bool
	cpJSON     bool
)

func init() {
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.Flags().StringVar(&cpPhase, "phase", "", "only list checkpoints of this phase")
	checkpointsCmd.Flags().BoolVar(&cpArchived, "archived", false, "include consumed checkpoints")
	checkpointsCmd.Flags().BoolVar(&cpJSON, "json", false, "output results as JSON")
}

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "List checkpoints",
	Long: `List checkpoints in the configured checkpoint directory, oldest first
within each phase. Only the last active checkpoint of a phase is resumable.

Examples:
  # All active checkpoints
  phasegate checkpoints

  # One phase, including consumed checkpoints
  phasegate checkpoints --phase implement --archived`,
	Args: cobra.NoArgs,
	RunE: runCheckpoints,
}

// checkpointRow is the listing shape for --json.
type checkpointRow struct {
	ID        string `json:"id"`
	PhaseID   string `json:"phaseId"`
	Sequence  int    `json:"sequence"`
	Archived  bool   `json:"archived"`
	Reason    string `json:"reason,omitempty"`
	Zone      string `json:"zone,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Remaining int    `json:"remaining"`
	Error     string `json:"error,omitempty"`
}

func runCheckpoints(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return withCode(orchestrator.ExitInvalidPlan, err)
	}
	store, err := checkpoint.NewStore(cfg.Checkpoint.Dir)
	if err != nil {
		return err
	}
	entries, err := store.List(checkpoint.ListOptions{PhaseID: cpPhase, IncludeArchived: cpArchived})
	if err != nil {
		return err
	}

	rows := make([]checkpointRow, 0, len(entries))
	for _, e := range entries {
		row := checkpointRow{ID: e.ID, PhaseID: e.PhaseID, Sequence: e.Sequence, Archived: e.Archived}
		cp, err := store.Get(e.ID)
		if err != nil {
			row.Error = err.Error()
		} else {
			row.Reason = string(cp.Reason)
			row.Zone = cp.Zone.String()
			row.Cancelled = cp.Cancelled
			row.Timestamp = cp.Timestamp.Format("2006-01-02 15:04:05")
			row.Remaining = len(cp.RemainingItemIDs) + len(nonEmpty(cp.InProgressItem))
		}
		rows = append(rows, row)
	}

	out := cmd.OutOrStdout()
	if cpJSON {
		return outputJSON(out, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No checkpoints found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREASON\tZONE\tREMAINING\tCREATED\tSTATE")
	for _, r := range rows {
		state := "active"
		switch {
		case r.Error != "":
			state = truncate(r.Error, 40)
		case r.Archived:
			state = "consumed"
		case r.Cancelled:
			state = "cancelled"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", r.ID, r.Reason, r.Zone, r.Remaining, r.Timestamp, state)
	}
	return w.Flush()
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
