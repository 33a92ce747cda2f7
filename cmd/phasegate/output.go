package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fyrsmithlabs/phasegate/internal/checkpoint"
	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
	"github.com/fyrsmithlabs/phasegate/internal/reflection"
)

func printReport(w io.Writer, r *orchestrator.Report) {
	if r.RunID != "" {
		fmt.Fprintf(w, "Run %s (plan %s): %s\n", r.RunID, r.PlanID, r.Status)
	} else {
		fmt.Fprintf(w, "Run %s\n", r.Status)
	}
	if r.Err != nil {
		fmt.Fprintf(w, "Error: %v\n", r.Err)
	}

	if len(r.Phases) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "PHASE\tSTATUS\tCOMPLETED\tREASON")
		for _, ph := range r.Phases {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", ph.ID, ph.Status, len(r.Completed[ph.ID]), truncate(ph.Reason, 60))
		}
		_ = tw.Flush()
	}

	for _, b := range r.Blocked {
		fmt.Fprintf(w, "\nBlocked: %s\n", b.PhaseID)
		if len(b.Unmet) > 0 {
			fmt.Fprintf(w, "  Unmet criteria: %s\n", strings.Join(b.Unmet, ", "))
		}
		if b.FailedItem != "" {
			fmt.Fprintf(w, "  Failed item: %s\n", b.FailedItem)
		}
		if b.Diagnostic != "" {
			fmt.Fprintf(w, "  Diagnostic: %s\n", b.Diagnostic)
		}
	}

	for _, syn := range r.Syntheses {
		if len(syn.Ranked) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s", reflection.RenderMarkdown(syn))
	}

	fmt.Fprintf(w, "\nBudget: ops=%d reads=%d delegations=%d zone=%s\n",
		r.Budget.DirectOperations, r.Budget.LargeReads, r.Budget.Delegations, r.Zone)

	if cp := r.Checkpoint; cp != nil && r.Status != checkpoint.RunComplete {
		fmt.Fprintf(w, "Checkpoint: %s (%s)\n", cp.ID, cp.Reason)
		switch {
		case cp.Cancelled:
			fmt.Fprintf(w, "Resume with: phasegate resume %s --force\n", cp.ID)
		case r.Status == checkpoint.RunSuspended || r.Status == checkpoint.RunBlocked:
			fmt.Fprintf(w, "Resume with: phasegate resume %s\n", cp.ID)
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
