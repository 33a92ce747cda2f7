package checkpoint

import (
	"fmt"
	"strings"
	"time"
)

// RenderMarkdown renders the human-readable handoff for a checkpoint.
func RenderMarkdown(cp *Checkpoint) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# Handoff: %s\n\n", cp.ID))
	sb.WriteString(fmt.Sprintf("**Timestamp:** %s\n", cp.Timestamp.Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("**Reason:** %s\n", cp.Reason))
	sb.WriteString(fmt.Sprintf("**Plan:** %s (%s)\n", cp.PlanID, cp.PlanPath))
	sb.WriteString(fmt.Sprintf("**Run:** %s\n", cp.RunID))
	if cp.Detail != "" {
		sb.WriteString(fmt.Sprintf("**Detail:** %s\n", cp.Detail))
	}
	sb.WriteString("\n")

	sb.WriteString("## Budget Status\n\n")
	sb.WriteString(fmt.Sprintf("- Zone: %s\n", cp.Zone))
	sb.WriteString(fmt.Sprintf("- Direct operations: %d\n", cp.BudgetCounters.DirectOperations))
	sb.WriteString(fmt.Sprintf("- Large reads: %d\n", cp.BudgetCounters.LargeReads))
	sb.WriteString(fmt.Sprintf("- Delegations: %d\n\n", cp.BudgetCounters.Delegations))

	sb.WriteString("## Completed Work\n\n")
	if len(cp.CompletedPhases) > 0 {
		sb.WriteString(fmt.Sprintf("Phases: %s\n\n", strings.Join(cp.CompletedPhases, ", ")))
	}
	writeList(&sb, cp.CompletedItemIDs)

	sb.WriteString("## In Progress\n\n")
	if cp.InProgressItem != "" {
		sb.WriteString(fmt.Sprintf("- %s (re-dispatched from scratch on resume)\n\n", cp.InProgressItem))
	} else {
		sb.WriteString("_none_\n\n")
	}

	sb.WriteString("## Remaining Work\n\n")
	writeList(&sb, cp.RemainingItemIDs)

	sb.WriteString("## Resume Instructions\n\n")
	if cp.Cancelled {
		sb.WriteString(fmt.Sprintf("This run was cancelled. Resume only deliberately:\n\n    phasegate resume %s --force\n", cp.ID))
	} else {
		sb.WriteString(fmt.Sprintf("    phasegate resume %s\n", cp.ID))
	}
	return sb.String()
}

func writeList(sb *strings.Builder, ids []string) {
	if len(ids) == 0 {
		sb.WriteString("_none_\n\n")
		return
	}
	for _, id := range ids {
		sb.WriteString(fmt.Sprintf("- %s\n", id))
	}
	sb.WriteString("\n")
}
