package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/phasegate/internal/checkpoint"
)

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatItems formats completed over total items as "3/7"
func FormatItems(completed, total int) string {
	return fmt.Sprintf("%d/%d", completed, total)
}

// FormatDuration formats a duration as "Xh Ym", "Xm Ys" or "Xs"
func FormatDuration(d time.Duration) string {
	seconds := int64(d.Seconds())
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds%60)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// Summary renders a plain-text status report, one phase per line.
func Summary(st *checkpoint.RunState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "plan %s  run %s  status %s\n", st.PlanID, st.RunID, st.Status)
	if st.ActivePhase != "" {
		fmt.Fprintf(&b, "active phase: %s\n", st.ActivePhase)
	}
	fmt.Fprintf(&b, "budget: ops=%d reads=%d delegations=%d zone=%s\n",
		st.BudgetCounters.DirectOperations, st.BudgetCounters.LargeReads,
		st.BudgetCounters.Delegations, st.Zone)

	for _, ph := range st.Phases {
		fmt.Fprintf(&b, "  %-12s %-10s %s", ph.ID, ph.Status, FormatItems(ph.CompletedItems, ph.Items))
		if ph.Reason != "" {
			fmt.Fprintf(&b, "  (%s)", ph.Reason)
		}
		b.WriteString("\n")
	}

	if st.LatestCheckpoint != "" {
		fmt.Fprintf(&b, "latest checkpoint: %s\n", st.LatestCheckpoint)
	}
	if st.Message != "" {
		fmt.Fprintf(&b, "message: %s\n", st.Message)
	}
	return b.String()
}
