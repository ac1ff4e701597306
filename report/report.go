// Package report renders pool health and backlog statistics as a static
// terminal report for the status command.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/foundry-works/drover/distributor"
	"github.com/foundry-works/drover/health"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// stateStyle colors a worker state by severity.
func stateStyle(state string) lipgloss.Style {
	switch state {
	case "Ready", "Working":
		return okStyle
	case "Idle", "Starting", "Restarting":
		return warnStyle
	case "Stuck", "Dead", "Stopped":
		return badStyle
	default:
		return dimStyle
	}
}

// Render produces the full status report.
func Render(snap health.Snapshot, stats distributor.Stats) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("drover status"))
	b.WriteString(dimStyle.Render("  " + snap.GeneratedAt.Format(time.RFC3339)))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render("Backlog"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "  pending %d  assigned %d  completed %d  failed %d  total %d\n\n",
		stats.Pending, stats.Assigned, stats.Completed, stats.Failed, stats.Total)

	b.WriteString(headerStyle.Render("Workers"))
	fmt.Fprintf(&b, " %s\n", dimStyle.Render(fmt.Sprintf("(%d total, %d active, %d stuck, %d dead, %d stopped)",
		snap.Total, snap.Active, snap.Stuck, snap.Dead, snap.Stopped)))

	if len(snap.Workers) == 0 {
		b.WriteString(dimStyle.Render("  no workers\n"))
		writeNotices(&b, snap.Notices)
		return b.String()
	}

	for _, w := range snap.Workers {
		fmt.Fprintf(&b, "  %-12s %s", w.Name, stateStyle(w.State).Render(fmt.Sprintf("%-10s", w.State)))
		fmt.Fprintf(&b, "  up %s", formatDuration(time.Duration(w.RuntimeSeconds)*time.Second))
		fmt.Fprintf(&b, "  chunks %d", w.ChunksCompleted)
		if w.ContextUsagePercent >= 0 {
			fmt.Fprintf(&b, "  ctx %d%%", w.ContextUsagePercent)
		}
		if w.RestartCount > 0 {
			b.WriteString(warnStyle.Render(fmt.Sprintf("  restarts %d", w.RestartCount)))
		}
		if w.CurrentChunkID != "" {
			b.WriteString(dimStyle.Render("  on " + w.CurrentChunkID))
		}
		if w.LastErr != "" {
			b.WriteString(badStyle.Render("  err: " + truncate(w.LastErr, 60)))
		}
		b.WriteString("\n")
	}
	writeNotices(&b, snap.Notices)
	return b.String()
}

func writeNotices(b *strings.Builder, notices []health.Notice) {
	if len(notices) == 0 {
		return
	}
	b.WriteString("\n")
	b.WriteString(headerStyle.Render("Notices"))
	b.WriteString("\n")
	for _, n := range notices {
		fmt.Fprintf(b, "  %s  %s\n",
			dimStyle.Render(n.At.Format("15:04:05")),
			badStyle.Render(truncate(n.Message, 100)))
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
