package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/overseer/internal/config"
	"github.com/dohr-michael/overseer/internal/heartbeat"
)

var (
	statusOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")).Bold(true)
	statusWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")).Bold(true)
	statusError = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#60A5FA")).Width(18)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
)

// NewStatusCommand returns the status subcommand.
func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show control plane liveness and governance state",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print the raw heartbeat",
			},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			status, hb, err := heartbeat.Check(config.HeartbeatPath(), heartbeat.DefaultMaxAge)
			if err != nil {
				return fmt.Errorf("check heartbeat: %w", err)
			}

			if cmd.Bool("json") {
				data, err := json.MarshalIndent(struct {
					Status    heartbeat.Status     `json:"status"`
					Heartbeat *heartbeat.Heartbeat `json:"heartbeat,omitempty"`
				}{status, hb}, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			fmt.Print(renderStatus(status, hb, time.Now()))
			return nil
		},
	}
}

func renderStatus(status heartbeat.Status, hb *heartbeat.Heartbeat, now time.Time) string {
	var b strings.Builder
	line := func(label, value string) {
		fmt.Fprintf(&b, "%s%s\n", labelStyle.Render(label), value)
	}

	switch status {
	case heartbeat.StatusAlive:
		line("Control plane", statusOK.Render("ALIVE")+dimStyle.Render(fmt.Sprintf(" (PID %d, uptime %s, %s)", hb.PID, hb.Uptime, hb.Addr)))
	case heartbeat.StatusStale:
		line("Control plane", statusWarn.Render("STALE")+dimStyle.Render(fmt.Sprintf(" (PID %d, last heartbeat %s ago)",
			hb.PID, now.Sub(hb.Timestamp).Truncate(time.Second))))
	case heartbeat.StatusDead:
		line("Control plane", statusError.Render("NOT RUNNING"))
		return b.String()
	}

	if hb.SnapshotError != "" {
		line("Snapshot", statusError.Render(hb.SnapshotError))
	}
	gov := hb.Governance
	if gov == nil {
		return b.String()
	}

	budget := fmt.Sprintf("%.2f / %.2f spent this hour, %.2f remaining", gov.SpentThisHour, gov.HourlyLimit, gov.RemainingBudget)
	if gov.BudgetPaused {
		line("Budget", statusError.Render("PAUSED ")+budget)
	} else {
		line("Budget", budget)
	}

	agents := fmt.Sprintf("%d / %d", gov.ActiveAgents, gov.MaxAgents)
	if gov.ActiveAgents >= gov.MaxAgents {
		agents = statusWarn.Render(agents + " (full)")
	}
	line("Agents", agents)

	approvals := fmt.Sprintf("%d pending", gov.PendingApprovals)
	if gov.PendingApprovals > 0 {
		approvals = statusWarn.Render(approvals)
	}
	line("Approvals", approvals)
	line("Tasks", formatCounts(gov.Tasks))
	line("Convoys", formatCounts(gov.Convoys))
	return b.String()
}

func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return dimStyle.Render("none")
	}
	var parts []string
	for _, k := range slices.Sorted(maps.Keys(counts)) {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}
