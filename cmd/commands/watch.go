package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/overseer/internal/events"
	wsprotocol "github.com/dohr-michael/overseer/internal/gateway/ws"
)

// NewWatchCommand returns the watch subcommand.
func NewWatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Stream lifecycle events from the gateway",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "type",
				Aliases: []string{"t"},
				Usage:   "Only show events whose type starts with this prefix (repeatable)",
			},
			&cli.StringFlag{
				Name:  "subject",
				Usage: "Only show events about this entity id",
			},
		},
		Action: runWatch,
	}
}

func runWatch(ctx context.Context, cmd *cli.Command) error {
	client, err := dialGateway(ctx, cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	prefixes := cmd.StringSlice("type")
	subject := cmd.String("subject")

	for {
		f, err := client.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if f.Type != wsprotocol.FrameTypeEvent || !matchEvent(f, prefixes, subject) {
			continue
		}
		fmt.Printf("%-20s %-16s %s\n", f.Event, f.Subject, describeEvent(f.Payload))
	}
}

// describeEvent renders a one-line summary of an event frame payload. Types
// without a summary print their raw payload.
func describeEvent(raw json.RawMessage) string {
	var e events.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return string(raw)
	}
	if p, ok := events.ExtractPayload[events.TaskTransitionPayload](e); ok {
		return withReason(fmt.Sprintf("%s -> %s (iteration %d)", p.From, p.To, p.Iteration), p.Reason)
	}
	if p, ok := events.ExtractPayload[events.ConvoyTransitionPayload](e); ok {
		return withReason(fmt.Sprintf("%s -> %s", p.From, p.To), p.Reason)
	}
	if p, ok := events.ExtractPayload[events.ConvoyProgressPayload](e); ok {
		return fmt.Sprintf("%d/%d completed (%d%%), %d failed", p.Completed, p.Total, p.PercentComplete, p.Failed)
	}
	if p, ok := events.ExtractPayload[events.TaskEscalationPayload](e); ok {
		return fmt.Sprintf("iteration %d of %d, approval %s", p.Iteration, p.MaxIterations, p.ApprovalID)
	}
	if p, ok := events.ExtractPayload[events.CostRecordedPayload](e); ok {
		return fmt.Sprintf("%.2f %s (window %.2f)", p.Amount, p.Description, p.SpentInWindow)
	}
	if p, ok := events.ExtractPayload[events.BudgetPausedPayload](e); ok {
		return p.Reason
	}
	if p, ok := events.ExtractPayload[events.ApprovalResolvedPayload](e); ok {
		return withReason(p.Status, p.Notes)
	}
	if p, ok := events.ExtractPayload[events.RollbackPayload](e); ok {
		if !p.Success {
			return "failed: " + p.Error
		}
		return fmt.Sprintf("%s -> %s, %d files", p.BeforeCheckpoint, p.AfterCheckpoint, p.RevertedCount)
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return string(raw)
	}
	return string(data)
}

func withReason(s, reason string) string {
	if reason == "" {
		return s
	}
	return s + ": " + reason
}

func matchEvent(f wsprotocol.Frame, prefixes []string, subject string) bool {
	if subject != "" && f.Subject != subject {
		return false
	}
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(f.Event, p) {
			return true
		}
	}
	return false
}
