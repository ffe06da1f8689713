package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/overseer/internal/config"
	"github.com/dohr-michael/overseer/internal/convoys"
	"github.com/dohr-michael/overseer/internal/orchestrator"
	"github.com/dohr-michael/overseer/internal/tasks"
)

// NewConvoysCommand returns the convoys subcommand.
func NewConvoysCommand() *cli.Command {
	return &cli.Command{
		Name:  "convoys",
		Usage: "Inspect and drive convoys",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List convoys with progress (reads the store directly)",
				Flags: []cli.Flag{
					stringFlag("status", "Filter by status"),
				},
				Action: runConvoysList,
			},
			{
				Name:      "show",
				Usage:     "Show a convoy and its members (reads the store directly)",
				ArgsUsage: "<convoy_id>",
				Action:    runConvoysShow,
			},
			{
				Name:      "import",
				Usage:     "Create a convoy and its tasks from a YAML plan",
				ArgsUsage: "<plan.yaml>",
				Action:    runConvoysImport,
			},
			gatewaySpec{
				name: "create", usage: "Create a convoy", method: "create_convoy",
				args: []string{"name"},
				flags: []cli.Flag{
					stringFlag("description", "Convoy description"),
					stringFlag("task-ids", "Comma-separated member task ids"),
					stringFlag("depends-on", "Comma-separated prerequisite convoy ids"),
					stringFlag("worker-class", "Default worker class for members"),
					stringFlag("priority", "low, normal, high, critical or an integer"),
					stringFlag("deliverables", "Comma-separated deliverables"),
					stringFlag("completion-criteria", "Comma-separated completion criteria"),
				},
			}.command(),
			gatewaySpec{
				name: "add", usage: "Add a task to a convoy", method: "add_task_to_convoy",
				args: []string{"convoy_id", "task_id"},
			}.command(),
			gatewaySpec{
				name: "remove", usage: "Remove a task from a convoy", method: "remove_task_from_convoy",
				args: []string{"convoy_id", "task_id"},
			}.command(),
			gatewaySpec{
				name: "complete", usage: "Complete a convoy whose members are all done", method: "complete_convoy",
				args: []string{"id"},
			}.command(),
			gatewaySpec{
				name: "fail", usage: "Fail a convoy", method: "fail_convoy",
				args: []string{"id", "reason?"},
			}.command(),
			gatewaySpec{
				name: "cancel", usage: "Cancel a convoy", method: "cancel_convoy",
				args: []string{"id", "reason?"},
			}.command(),
			gatewaySpec{
				name: "next", usage: "Show the next ready convoy", method: "next_ready_convoy",
			}.command(),
		},
		DefaultCommand: "list",
	}
}

// newReadOrchestrator opens the stores for read-only inspection.
func newReadOrchestrator() *orchestrator.Orchestrator {
	return orchestrator.New(orchestrator.Config{
		Tasks:   newTaskStore(),
		Convoys: convoys.NewFileStore(config.DataDir("convoys")),
	})
}

func runConvoysList(_ context.Context, cmd *cli.Command) error {
	var filter convoys.ListFilter
	if s := cmd.String("status"); s != "" {
		st, err := convoys.ParseStatus(s)
		if err != nil {
			return err
		}
		filter.Status = st
	}

	list, err := newReadOrchestrator().ListConvoys(filter)
	if err != nil {
		return fmt.Errorf("list convoys: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No convoys found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIO\tPROGRESS\tDEPENDS ON\tNAME")
	for _, v := range list {
		deps := strings.Join(v.DependsOn, ",")
		if deps == "" {
			deps = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d/%d (%d%%)\t%s\t%s\n",
			v.ID,
			v.Status,
			v.Priority,
			v.Progress.Completed, v.Progress.Total, v.Progress.PercentComplete,
			deps,
			v.Name,
		)
	}
	return w.Flush()
}

func runConvoysShow(_ context.Context, cmd *cli.Command) error {
	convoyID := cmd.Args().First()
	if convoyID == "" {
		return fmt.Errorf("usage: overseer convoys show <convoy_id>")
	}

	o := newReadOrchestrator()
	v, err := o.GetConvoy(convoyID)
	if err != nil {
		return fmt.Errorf("get convoy: %w", err)
	}

	fmt.Printf("ID:          %s\n", v.ID)
	fmt.Printf("Name:        %s\n", v.Name)
	fmt.Printf("Status:      %s\n", v.Status)
	fmt.Printf("Priority:    %d\n", v.Priority)
	fmt.Printf("Progress:    %d/%d (%d%%)\n", v.Progress.Completed, v.Progress.Total, v.Progress.PercentComplete)
	if len(v.DependsOn) > 0 {
		fmt.Printf("Depends on:  %s\n", strings.Join(v.DependsOn, ", "))
	}
	if v.Error != "" {
		fmt.Printf("Error:       %s\n", v.Error)
	}

	members, err := o.ListTasks(tasks.ListFilter{ConvoyID: v.ID})
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	if len(members) > 0 {
		fmt.Println("\nTasks:")
		for _, t := range members {
			fmt.Printf("  %s [%s] %s\n", t.ID, t.Status, t.Name)
		}
	}
	return nil
}

func runConvoysImport(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		return fmt.Errorf("usage: overseer convoys import <plan.yaml>")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}
	out, err := callGateway(ctx, cmd, "import_plan", map[string]string{"plan": string(data)})
	if err != nil {
		return err
	}
	return printJSON(out)
}
