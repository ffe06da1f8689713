package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/overseer/internal/config"
	"github.com/dohr-michael/overseer/internal/tasks"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Inspect and drive tasks",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List tasks (reads the store directly)",
				Flags: []cli.Flag{
					stringFlag("status", "Filter by status"),
					stringFlag("convoy", "Filter by convoy id"),
					stringFlag("worker-class", "Filter by worker class"),
					&cli.StringSliceFlag{Name: "tag", Usage: "Require tag (repeatable)"},
				},
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show task details (reads the store directly)",
				ArgsUsage: "<task_id>",
				Action:    runTasksShow,
			},
			gatewaySpec{
				name: "create", usage: "Create a task", method: "create_task",
				args: []string{"name"},
				flags: []cli.Flag{
					stringFlag("description", "Task description"),
					stringFlag("depends-on", "Comma-separated prerequisite task ids"),
					stringFlag("priority", "low, normal, high, critical or an integer"),
					stringFlag("deliverable", "Expected deliverable"),
					stringFlag("success-criteria", "Comma-separated success criteria"),
					stringFlag("max-iterations", "Retry ceiling"),
					stringFlag("convoy-id", "Convoy to join"),
					stringFlag("tags", "Comma-separated tags"),
				},
			}.command(),
			gatewaySpec{
				name: "assign", usage: "Assign a task to a worker class", method: "assign_task",
				args:  []string{"id"},
				flags: []cli.Flag{stringFlag("worker-class", "Worker class (default: the convoy's)")},
			}.command(),
			gatewaySpec{
				name: "start", usage: "Mark an assigned task in progress", method: "start_task",
				args:  []string{"id"},
				flags: []cli.Flag{stringFlag("worker-id", "Worker instance id")},
			}.command(),
			gatewaySpec{
				name: "complete", usage: "Complete a task", method: "complete_task",
				args:  []string{"id"},
				flags: []cli.Flag{stringFlag("result", "Result (JSON or text)")},
			}.command(),
			gatewaySpec{
				name: "fail", usage: "Fail a task", method: "fail_task",
				args: []string{"id", "reason?"},
			}.command(),
			gatewaySpec{
				name: "cancel", usage: "Cancel a task", method: "cancel_task",
				args: []string{"id", "reason?"},
			}.command(),
			gatewaySpec{
				name: "retry", usage: "Return a failed task to pending", method: "retry_task",
				args: []string{"id"},
			}.command(),
			gatewaySpec{
				name: "iterations", usage: "Show a task's retry budget", method: "get_iteration_info",
				args: []string{"task_id"},
			}.command(),
		},
		DefaultCommand: "list",
	}
}

func newTaskStore() *tasks.FileStore {
	return tasks.NewFileStore(config.DataDir("tasks"))
}

func runTasksList(_ context.Context, cmd *cli.Command) error {
	filter := tasks.ListFilter{
		ConvoyID:    cmd.String("convoy"),
		WorkerClass: cmd.String("worker-class"),
		Tags:        cmd.StringSlice("tag"),
	}
	if s := cmd.String("status"); s != "" {
		st, err := tasks.ParseStatus(s)
		if err != nil {
			return err
		}
		filter.Status = st
	}

	list, err := newTaskStore().List(filter)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIO\tITER\tCONVOY\tNAME")
	for _, t := range list {
		convoy := t.ConvoyID
		if convoy == "" {
			convoy = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d/%d\t%s\t%s\n",
			t.ID,
			t.Status,
			t.Priority,
			t.IterationCount, t.MaxIterations,
			convoy,
			t.Name,
		)
	}
	return w.Flush()
}

func runTasksShow(_ context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: overseer tasks show <task_id>")
	}

	t, err := newTaskStore().Get(taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	fmt.Printf("ID:          %s\n", t.ID)
	fmt.Printf("Name:        %s\n", t.Name)
	fmt.Printf("Status:      %s\n", t.Status)
	fmt.Printf("Priority:    %d\n", t.Priority)
	fmt.Printf("Iterations:  %d/%d\n", t.IterationCount, t.MaxIterations)
	if t.WorkerClass != "" {
		fmt.Printf("Worker:      %s %s\n", t.WorkerClass, t.WorkerID)
	}
	if t.ConvoyID != "" {
		fmt.Printf("Convoy:      %s\n", t.ConvoyID)
	}
	if len(t.DependsOn) > 0 {
		fmt.Printf("Depends on:  %s\n", strings.Join(t.DependsOn, ", "))
	}
	if len(t.Tags) > 0 {
		fmt.Printf("Tags:        %s\n", strings.Join(t.Tags, ", "))
	}
	fmt.Printf("Created:     %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	if t.StartedAt != nil {
		fmt.Printf("Started:     %s\n", t.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if t.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", t.CompletedAt.Format("2006-01-02 15:04:05"))
	}

	if t.Description != "" {
		fmt.Printf("\nDescription:\n%s\n", t.Description)
	}
	if len(t.SuccessCriteria) > 0 {
		fmt.Println("\nSuccess criteria:")
		for _, c := range t.SuccessCriteria {
			fmt.Printf("  - %s\n", c)
		}
	}

	if len(t.History) > 0 {
		fmt.Println("\nHistory:")
		for _, h := range t.History {
			fmt.Printf("  [%s] %s -> %s", h.At.Format("15:04:05"), h.From, h.To)
			if h.Reason != "" {
				fmt.Printf(": %s", h.Reason)
			}
			fmt.Println()
		}
	}

	if t.Error != "" {
		fmt.Printf("\nError: %s\n", t.Error)
	}
	if len(t.Result) > 0 {
		fmt.Printf("\nResult:\n%s\n", string(t.Result))
	}

	return nil
}
