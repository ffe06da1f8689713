package commands

import (
	"github.com/urfave/cli/v3"
)

// NewApprovalsCommand returns the approvals subcommand.
func NewApprovalsCommand() *cli.Command {
	return &cli.Command{
		Name:  "approvals",
		Usage: "Review human approval requests",
		Commands: []*cli.Command{
			gatewaySpec{
				name: "list", usage: "List pending approvals, most urgent first", method: "list_pending_approvals",
			}.command(),
			gatewaySpec{
				name: "show", usage: "Show an approval request", method: "get_approval_status",
				args: []string{"id"},
			}.command(),
			gatewaySpec{
				name: "request", usage: "Request a human approval", method: "request_approval",
				args: []string{"reason"},
				flags: []cli.Flag{
					stringFlag("task-id", "Related task id"),
					stringFlag("worker-id", "Requesting worker id"),
					stringFlag("priority", "Integer priority, higher first"),
					stringFlag("category", "Free-form category"),
					stringFlag("ttl", "Expiry, e.g. 2h"),
					stringFlag("context", "JSON object with extra context"),
				},
			}.command(),
			gatewaySpec{
				name: "approve", usage: "Approve a pending request", method: "resolve_approval",
				args:  []string{"id", "notes?"},
				fixed: map[string]string{"approved": "true"},
			}.command(),
			gatewaySpec{
				name: "reject", usage: "Reject a pending request", method: "resolve_approval",
				args:  []string{"id", "notes?"},
				fixed: map[string]string{"approved": "false"},
			}.command(),
			gatewaySpec{
				name: "reset-iterations", usage: "Reset a task's iteration counter under an approval", method: "reset_iterations",
				args: []string{"task_id", "approval_id"},
			}.command(),
		},
		DefaultCommand: "list",
	}
}

// NewBudgetCommand returns the budget subcommand.
func NewBudgetCommand() *cli.Command {
	return &cli.Command{
		Name:  "budget",
		Usage: "Inspect and operate the hourly spend ledger",
		Commands: []*cli.Command{
			gatewaySpec{
				name: "show", usage: "Show the current window and recent spend", method: "get_budget_status",
			}.command(),
			gatewaySpec{
				name: "check", usage: "Check whether an estimated cost fits", method: "check_budget",
				args: []string{"estimate"},
			}.command(),
			gatewaySpec{
				name: "record", usage: "Record a cost", method: "record_cost",
				args: []string{"amount", "description"},
				flags: []cli.Flag{
					stringFlag("task-id", "Task the cost is charged to"),
					stringFlag("worker-id", "Worker that incurred the cost"),
				},
			}.command(),
			gatewaySpec{
				name: "resume", usage: "Clear a budget pause", method: "resume_budget",
				args: []string{"reason?"},
			}.command(),
		},
		DefaultCommand: "show",
	}
}

// NewAgentsCommand returns the agents subcommand.
func NewAgentsCommand() *cli.Command {
	return &cli.Command{
		Name:  "agents",
		Usage: "Inspect parallel worker admission",
		Commands: []*cli.Command{
			gatewaySpec{
				name: "list", usage: "List admitted workers", method: "list_active_agents",
			}.command(),
			gatewaySpec{
				name: "register", usage: "Admit a worker", method: "register_agent",
				args: []string{"agent_id"},
				flags: []cli.Flag{
					stringFlag("worker-class", "Worker class"),
					stringFlag("task-id", "Task the worker runs"),
				},
			}.command(),
			gatewaySpec{
				name: "unregister", usage: "Release a worker slot", method: "unregister_agent",
				args: []string{"agent_id"},
			}.command(),
			gatewaySpec{
				name: "preflight", usage: "Run the combined safety check", method: "preflight",
				flags: []cli.Flag{
					stringFlag("task-id", "Task to check the iteration limit of"),
					stringFlag("estimated-cost", "Estimated cost to check against the budget"),
					stringFlag("agent-id", "Worker about to be admitted"),
				},
			}.command(),
		},
		DefaultCommand: "list",
	}
}

// NewRollbackCommand returns the rollback subcommand.
func NewRollbackCommand() *cli.Command {
	return &cli.Command{
		Name:  "rollback",
		Usage: "Known-good checkpoints and rollbacks",
		Commands: []*cli.Command{
			gatewaySpec{
				name: "mark", usage: "Record the current checkpoint as known-good", method: "mark_known_good",
				flags: []cli.Flag{stringFlag("label", "Checkpoint label")},
			}.command(),
			gatewaySpec{
				name: "trigger", usage: "Revert to the last known-good checkpoint", method: "trigger_rollback",
				args: []string{"reason"},
			}.command(),
			gatewaySpec{
				name: "history", usage: "Show past rollback attempts", method: "rollback_history",
				flags: []cli.Flag{stringFlag("limit", "Number of entries (default 20)")},
			}.command(),
		},
		DefaultCommand: "history",
	}
}
