package safety

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dohr-michael/overseer/internal/admission"
	"github.com/dohr-michael/overseer/internal/approvals"
	"github.com/dohr-michael/overseer/internal/budget"
	"github.com/dohr-michael/overseer/internal/errs"
	"github.com/dohr-michael/overseer/internal/events"
	"github.com/dohr-michael/overseer/internal/rollback"
	"github.com/dohr-michael/overseer/internal/tasks"
)

// CategoryIterationLimit tags approvals raised by Escalate.
const CategoryIterationLimit = "iteration_limit"

// Config holds the components a Governor composes. Rollback may be nil when
// no repository is configured.
type Config struct {
	Iterations *IterationGuard
	Budget     *budget.Ledger
	Agents     *admission.Controller
	Approvals  *approvals.Workflow
	Rollback   *rollback.Coordinator
	Bus        events.Publisher
}

// Governor is the limits and governance API.
type Governor struct {
	iterations *IterationGuard
	budget     *budget.Ledger
	agents     *admission.Controller
	approvals  *approvals.Workflow
	rollback   *rollback.Coordinator
	bus        events.Publisher
}

func NewGovernor(cfg Config) *Governor {
	g := &Governor{
		iterations: cfg.Iterations,
		budget:     cfg.Budget,
		agents:     cfg.Agents,
		approvals:  cfg.Approvals,
		rollback:   cfg.Rollback,
		bus:        cfg.Bus,
	}
	if g.bus == nil {
		g.bus = events.Discard
	}
	return g
}

// --- iterations ---

func (g *Governor) CheckIterationLimit(taskID string) (bool, error) {
	return g.iterations.CheckIterationLimit(taskID)
}

func (g *Governor) IncrementIteration(taskID string) (tasks.IterationInfo, error) {
	return g.iterations.IncrementIteration(taskID)
}

func (g *Governor) GetIterationInfo(taskID string) (tasks.IterationInfo, error) {
	return g.iterations.GetIterationInfo(taskID)
}

// ResetIterations zeroes a task's counter once a human has approved it. The
// approval must be an iteration-limit approval for the same task, and each
// approval authorizes a single reset.
func (g *Governor) ResetIterations(taskID, approvalID string) (tasks.IterationInfo, error) {
	if _, err := g.iterations.GetIterationInfo(taskID); err != nil {
		return tasks.IterationInfo{}, fmt.Errorf("reset iterations: %w", err)
	}
	if _, err := g.approvals.Consume(approvalID, CategoryIterationLimit, taskID); err != nil {
		return tasks.IterationInfo{}, fmt.Errorf("reset iterations: %w", err)
	}
	return g.iterations.ResetIterations(taskID)
}

// Escalate asks a human to look at a task that keeps failing. It is the
// explicit follow-up to an escalation signal; nothing calls it automatically.
func (g *Governor) Escalate(taskID, reason string) (*approvals.Request, error) {
	t, err := g.iterations.tasks.Get(taskID)
	if err != nil {
		return nil, err
	}
	info := t.Iterations()
	if reason == "" {
		reason = fmt.Sprintf("task %s failed %d of %d allowed iterations", taskID, info.Current, info.Max)
	}

	details := map[string]any{
		"task_name":      t.Name,
		"iteration":      info.Current,
		"max_iterations": info.Max,
		"last_error":     t.Error,
	}
	req, err := g.approvals.RequestHumanApproval(reason, details,
		approvals.WithTask(taskID),
		approvals.WithWorker(t.WorkerID),
		approvals.WithPriority(int(t.Priority)),
		approvals.WithCategory(CategoryIterationLimit),
	)
	if err != nil {
		return nil, err
	}

	slog.Warn("task escalated", "task_id", taskID, "approval_id", req.ID)
	g.bus.Publish(events.NewTypedEventFor(events.SourceGovernor, events.TaskEscalationPayload{
		TaskID:        taskID,
		Iteration:     info.Current,
		MaxIterations: info.Max,
		ApprovalID:    req.ID,
	}, taskID))
	return req, nil
}

// --- budget ---

func (g *Governor) CheckBudget(estimate float64) bool {
	return g.budget.CheckBudget(estimate)
}

func (g *Governor) RecordCost(amount float64, description string, opts ...budget.CostOption) (budget.Entry, error) {
	return g.budget.RecordCost(amount, description, opts...)
}

func (g *Governor) GetBudgetStatus() budget.Status {
	return g.budget.GetBudgetStatus()
}

func (g *Governor) ResumeBudget(reason string) (budget.Status, error) {
	return g.budget.Resume(reason)
}

// --- admission ---

func (g *Governor) CheckParallelAgents() bool {
	return g.agents.CheckParallelAgents()
}

func (g *Governor) RegisterAgent(id, workerClass, taskID string) (admission.Worker, error) {
	return g.agents.RegisterAgent(id, workerClass, taskID)
}

func (g *Governor) UnregisterAgent(id string) {
	g.agents.UnregisterAgent(id)
}

func (g *Governor) GetActiveAgentCount() int {
	return g.agents.GetActiveAgentCount()
}

func (g *Governor) ListActiveAgents() []admission.Worker {
	return g.agents.ListActiveAgents()
}

// --- approvals ---

func (g *Governor) RequestHumanApproval(reason string, context map[string]any, opts ...approvals.RequestOption) (*approvals.Request, error) {
	return g.approvals.RequestHumanApproval(reason, context, opts...)
}

func (g *Governor) GetApprovalStatus(id string) (*approvals.StatusView, error) {
	return g.approvals.GetApprovalStatus(id)
}

func (g *Governor) ListPendingApprovals() ([]*approvals.Request, error) {
	return g.approvals.ListPendingApprovals()
}

func (g *Governor) ResolveApproval(id string, approved bool, notes string) (*approvals.Request, error) {
	return g.approvals.ResolveApproval(id, approved, notes)
}

// --- rollback ---

var errNoRollback = fmt.Errorf("rollback is not configured: %w", errs.ErrPreconditionFailed)

func (g *Governor) TriggerRollback(ctx context.Context, reason string) (rollback.Result, error) {
	if g.rollback == nil {
		return rollback.Result{}, errNoRollback
	}
	return g.rollback.TriggerRollback(ctx, reason)
}

func (g *Governor) MarkKnownGood(ctx context.Context, label string) (rollback.Checkpoint, error) {
	if g.rollback == nil {
		return rollback.Checkpoint{}, errNoRollback
	}
	return g.rollback.MarkKnownGood(ctx, label)
}

func (g *Governor) RollbackHistory(limit int) ([]rollback.Result, error) {
	if g.rollback == nil {
		return nil, nil
	}
	return g.rollback.History(limit)
}
