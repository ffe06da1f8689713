package safety

import (
	"fmt"

	"github.com/dohr-michael/overseer/internal/tasks"
)

// PreflightRequest describes work a caller is about to start. Empty fields
// skip the matching check.
type PreflightRequest struct {
	TaskID        string  `json:"task_id,omitempty"`
	EstimatedCost float64 `json:"estimated_cost,omitempty"`
	AgentID       string  `json:"agent_id,omitempty"`
}

// PreflightResult aggregates every limit check. Allowed is true only when no
// check produced a reason.
type PreflightResult struct {
	Allowed         bool                 `json:"allowed"`
	Reasons         []string             `json:"reasons,omitempty"`
	Iteration       *tasks.IterationInfo `json:"iteration,omitempty"`
	RemainingBudget float64              `json:"remaining_budget"`
	BudgetPaused    bool                 `json:"budget_paused"`
	ActiveAgents    int                  `json:"active_agents"`
	MaxAgents       int                  `json:"max_agents"`
}

// Preflight runs the iteration, budget and concurrency checks in one call.
// Like CheckBudget it is advisory: nothing is reserved.
func (g *Governor) Preflight(req PreflightRequest) (PreflightResult, error) {
	var res PreflightResult

	if req.TaskID != "" {
		info, err := g.iterations.GetIterationInfo(req.TaskID)
		if err != nil {
			return res, err
		}
		res.Iteration = &info
		if info.LimitReached {
			res.Reasons = append(res.Reasons, fmt.Sprintf("task %s reached its iteration limit (%d/%d)", req.TaskID, info.Current, info.Max))
		}
	}

	st := g.budget.GetBudgetStatus()
	res.RemainingBudget = st.RemainingBudget
	res.BudgetPaused = st.Paused
	switch {
	case st.Paused:
		res.Reasons = append(res.Reasons, "budget paused: "+st.PauseReason)
	case !g.budget.CheckBudget(req.EstimatedCost):
		res.Reasons = append(res.Reasons, fmt.Sprintf("estimated cost %.2f exceeds remaining budget %.2f", req.EstimatedCost, st.RemainingBudget))
	}

	res.ActiveAgents = g.agents.GetActiveAgentCount()
	res.MaxAgents = g.agents.Max()
	if (req.AgentID == "" || !g.agents.IsActive(req.AgentID)) && !g.agents.CheckParallelAgents() {
		res.Reasons = append(res.Reasons, fmt.Sprintf("parallel agent limit reached (%d/%d)", res.ActiveAgents, res.MaxAgents))
	}

	res.Allowed = len(res.Reasons) == 0
	return res, nil
}
