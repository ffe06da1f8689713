package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"github.com/dohr-michael/overseer/internal/approvals"
	"github.com/dohr-michael/overseer/internal/budget"
	"github.com/dohr-michael/overseer/internal/convoys"
	"github.com/dohr-michael/overseer/internal/errs"
	"github.com/dohr-michael/overseer/internal/orchestrator"
	"github.com/dohr-michael/overseer/internal/safety"
	"github.com/dohr-michael/overseer/internal/scheduler"
	"github.com/dohr-michael/overseer/internal/tasks"
)

// Handler executes one command.
type Handler func(ctx context.Context, p Params) (any, error)

// Command is a named entry of the registry.
type Command struct {
	Name    string `json:"name"`
	Group   string `json:"group"`
	Usage   string `json:"usage"`
	handler Handler
}

// Services are the components commands dispatch to. Scheduler may be nil.
type Services struct {
	Orchestrator *orchestrator.Orchestrator
	Governor     *safety.Governor
	Scheduler    *scheduler.Scheduler
}

// Registry maps command names to handlers.
type Registry struct {
	commands map[string]Command
}

// NewRegistry builds the full command set over svc.
func NewRegistry(svc Services) *Registry {
	r := &Registry{commands: make(map[string]Command)}
	registerTaskCommands(r, svc.Orchestrator)
	registerConvoyCommands(r, svc.Orchestrator)
	registerSafetyCommands(r, svc.Governor)
	if svc.Scheduler != nil {
		registerMaintenanceCommands(r, svc.Scheduler)
	}
	return r
}

func (r *Registry) add(group, name, usage string, h Handler) {
	r.commands[name] = Command{Name: name, Group: group, Usage: usage, handler: h}
}

// Dispatch runs the named command.
func (r *Registry) Dispatch(ctx context.Context, name string, p Params) (any, error) {
	cmd, ok := r.commands[name]
	if !ok {
		return nil, errs.NotFound("command", name)
	}
	return cmd.handler(ctx, p)
}

// DispatchJSON decodes a JSON params object and runs the named command.
func (r *Registry) DispatchJSON(ctx context.Context, name string, raw json.RawMessage) (any, error) {
	p, err := DecodeParams(raw)
	if err != nil {
		return nil, err
	}
	return r.Dispatch(ctx, name, p)
}

// Commands lists every command sorted by group then name.
func (r *Registry) Commands() []Command {
	out := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.commands[name]
	return ok
}

func registerTaskCommands(r *Registry, o *orchestrator.Orchestrator) {
	r.add("tasks", "create_task", "name, [description, depends_on, priority, deliverable, success_criteria, max_iterations, convoy_id, tags]",
		func(_ context.Context, p Params) (any, error) {
			name, err := p.Required("name")
			if err != nil {
				return nil, err
			}
			prio, err := tasks.ParsePriority(p.String("priority"))
			if err != nil {
				return nil, err
			}
			maxIter, err := p.Int("max_iterations", 0)
			if err != nil {
				return nil, err
			}
			return o.CreateTask(tasks.Config{
				Name:            name,
				Description:     p.String("description"),
				DependsOn:       p.List("depends_on"),
				Priority:        prio,
				Deliverable:     p.String("deliverable"),
				SuccessCriteria: p.List("success_criteria"),
				MaxIterations:   maxIter,
				ConvoyID:        p.String("convoy_id"),
				Tags:            p.List("tags"),
			})
		})

	r.add("tasks", "assign_task", "id, [worker_class]", func(_ context.Context, p Params) (any, error) {
		id, err := p.Required("id")
		if err != nil {
			return nil, err
		}
		return o.AssignTask(id, p.String("worker_class"))
	})

	r.add("tasks", "start_task", "id, [worker_id]", func(_ context.Context, p Params) (any, error) {
		id, err := p.Required("id")
		if err != nil {
			return nil, err
		}
		return o.StartTask(id, p.String("worker_id"))
	})

	r.add("tasks", "complete_task", "id, [result (JSON)]", func(_ context.Context, p Params) (any, error) {
		id, err := p.Required("id")
		if err != nil {
			return nil, err
		}
		var result json.RawMessage
		if raw := p.String("result"); raw != "" {
			if json.Valid([]byte(raw)) {
				result = json.RawMessage(raw)
			} else {
				quoted, _ := json.Marshal(raw)
				result = quoted
			}
		}
		return o.CompleteTask(id, result)
	})

	r.add("tasks", "fail_task", "id, [reason]", func(_ context.Context, p Params) (any, error) {
		id, err := p.Required("id")
		if err != nil {
			return nil, err
		}
		return o.FailTask(id, p.String("reason"))
	})

	r.add("tasks", "cancel_task", "id, [reason]", func(_ context.Context, p Params) (any, error) {
		id, err := p.Required("id")
		if err != nil {
			return nil, err
		}
		return o.CancelTask(id, p.String("reason"))
	})

	r.add("tasks", "retry_task", "id", func(_ context.Context, p Params) (any, error) {
		id, err := p.Required("id")
		if err != nil {
			return nil, err
		}
		return o.RetryTask(id)
	})

	r.add("tasks", "get_task", "id", func(_ context.Context, p Params) (any, error) {
		id, err := p.Required("id")
		if err != nil {
			return nil, err
		}
		return o.GetTask(id)
	})

	r.add("tasks", "list_tasks", "[status, worker_class, convoy_id, tags, depends_on, offset, limit]",
		func(_ context.Context, p Params) (any, error) {
			var filter tasks.ListFilter
			if s := p.String("status"); s != "" {
				st, err := tasks.ParseStatus(s)
				if err != nil {
					return nil, err
				}
				filter.Status = st
			}
			offset, err := p.Int("offset", 0)
			if err != nil {
				return nil, err
			}
			limit, err := p.Int("limit", 0)
			if err != nil {
				return nil, err
			}
			filter.WorkerClass = p.String("worker_class")
			filter.ConvoyID = p.String("convoy_id")
			filter.Tags = p.List("tags")
			filter.DependsOn = p.String("depends_on")
			filter.Offset = offset
			filter.Limit = limit
			return nonNil(o.ListTasks(filter))
		})
}

func registerConvoyCommands(r *Registry, o *orchestrator.Orchestrator) {
	r.add("convoys", "create_convoy", "name, [description, task_ids, depends_on, worker_class, priority, deliverables, completion_criteria]",
		func(_ context.Context, p Params) (any, error) {
			name, err := p.Required("name")
			if err != nil {
				return nil, err
			}
			prio, err := tasks.ParsePriority(p.String("priority"))
			if err != nil {
				return nil, err
			}
			return o.CreateConvoy(convoys.Config{
				Name:               name,
				Description:        p.String("description"),
				TaskIDs:            p.List("task_ids"),
				DependsOn:          p.List("depends_on"),
				WorkerClass:        p.String("worker_class"),
				Priority:           prio,
				Deliverables:       p.List("deliverables"),
				CompletionCriteria: p.List("completion_criteria"),
			})
		})

	r.add("convoys", "add_task_to_convoy", "convoy_id, task_id", func(_ context.Context, p Params) (any, error) {
		convoyID, taskID, err := convoyAndTask(p)
		if err != nil {
			return nil, err
		}
		return o.AddTaskToConvoy(convoyID, taskID)
	})

	r.add("convoys", "remove_task_from_convoy", "convoy_id, task_id", func(_ context.Context, p Params) (any, error) {
		convoyID, taskID, err := convoyAndTask(p)
		if err != nil {
			return nil, err
		}
		return o.RemoveTaskFromConvoy(convoyID, taskID)
	})

	r.add("convoys", "get_convoy", "id", func(_ context.Context, p Params) (any, error) {
		id, err := p.Required("id")
		if err != nil {
			return nil, err
		}
		return o.GetConvoy(id)
	})

	r.add("convoys", "list_convoys", "[status, contains]", func(_ context.Context, p Params) (any, error) {
		filter := convoys.ListFilter{Contains: p.String("contains")}
		if s := p.String("status"); s != "" {
			st, err := convoys.ParseStatus(s)
			if err != nil {
				return nil, err
			}
			filter.Status = st
		}
		return nonNil(o.ListConvoys(filter))
	})

	r.add("convoys", "complete_convoy", "id", func(_ context.Context, p Params) (any, error) {
		id, err := p.Required("id")
		if err != nil {
			return nil, err
		}
		return o.CompleteConvoy(id)
	})

	r.add("convoys", "fail_convoy", "id, [reason]", func(_ context.Context, p Params) (any, error) {
		id, err := p.Required("id")
		if err != nil {
			return nil, err
		}
		return o.FailConvoy(id, p.String("reason"))
	})

	r.add("convoys", "cancel_convoy", "id, [reason]", func(_ context.Context, p Params) (any, error) {
		id, err := p.Required("id")
		if err != nil {
			return nil, err
		}
		return o.CancelConvoy(id, p.String("reason"))
	})

	r.add("convoys", "next_ready_convoy", "", func(_ context.Context, _ Params) (any, error) {
		v, ok, err := o.NextReadyConvoy()
		if err != nil {
			return nil, err
		}
		return map[string]any{"found": ok, "convoy": v}, nil
	})

	r.add("convoys", "import_plan", "plan (YAML)", func(_ context.Context, p Params) (any, error) {
		plan, err := p.Required("plan")
		if err != nil {
			return nil, err
		}
		return o.ImportPlan([]byte(plan))
	})
}

func registerSafetyCommands(r *Registry, g *safety.Governor) {
	r.add("safety", "check_iteration_limit", "task_id", func(_ context.Context, p Params) (any, error) {
		id, err := p.Required("task_id")
		if err != nil {
			return nil, err
		}
		ok, err := g.CheckIterationLimit(id)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"allowed": ok}, nil
	})

	r.add("safety", "increment_iteration", "task_id", func(_ context.Context, p Params) (any, error) {
		id, err := p.Required("task_id")
		if err != nil {
			return nil, err
		}
		return g.IncrementIteration(id)
	})

	r.add("safety", "get_iteration_info", "task_id", func(_ context.Context, p Params) (any, error) {
		id, err := p.Required("task_id")
		if err != nil {
			return nil, err
		}
		return g.GetIterationInfo(id)
	})

	r.add("safety", "reset_iterations", "task_id, approval_id", func(_ context.Context, p Params) (any, error) {
		id, err := p.Required("task_id")
		if err != nil {
			return nil, err
		}
		approvalID, err := p.Required("approval_id")
		if err != nil {
			return nil, err
		}
		return g.ResetIterations(id, approvalID)
	})

	r.add("safety", "escalate", "task_id, reason", func(_ context.Context, p Params) (any, error) {
		id, err := p.Required("task_id")
		if err != nil {
			return nil, err
		}
		return g.Escalate(id, p.String("reason"))
	})

	r.add("budget", "check_budget", "[estimate]", func(_ context.Context, p Params) (any, error) {
		estimate, err := p.Float("estimate", 0)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"allowed": g.CheckBudget(estimate)}, nil
	})

	r.add("budget", "record_cost", "amount, description, [task_id, worker_id]", func(_ context.Context, p Params) (any, error) {
		if _, err := p.Required("amount"); err != nil {
			return nil, err
		}
		amount, err := p.Float("amount", 0)
		if err != nil {
			return nil, err
		}
		var opts []budget.CostOption
		if id := p.String("task_id"); id != "" {
			opts = append(opts, budget.WithTask(id))
		}
		if id := p.String("worker_id"); id != "" {
			opts = append(opts, budget.WithWorker(id))
		}
		return g.RecordCost(amount, p.String("description"), opts...)
	})

	r.add("budget", "get_budget_status", "", func(_ context.Context, _ Params) (any, error) {
		return g.GetBudgetStatus(), nil
	})

	r.add("budget", "resume_budget", "[reason]", func(_ context.Context, p Params) (any, error) {
		return g.ResumeBudget(p.String("reason"))
	})

	r.add("agents", "check_parallel_agents", "", func(_ context.Context, _ Params) (any, error) {
		return map[string]any{"allowed": g.CheckParallelAgents(), "active": g.GetActiveAgentCount()}, nil
	})

	r.add("agents", "register_agent", "agent_id, [worker_class, task_id]", func(_ context.Context, p Params) (any, error) {
		id, err := p.Required("agent_id")
		if err != nil {
			return nil, err
		}
		return g.RegisterAgent(id, p.String("worker_class"), p.String("task_id"))
	})

	r.add("agents", "unregister_agent", "agent_id", func(_ context.Context, p Params) (any, error) {
		id, err := p.Required("agent_id")
		if err != nil {
			return nil, err
		}
		g.UnregisterAgent(id)
		return map[string]int{"active": g.GetActiveAgentCount()}, nil
	})

	r.add("agents", "list_active_agents", "", func(_ context.Context, _ Params) (any, error) {
		return nonNil(g.ListActiveAgents(), nil)
	})

	r.add("approvals", "request_approval", "reason, [context (JSON), task_id, worker_id, priority, category, ttl]",
		func(_ context.Context, p Params) (any, error) {
			reason, err := p.Required("reason")
			if err != nil {
				return nil, err
			}
			ctxData, err := p.Object("context")
			if err != nil {
				return nil, err
			}
			prio, err := p.Int("priority", 0)
			if err != nil {
				return nil, err
			}
			ttl, err := p.Duration("ttl")
			if err != nil {
				return nil, err
			}
			opts := []approvals.RequestOption{approvals.WithPriority(prio)}
			if id := p.String("task_id"); id != "" {
				opts = append(opts, approvals.WithTask(id))
			}
			if id := p.String("worker_id"); id != "" {
				opts = append(opts, approvals.WithWorker(id))
			}
			if c := p.String("category"); c != "" {
				opts = append(opts, approvals.WithCategory(c))
			}
			if ttl > 0 {
				opts = append(opts, approvals.WithTTL(ttl))
			}
			return g.RequestHumanApproval(reason, ctxData, opts...)
		})

	r.add("approvals", "get_approval_status", "id", func(_ context.Context, p Params) (any, error) {
		id, err := p.Required("id")
		if err != nil {
			return nil, err
		}
		return g.GetApprovalStatus(id)
	})

	r.add("approvals", "list_pending_approvals", "", func(_ context.Context, _ Params) (any, error) {
		return nonNil(g.ListPendingApprovals())
	})

	r.add("approvals", "resolve_approval", "id, approved, [notes]", func(_ context.Context, p Params) (any, error) {
		id, err := p.Required("id")
		if err != nil {
			return nil, err
		}
		approved, err := p.Bool("approved")
		if err != nil {
			return nil, err
		}
		return g.ResolveApproval(id, approved, p.String("notes"))
	})

	r.add("rollback", "trigger_rollback", "reason", func(ctx context.Context, p Params) (any, error) {
		reason, err := p.Required("reason")
		if err != nil {
			return nil, err
		}
		return g.TriggerRollback(ctx, reason)
	})

	r.add("rollback", "mark_known_good", "[label]", func(ctx context.Context, p Params) (any, error) {
		return g.MarkKnownGood(ctx, p.String("label"))
	})

	r.add("rollback", "rollback_history", "[limit]", func(_ context.Context, p Params) (any, error) {
		limit, err := p.Int("limit", 20)
		if err != nil {
			return nil, err
		}
		return nonNil(g.RollbackHistory(limit))
	})

	r.add("safety", "preflight", "[task_id, estimated_cost, agent_id]", func(_ context.Context, p Params) (any, error) {
		cost, err := p.Float("estimated_cost", 0)
		if err != nil {
			return nil, err
		}
		return g.Preflight(safety.PreflightRequest{
			TaskID:        p.String("task_id"),
			EstimatedCost: cost,
			AgentID:       p.String("agent_id"),
		})
	})
}

func registerMaintenanceCommands(r *Registry, s *scheduler.Scheduler) {
	r.add("maintenance", "list_jobs", "", func(_ context.Context, _ Params) (any, error) {
		return s.Jobs(), nil
	})

	r.add("maintenance", "run_job", "name", func(ctx context.Context, p Params) (any, error) {
		name, err := p.Required("name")
		if err != nil {
			return nil, err
		}
		if err := s.RunNow(ctx, name); err != nil {
			return nil, fmt.Errorf("run job %s: %w", name, err)
		}
		jobs := s.Jobs()
		idx := slices.IndexFunc(jobs, func(j scheduler.JobStatus) bool { return j.Name == name })
		return jobs[idx], nil
	})
}

func convoyAndTask(p Params) (string, string, error) {
	convoyID, err := p.Required("convoy_id")
	if err != nil {
		return "", "", err
	}
	taskID, err := p.Required("task_id")
	if err != nil {
		return "", "", err
	}
	return convoyID, taskID, nil
}

// nonNil turns a nil slice into an empty one so lists encode as [].
func nonNil[T any](items []T, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}
