package orchestrator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dohr-michael/overseer/internal/convoys"
	"github.com/dohr-michael/overseer/internal/errs"
	"github.com/dohr-michael/overseer/internal/events"
	"github.com/dohr-michael/overseer/internal/resolver"
	"github.com/dohr-michael/overseer/internal/tasks"
)

// FailResult reports the outcome of FailTask. EscalationRequired is advisory:
// the task stays failed and nothing is requested on the caller's behalf.
type FailResult struct {
	Task               *tasks.Task         `json:"task"`
	Iteration          tasks.IterationInfo `json:"iteration"`
	EscalationRequired bool                `json:"escalation_required"`
}

// CreateTask persists a new pending task. Prerequisites must already exist; a
// convoy id appends the task to that convoy.
func (o *Orchestrator) CreateTask(cfg tasks.Config) (*tasks.Task, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("create task: name is required: %w", errs.ErrInvalid)
	}
	for _, dep := range cfg.DependsOn {
		if _, err := o.tasks.Get(dep); err != nil {
			return nil, fmt.Errorf("create task: prerequisite: %w", err)
		}
	}
	if cfg.ConvoyID != "" {
		c, err := o.convoys.Get(cfg.ConvoyID)
		if err != nil {
			return nil, fmt.Errorf("create task: %w", err)
		}
		if !c.Status.AcceptsMembers() {
			return nil, fmt.Errorf("create task: convoy %s is %s: %w", c.ID, c.Status, errs.ErrInvalidTransition)
		}
	}

	t := tasks.New(cfg, o.maxIter)
	if err := o.tasks.Create(t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	if t.ConvoyID != "" {
		if _, err := o.convoys.Mutate(t.ConvoyID, func(c *convoys.Convoy) error {
			return c.AddTask(t.ID)
		}); err != nil {
			// The convoy closed in between; detach so the task is not orphaned.
			_, _ = o.tasks.Mutate(t.ID, func(t *tasks.Task) error {
				t.ConvoyID = ""
				return nil
			})
			return nil, fmt.Errorf("create task: join convoy: %w", err)
		}
	}

	slog.Info("task created", "task_id", t.ID, "name", t.Name, "convoy_id", t.ConvoyID)
	o.publish(t.ID, events.TaskCreatedPayload{
		TaskID:   t.ID,
		Name:     t.Name,
		ConvoyID: t.ConvoyID,
		Priority: int(t.Priority),
	})
	return t, nil
}

// AssignTask hands a pending or blocked task to a worker class. Unmet task or
// convoy prerequisites block the task (or its convoy) and fail the call.
func (o *Orchestrator) AssignTask(id, workerClass string) (*tasks.Task, error) {
	t, err := o.tasks.Get(id)
	if err != nil {
		return nil, err
	}
	if !tasks.CanTransition(t.Status, tasks.StatusAssigned) {
		return nil, errs.Transition("task", id, t.Status, tasks.StatusAssigned)
	}

	missing, err := resolver.Unsatisfied(t.DependsOn, o.taskCompleted)
	if err != nil {
		return nil, fmt.Errorf("assign task %s: %w", id, err)
	}
	if len(missing) > 0 {
		if err := o.blockTask(id, missing); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("assign task %s: waiting on tasks %v: %w", id, missing, errs.ErrPreconditionFailed)
	}

	if t.ConvoyID != "" {
		c, err := o.convoys.Get(t.ConvoyID)
		if err != nil {
			return nil, fmt.Errorf("assign task %s: %w", id, err)
		}
		if c.Status == convoys.StatusFailed || c.Status == convoys.StatusCancelled {
			return nil, fmt.Errorf("assign task %s: convoy %s is %s: %w", id, c.ID, c.Status, errs.ErrInvalidTransition)
		}
		cmissing, err := resolver.Unsatisfied(c.DependsOn, o.convoyCompleted)
		if err != nil {
			return nil, fmt.Errorf("assign task %s: %w", id, err)
		}
		if len(cmissing) > 0 {
			if err := o.blockConvoy(c.ID, cmissing); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("assign task %s: convoy %s waiting on %v: %w", id, c.ID, cmissing, errs.ErrPreconditionFailed)
		}
		if workerClass == "" {
			workerClass = c.WorkerClass
		}
	}

	t, err = o.transitionTask(id, tasks.StatusAssigned, "assigned to "+workerClass, func(t *tasks.Task, now time.Time) {
		t.WorkerClass = workerClass
		t.AssignedAt = &now
	})
	if err != nil {
		return nil, err
	}

	if t.ConvoyID != "" {
		o.startConvoy(t.ConvoyID)
	}
	slog.Info("task assigned", "task_id", id, "worker_class", workerClass)
	return t, nil
}

// startConvoy moves a pending or blocked convoy into progress on the first
// assignment of one of its tasks.
func (o *Orchestrator) startConvoy(id string) {
	c, err := o.convoys.Get(id)
	if err != nil || (c.Status != convoys.StatusPending && c.Status != convoys.StatusBlocked) {
		return
	}
	_, err = o.transitionConvoy(id, convoys.StatusInProgress, "first task assigned", func(c *convoys.Convoy, now time.Time) {
		if c.StartedAt == nil {
			c.StartedAt = &now
		}
	})
	if err != nil && !isTransition(err) {
		slog.Warn("start convoy", "error", err, "convoy_id", id)
	}
}

// StartTask records that workerID began executing an assigned task.
func (o *Orchestrator) StartTask(id, workerID string) (*tasks.Task, error) {
	t, err := o.tasks.Get(id)
	if err != nil {
		return nil, err
	}
	if !tasks.CanTransition(t.Status, tasks.StatusInProgress) {
		return nil, errs.Transition("task", id, t.Status, tasks.StatusInProgress)
	}

	missing, err := resolver.Unsatisfied(t.DependsOn, o.taskCompleted)
	if err != nil {
		return nil, fmt.Errorf("start task %s: %w", id, err)
	}
	if len(missing) > 0 {
		if err := o.blockTask(id, missing); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("start task %s: waiting on tasks %v: %w", id, missing, errs.ErrPreconditionFailed)
	}

	t, err = o.transitionTask(id, tasks.StatusInProgress, "started by "+workerID, func(t *tasks.Task, now time.Time) {
		t.WorkerID = workerID
		t.StartedAt = &now
	})
	if err != nil {
		return nil, err
	}
	slog.Info("task started", "task_id", id, "worker_id", workerID)
	return t, nil
}

// CompleteTask records the result of an in-progress task, releases dependents
// and refreshes the owning convoy's progress.
func (o *Orchestrator) CompleteTask(id string, result json.RawMessage) (*tasks.Task, error) {
	t, err := o.transitionTask(id, tasks.StatusCompleted, "completed", func(t *tasks.Task, now time.Time) {
		t.CompletedAt = &now
		t.Result = result
		t.Error = ""
	})
	if err != nil {
		return nil, err
	}
	slog.Info("task completed", "task_id", id)

	o.unblockDependents(id)
	if t.ConvoyID != "" {
		o.publishProgress(t.ConvoyID)
	}
	return t, nil
}

func (o *Orchestrator) unblockDependents(id string) {
	blocked, err := o.tasks.List(tasks.ListFilter{Status: tasks.StatusBlocked, DependsOn: id})
	if err != nil {
		slog.Warn("list dependents", "error", err, "task_id", id)
		return
	}
	for _, dep := range blocked {
		o.tryUnblockTask(dep.ID)
	}
}

// FailTask marks any non-terminal task failed and counts the iteration.
func (o *Orchestrator) FailTask(id, reason string) (*FailResult, error) {
	t, err := o.transitionTask(id, tasks.StatusFailed, reason, func(t *tasks.Task, _ time.Time) {
		t.Error = reason
		t.RecordIteration()
	})
	if err != nil {
		return nil, err
	}

	info := t.Iterations()
	res := &FailResult{Task: t, Iteration: info, EscalationRequired: info.LimitReached}
	slog.Info("task failed", "task_id", id, "reason", reason, "iteration", info.Current, "max", info.Max)

	if res.EscalationRequired {
		slog.Warn("task reached iteration limit", "task_id", id, "iteration", info.Current, "max", info.Max)
		o.publish(id, events.TaskEscalationPayload{
			TaskID:        id,
			Iteration:     info.Current,
			MaxIterations: info.Max,
		})
	}
	if t.ConvoyID != "" {
		o.publishProgress(t.ConvoyID)
	}
	return res, nil
}

// CancelTask terminalizes any non-terminal task.
func (o *Orchestrator) CancelTask(id, reason string) (*tasks.Task, error) {
	t, err := o.transitionTask(id, tasks.StatusCancelled, reason, func(t *tasks.Task, _ time.Time) {
		if reason != "" {
			t.Error = reason
		}
	})
	if err != nil {
		return nil, err
	}
	slog.Info("task cancelled", "task_id", id, "reason", reason)
	if t.ConvoyID != "" {
		o.publishProgress(t.ConvoyID)
	}
	return t, nil
}

// RetryTask returns a failed task to pending. The iteration count is kept.
func (o *Orchestrator) RetryTask(id string) (*tasks.Task, error) {
	t, err := o.transitionTask(id, tasks.StatusPending, "retry", func(t *tasks.Task, _ time.Time) {
		t.WorkerClass = ""
		t.WorkerID = ""
		t.Error = ""
		t.AssignedAt = nil
		t.StartedAt = nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("task retried", "task_id", id, "iteration", t.IterationCount)
	return t, nil
}

func (o *Orchestrator) GetTask(id string) (*tasks.Task, error) {
	return o.tasks.Get(id)
}

func (o *Orchestrator) ListTasks(filter tasks.ListFilter) ([]*tasks.Task, error) {
	return o.tasks.List(filter)
}
