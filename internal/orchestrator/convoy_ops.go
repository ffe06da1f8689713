package orchestrator

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dohr-michael/overseer/internal/convoys"
	"github.com/dohr-michael/overseer/internal/errs"
	"github.com/dohr-michael/overseer/internal/events"
	"github.com/dohr-michael/overseer/internal/resolver"
	"github.com/dohr-michael/overseer/internal/tasks"
)

// CreateConvoy persists a new convoy. Member tasks and prerequisite convoys must
// exist; a convoy whose prerequisites are not completed starts blocked.
func (o *Orchestrator) CreateConvoy(cfg convoys.Config) (*convoys.View, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("create convoy: name is required: %w", errs.ErrInvalid)
	}
	c := convoys.New(cfg)
	if err := o.checkConvoyGraph(c); err != nil {
		return nil, fmt.Errorf("create convoy: %w", err)
	}

	var claimed []string
	for _, tid := range c.TaskIDs {
		took, err := o.claimTask(tid, c.ID)
		if err != nil {
			o.releaseTasks(claimed, c.ID)
			return nil, fmt.Errorf("create convoy: member: %w", err)
		}
		if took {
			claimed = append(claimed, tid)
		}
	}
	if err := o.convoys.Create(c); err != nil {
		o.releaseTasks(claimed, c.ID)
		return nil, fmt.Errorf("create convoy: %w", err)
	}

	slog.Info("convoy created", "convoy_id", c.ID, "name", c.Name, "tasks", len(c.TaskIDs))
	o.publish(c.ID, events.ConvoyCreatedPayload{ConvoyID: c.ID, Name: c.Name, DependsOn: c.DependsOn})

	missing, err := resolver.Unsatisfied(c.DependsOn, o.convoyCompleted)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		if err := o.blockConvoy(c.ID, missing); err != nil {
			return nil, err
		}
	}
	return o.GetConvoy(c.ID)
}

// checkConvoyGraph verifies that c's prerequisites exist and that adding c
// keeps the convoy graph acyclic.
func (o *Orchestrator) checkConvoyGraph(c *convoys.Convoy) error {
	existing, err := o.convoys.List(convoys.ListFilter{})
	if err != nil {
		return err
	}
	nodes := make([]resolver.Node, 0, len(existing)+1)
	for _, e := range existing {
		nodes = append(nodes, resolver.Node{ID: e.ID, Needs: e.DependsOn})
	}
	nodes = append(nodes, resolver.Node{ID: c.ID, Needs: c.DependsOn})
	if err := resolver.DetectCycle(nodes); err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return fmt.Errorf("prerequisite convoy: %w", err)
		}
		return err
	}
	return nil
}

// AddTaskToConvoy makes taskID a member of convoyID.
func (o *Orchestrator) AddTaskToConvoy(convoyID, taskID string) (*convoys.View, error) {
	took, err := o.claimTask(taskID, convoyID)
	if err != nil {
		return nil, err
	}
	if _, err := o.convoys.Mutate(convoyID, func(c *convoys.Convoy) error {
		return c.AddTask(taskID)
	}); err != nil {
		if took {
			o.releaseTasks([]string{taskID}, convoyID)
		}
		return nil, err
	}

	slog.Info("task added to convoy", "task_id", taskID, "convoy_id", convoyID)
	o.publishProgress(convoyID)
	return o.GetConvoy(convoyID)
}

// claimTask points the task at convoyID under the task store lock. A task owned
// by another convoy is refused. took is false when the task already belonged
// to convoyID.
func (o *Orchestrator) claimTask(taskID, convoyID string) (took bool, err error) {
	_, err = o.tasks.Mutate(taskID, func(t *tasks.Task) error {
		switch t.ConvoyID {
		case convoyID:
			return nil
		case "":
			t.ConvoyID = convoyID
			took = true
			return nil
		default:
			return fmt.Errorf("task %s already belongs to convoy %s: %w", taskID, t.ConvoyID, errs.ErrConflict)
		}
	})
	return took, err
}

// releaseTasks undoes claimTask for tasks still pointing at convoyID.
func (o *Orchestrator) releaseTasks(taskIDs []string, convoyID string) {
	for _, tid := range taskIDs {
		if _, err := o.tasks.Mutate(tid, func(t *tasks.Task) error {
			if t.ConvoyID == convoyID {
				t.ConvoyID = ""
			}
			return nil
		}); err != nil {
			slog.Warn("release task from convoy", "error", err, "task_id", tid, "convoy_id", convoyID)
		}
	}
}

// RemoveTaskFromConvoy drops taskID from convoyID's members.
func (o *Orchestrator) RemoveTaskFromConvoy(convoyID, taskID string) (*convoys.View, error) {
	if _, err := o.convoys.Mutate(convoyID, func(c *convoys.Convoy) error {
		return c.RemoveTask(taskID)
	}); err != nil {
		return nil, err
	}
	if _, err := o.tasks.Mutate(taskID, func(t *tasks.Task) error {
		if t.ConvoyID == convoyID {
			t.ConvoyID = ""
		}
		return nil
	}); err != nil && errs.KindOf(err) != errs.KindNotFound {
		return nil, err
	}

	slog.Info("task removed from convoy", "task_id", taskID, "convoy_id", convoyID)
	o.publishProgress(convoyID)
	return o.GetConvoy(convoyID)
}

// GetConvoy returns the convoy with its progress computed from member tasks.
func (o *Orchestrator) GetConvoy(id string) (*convoys.View, error) {
	c, err := o.convoys.Get(id)
	if err != nil {
		return nil, err
	}
	return o.view(c), nil
}

func (o *Orchestrator) view(c *convoys.Convoy) *convoys.View {
	return &convoys.View{Convoy: c, Progress: convoys.ComputeProgress(o.memberStatuses(c))}
}

// memberStatuses reads the current status of every member. Members that can no
// longer be read are skipped.
func (o *Orchestrator) memberStatuses(c *convoys.Convoy) []tasks.Status {
	statuses := make([]tasks.Status, 0, len(c.TaskIDs))
	for _, tid := range c.TaskIDs {
		t, err := o.tasks.Get(tid)
		if err != nil {
			slog.Debug("convoy member unreadable", "convoy_id", c.ID, "task_id", tid, "error", err)
			continue
		}
		statuses = append(statuses, t.Status)
	}
	return statuses
}

func (o *Orchestrator) ListConvoys(filter convoys.ListFilter) ([]*convoys.View, error) {
	list, err := o.convoys.List(filter)
	if err != nil {
		return nil, err
	}
	views := make([]*convoys.View, 0, len(list))
	for _, c := range list {
		views = append(views, o.view(c))
	}
	return views, nil
}

func (o *Orchestrator) publishProgress(convoyID string) {
	v, err := o.GetConvoy(convoyID)
	if err != nil {
		return
	}
	o.publish(convoyID, events.ConvoyProgressPayload{
		ConvoyID:        convoyID,
		Total:           v.Progress.Total,
		Completed:       v.Progress.Completed,
		Failed:          v.Progress.Failed,
		PercentComplete: v.Progress.PercentComplete,
		AllComplete:     v.Progress.AllComplete,
	})
}

// CompleteConvoy completes a convoy whose members are all completed. Member
// statuses are checked under the convoy lock so membership cannot change in
// between.
func (o *Orchestrator) CompleteConvoy(id string) (*convoys.View, error) {
	var from convoys.Status
	c, err := o.convoys.Mutate(id, func(c *convoys.Convoy) error {
		if !convoys.CanTransition(c.Status, convoys.StatusCompleted) {
			return errs.Transition("convoy", c.ID, c.Status, convoys.StatusCompleted)
		}
		p := convoys.ComputeProgress(o.memberStatuses(c))
		if !p.AllComplete || p.Total != len(c.TaskIDs) {
			return fmt.Errorf("complete convoy %s: %d of %d tasks completed: %w",
				c.ID, p.Completed, len(c.TaskIDs), errs.ErrPreconditionFailed)
		}
		from = c.Status
		now := o.now()
		if err := c.Transition(convoys.StatusCompleted, "all tasks completed", now); err != nil {
			return err
		}
		c.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("convoy completed", "convoy_id", id)
	o.publish(id, events.ConvoyTransitionPayload{
		ConvoyID: id,
		From:     string(from),
		To:       string(convoys.StatusCompleted),
		Reason:   "all tasks completed",
	})
	o.unblockDependentConvoys(id)
	return o.view(c), nil
}

func (o *Orchestrator) unblockDependentConvoys(id string) {
	blocked, err := o.convoys.List(convoys.ListFilter{Status: convoys.StatusBlocked})
	if err != nil {
		slog.Warn("list blocked convoys", "error", err, "convoy_id", id)
		return
	}
	for _, c := range blocked {
		if slices.Contains(c.DependsOn, id) {
			o.tryUnblockConvoy(c.ID)
		}
	}
}

// FailConvoy abandons a convoy regardless of member progress.
func (o *Orchestrator) FailConvoy(id, reason string) (*convoys.View, error) {
	c, err := o.transitionConvoy(id, convoys.StatusFailed, reason, func(c *convoys.Convoy, now time.Time) {
		c.Error = reason
		c.CompletedAt = &now
	})
	if err != nil {
		return nil, err
	}
	slog.Info("convoy failed", "convoy_id", id, "reason", reason)
	return o.view(c), nil
}

// CancelConvoy terminalizes a convoy. Member tasks are left untouched.
func (o *Orchestrator) CancelConvoy(id, reason string) (*convoys.View, error) {
	c, err := o.transitionConvoy(id, convoys.StatusCancelled, reason, func(c *convoys.Convoy, now time.Time) {
		c.Error = reason
		c.CompletedAt = &now
	})
	if err != nil {
		return nil, err
	}
	slog.Info("convoy cancelled", "convoy_id", id, "reason", reason)
	return o.view(c), nil
}

// NextReadyConvoy returns the most urgent pending convoy whose prerequisites
// are all completed.
func (o *Orchestrator) NextReadyConvoy() (*convoys.View, bool, error) {
	pending, err := o.convoys.List(convoys.ListFilter{Status: convoys.StatusPending})
	if err != nil {
		return nil, false, err
	}
	c, ok := resolver.NextReady(pending, o.convoyCompleted)
	if !ok {
		return nil, false, nil
	}
	return o.view(c), true, nil
}
