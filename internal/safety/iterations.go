// Package safety holds the governance API: per-task iteration ceilings plus the
// Governor that composes budget, admission, approval and rollback controls.
package safety

import (
	"log/slog"

	"github.com/dohr-michael/overseer/internal/tasks"
)

// IterationGuard reads and updates task iteration counters through the task
// store, so counts survive restarts and share the store's locking.
type IterationGuard struct {
	tasks tasks.Store
}

func NewIterationGuard(store tasks.Store) *IterationGuard {
	return &IterationGuard{tasks: store}
}

// CheckIterationLimit reports whether the task may be attempted again.
func (g *IterationGuard) CheckIterationLimit(taskID string) (bool, error) {
	t, err := g.tasks.Get(taskID)
	if err != nil {
		return false, err
	}
	return t.IterationCount < t.MaxIterations, nil
}

// IncrementIteration counts one attempt. It always increments; callers own
// idempotency.
func (g *IterationGuard) IncrementIteration(taskID string) (tasks.IterationInfo, error) {
	t, err := g.tasks.Mutate(taskID, func(t *tasks.Task) error {
		t.RecordIteration()
		return nil
	})
	if err != nil {
		return tasks.IterationInfo{}, err
	}
	info := t.Iterations()
	if info.LimitReached {
		slog.Warn("task at iteration limit", "task_id", taskID, "iteration", info.Current, "max", info.Max)
	}
	return info, nil
}

func (g *IterationGuard) GetIterationInfo(taskID string) (tasks.IterationInfo, error) {
	t, err := g.tasks.Get(taskID)
	if err != nil {
		return tasks.IterationInfo{}, err
	}
	return t.Iterations(), nil
}

// ResetIterations zeroes the counter. Outside tests it should only be reached
// through Governor.ResetIterations, which requires an approval.
func (g *IterationGuard) ResetIterations(taskID string) (tasks.IterationInfo, error) {
	t, err := g.tasks.Mutate(taskID, func(t *tasks.Task) error {
		t.IterationCount = 0
		return nil
	})
	if err != nil {
		return tasks.IterationInfo{}, err
	}
	slog.Info("task iterations reset", "task_id", taskID)
	return t.Iterations(), nil
}
