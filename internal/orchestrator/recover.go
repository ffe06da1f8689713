package orchestrator

import (
	"log/slog"

	"github.com/dohr-michael/overseer/internal/convoys"
	"github.com/dohr-michael/overseer/internal/tasks"
)

// RecoverReport counts what Recover changed.
type RecoverReport struct {
	TasksUnblocked   int `json:"tasks_unblocked"`
	ConvoysUnblocked int `json:"convoys_unblocked"`
}

// Recover re-evaluates blocked tasks and convoys whose prerequisites completed
// while nothing was watching. Call it once on startup, before serving.
func (o *Orchestrator) Recover() (RecoverReport, error) {
	var r RecoverReport

	blocked, err := o.tasks.List(tasks.ListFilter{Status: tasks.StatusBlocked})
	if err != nil {
		return r, err
	}
	for _, t := range blocked {
		if o.tryUnblockTask(t.ID) {
			r.TasksUnblocked++
		}
	}

	blockedConvoys, err := o.convoys.List(convoys.ListFilter{Status: convoys.StatusBlocked})
	if err != nil {
		return r, err
	}
	for _, c := range blockedConvoys {
		if o.tryUnblockConvoy(c.ID) {
			r.ConvoysUnblocked++
		}
	}

	if r.TasksUnblocked > 0 || r.ConvoysUnblocked > 0 {
		slog.Info("recovered blocked work", "tasks", r.TasksUnblocked, "convoys", r.ConvoysUnblocked)
	}
	return r, nil
}
