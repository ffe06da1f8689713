// Package orchestrator is the task and convoy lifecycle API. It composes the
// task store, the convoy store and the dependency resolver, and announces every
// state change on the event bus.
package orchestrator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dohr-michael/overseer/internal/convoys"
	"github.com/dohr-michael/overseer/internal/errs"
	"github.com/dohr-michael/overseer/internal/events"
	"github.com/dohr-michael/overseer/internal/resolver"
	"github.com/dohr-michael/overseer/internal/tasks"
)

// DefaultMaxIterations is the retry ceiling for tasks created without one.
const DefaultMaxIterations = 3

// Config holds the collaborators of an Orchestrator.
type Config struct {
	Tasks                tasks.Store
	Convoys              convoys.Store
	Bus                  events.Publisher // optional
	DefaultMaxIterations int              // 0 = DefaultMaxIterations
	Now                  func() time.Time // optional clock
}

// Orchestrator drives task and convoy state machines.
type Orchestrator struct {
	tasks   tasks.Store
	convoys convoys.Store
	bus     events.Publisher
	maxIter int
	now     func() time.Time
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		tasks:   cfg.Tasks,
		convoys: cfg.Convoys,
		bus:     cfg.Bus,
		maxIter: cfg.DefaultMaxIterations,
		now:     cfg.Now,
	}
	if o.bus == nil {
		o.bus = events.Discard
	}
	if o.maxIter <= 0 {
		o.maxIter = DefaultMaxIterations
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Tasks exposes the underlying task store for read-only collaborators.
func (o *Orchestrator) Tasks() tasks.Store { return o.tasks }

func (o *Orchestrator) publish(subject string, payload events.EventPayload) {
	o.bus.Publish(events.NewTypedEventFor(events.SourceOrchestrator, payload, subject))
}

func (o *Orchestrator) taskCompleted(id string) (bool, error) {
	t, err := o.tasks.Get(id)
	if err != nil {
		return false, err
	}
	return t.Status == tasks.StatusCompleted, nil
}

func (o *Orchestrator) convoyCompleted(id string) (bool, error) {
	c, err := o.convoys.Get(id)
	if err != nil {
		return false, err
	}
	return c.Status == convoys.StatusCompleted, nil
}

// transitionTask applies a state change plus any extra edits and publishes it.
func (o *Orchestrator) transitionTask(id string, to tasks.Status, reason string, edit func(t *tasks.Task, now time.Time)) (*tasks.Task, error) {
	var from tasks.Status
	t, err := o.tasks.Mutate(id, func(t *tasks.Task) error {
		from = t.Status
		now := o.now()
		if err := t.Transition(to, reason, now); err != nil {
			return err
		}
		if edit != nil {
			edit(t, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.publish(t.ID, events.TaskTransitionPayload{
		TaskID:    t.ID,
		ConvoyID:  t.ConvoyID,
		From:      string(from),
		To:        string(to),
		Reason:    reason,
		Iteration: t.IterationCount,
	})
	return t, nil
}

func (o *Orchestrator) transitionConvoy(id string, to convoys.Status, reason string, edit func(c *convoys.Convoy, now time.Time)) (*convoys.Convoy, error) {
	var from convoys.Status
	c, err := o.convoys.Mutate(id, func(c *convoys.Convoy) error {
		from = c.Status
		now := o.now()
		if err := c.Transition(to, reason, now); err != nil {
			return err
		}
		if edit != nil {
			edit(c, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.publish(c.ID, events.ConvoyTransitionPayload{
		ConvoyID: c.ID,
		From:     string(from),
		To:       string(to),
		Reason:   reason,
	})
	return c, nil
}

// blockTask parks a pending or assigned task behind its unmet prerequisites.
// A prerequisite that completes concurrently may miss the blocked task in its
// unblock pass, so the check is repeated once the block is persisted.
func (o *Orchestrator) blockTask(id string, missing []string) error {
	reason := fmt.Sprintf("waiting on %v", missing)
	_, err := o.transitionTask(id, tasks.StatusBlocked, reason, nil)
	if err != nil && !isTransition(err) {
		return err
	}
	slog.Info("task blocked", "task_id", id, "waiting_on", missing)
	o.tryUnblockTask(id)
	return nil
}

// tryUnblockTask returns a blocked task to pending when its prerequisites are
// all completed. It reports whether the task moved.
func (o *Orchestrator) tryUnblockTask(id string) bool {
	t, err := o.tasks.Get(id)
	if err != nil || t.Status != tasks.StatusBlocked {
		return false
	}
	ok, err := resolver.Satisfied(t.DependsOn, o.taskCompleted)
	if err != nil || !ok {
		return false
	}
	if _, err := o.transitionTask(id, tasks.StatusPending, "prerequisites completed", nil); err != nil {
		return false
	}
	slog.Info("task unblocked", "task_id", id)
	return true
}

func (o *Orchestrator) blockConvoy(id string, missing []string) error {
	reason := fmt.Sprintf("waiting on %v", missing)
	_, err := o.transitionConvoy(id, convoys.StatusBlocked, reason, nil)
	if err != nil && !isTransition(err) {
		return err
	}
	slog.Info("convoy blocked", "convoy_id", id, "waiting_on", missing)
	o.tryUnblockConvoy(id)
	return nil
}

func (o *Orchestrator) tryUnblockConvoy(id string) bool {
	c, err := o.convoys.Get(id)
	if err != nil || c.Status != convoys.StatusBlocked {
		return false
	}
	ok, err := resolver.Satisfied(c.DependsOn, o.convoyCompleted)
	if err != nil || !ok {
		return false
	}
	if _, err := o.transitionConvoy(id, convoys.StatusPending, "prerequisites completed", nil); err != nil {
		return false
	}
	slog.Info("convoy unblocked", "convoy_id", id)
	return true
}

func isTransition(err error) bool {
	return errs.KindOf(err) == errs.KindInvalidTransition
}
