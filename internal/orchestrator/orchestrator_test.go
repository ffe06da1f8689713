package orchestrator

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/dohr-michael/overseer/internal/convoys"
	"github.com/dohr-michael/overseer/internal/errs"
	"github.com/dohr-michael/overseer/internal/events"
	"github.com/dohr-michael/overseer/internal/tasks"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(typ events.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *recorder) {
	t.Helper()
	dir := t.TempDir()
	rec := &recorder{}
	o := New(Config{
		Tasks:   tasks.NewFileStore(dir + "/tasks"),
		Convoys: convoys.NewFileStore(dir + "/convoys"),
		Bus:     rec,
	})
	return o, rec
}

func mustTask(t *testing.T, o *Orchestrator, cfg tasks.Config) *tasks.Task {
	t.Helper()
	task, err := o.CreateTask(cfg)
	if err != nil {
		t.Fatalf("CreateTask(%s): %v", cfg.Name, err)
	}
	return task
}

func runToCompletion(t *testing.T, o *Orchestrator, id string) {
	t.Helper()
	if _, err := o.AssignTask(id, "builder"); err != nil {
		t.Fatalf("AssignTask(%s): %v", id, err)
	}
	if _, err := o.StartTask(id, "w1"); err != nil {
		t.Fatalf("StartTask(%s): %v", id, err)
	}
	if _, err := o.CompleteTask(id, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("CompleteTask(%s): %v", id, err)
	}
}

func TestTaskHappyPath(t *testing.T) {
	o, rec := newTestOrchestrator(t)

	task := mustTask(t, o, tasks.Config{Name: "build"})
	if task.Status != tasks.StatusPending || task.IterationCount != 0 {
		t.Fatalf("new task: got status %q iterations %d", task.Status, task.IterationCount)
	}
	if task.MaxIterations != DefaultMaxIterations {
		t.Errorf("MaxIterations: got %d, want %d", task.MaxIterations, DefaultMaxIterations)
	}

	runToCompletion(t, o, task.ID)

	got, err := o.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != tasks.StatusCompleted {
		t.Errorf("Status: got %q, want %q", got.Status, tasks.StatusCompleted)
	}
	if got.WorkerClass != "builder" || got.WorkerID != "w1" {
		t.Errorf("worker: got %q/%q", got.WorkerClass, got.WorkerID)
	}
	if got.AssignedAt == nil || got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("expected assigned, started and completed timestamps")
	}
	if string(got.Result) != `{"ok":true}` {
		t.Errorf("Result: got %s", got.Result)
	}
	if len(got.History) != 3 {
		t.Errorf("History: got %d entries, want 3", len(got.History))
	}
	if n := rec.count(events.EventTaskTransition); n != 3 {
		t.Errorf("transition events: got %d, want 3", n)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	if _, err := o.CreateTask(tasks.Config{}); !errors.Is(err, errs.ErrInvalid) {
		t.Errorf("empty name: got %v, want ErrInvalid", err)
	}
	if _, err := o.CreateTask(tasks.Config{Name: "x", DependsOn: []string{"task_ghost"}}); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("unknown prerequisite: got %v, want ErrNotFound", err)
	}
	if _, err := o.CreateTask(tasks.Config{Name: "x", ConvoyID: "convoy_ghost"}); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("unknown convoy: got %v, want ErrNotFound", err)
	}
}

func TestTerminalTasksRejectTransitions(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	done := mustTask(t, o, tasks.Config{Name: "done"})
	runToCompletion(t, o, done.ID)

	cancelled := mustTask(t, o, tasks.Config{Name: "cancelled"})
	if _, err := o.CancelTask(cancelled.ID, "not needed"); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}

	failed := mustTask(t, o, tasks.Config{Name: "failed"})
	if _, err := o.FailTask(failed.ID, "boom"); err != nil {
		t.Fatalf("FailTask: %v", err)
	}

	for _, id := range []string{done.ID, cancelled.ID, failed.ID} {
		if _, err := o.AssignTask(id, "x"); !errors.Is(err, errs.ErrInvalidTransition) {
			t.Errorf("AssignTask(%s): got %v, want ErrInvalidTransition", id, err)
		}
		if _, err := o.StartTask(id, "w"); !errors.Is(err, errs.ErrInvalidTransition) {
			t.Errorf("StartTask(%s): got %v, want ErrInvalidTransition", id, err)
		}
		if _, err := o.CompleteTask(id, nil); !errors.Is(err, errs.ErrInvalidTransition) {
			t.Errorf("CompleteTask(%s): got %v, want ErrInvalidTransition", id, err)
		}
		if _, err := o.CancelTask(id, "again"); !errors.Is(err, errs.ErrInvalidTransition) {
			t.Errorf("CancelTask(%s): got %v, want ErrInvalidTransition", id, err)
		}
		if _, err := o.FailTask(id, "again"); !errors.Is(err, errs.ErrInvalidTransition) {
			t.Errorf("FailTask(%s): got %v, want ErrInvalidTransition", id, err)
		}
	}

	for _, id := range []string{done.ID, cancelled.ID} {
		if _, err := o.RetryTask(id); !errors.Is(err, errs.ErrInvalidTransition) {
			t.Errorf("RetryTask(%s): got %v, want ErrInvalidTransition", id, err)
		}
	}
	if _, err := o.RetryTask(failed.ID); err != nil {
		t.Errorf("RetryTask(failed): %v", err)
	}
}

func TestFailRetryEscalation(t *testing.T) {
	o, rec := newTestOrchestrator(t)

	task := mustTask(t, o, tasks.Config{Name: "T1", MaxIterations: 2})

	res, err := o.FailTask(task.ID, "x")
	if err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	if res.Iteration.Current != 1 || res.Iteration.LimitReached || res.EscalationRequired {
		t.Errorf("first failure: got %+v", res.Iteration)
	}

	retried, err := o.RetryTask(task.ID)
	if err != nil {
		t.Fatalf("RetryTask: %v", err)
	}
	if retried.Status != tasks.StatusPending || retried.IterationCount != 1 {
		t.Errorf("after retry: status %q iterations %d", retried.Status, retried.IterationCount)
	}
	if retried.Error != "" {
		t.Errorf("after retry: error not cleared: %q", retried.Error)
	}

	res, err = o.FailTask(task.ID, "y")
	if err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	if res.Iteration.Current != 2 || !res.Iteration.LimitReached || !res.EscalationRequired {
		t.Errorf("second failure: got %+v", res.Iteration)
	}
	if res.Task.Status != tasks.StatusFailed {
		t.Errorf("task should remain failed, got %q", res.Task.Status)
	}
	if n := rec.count(events.EventTaskEscalation); n != 1 {
		t.Errorf("escalation events: got %d, want 1", n)
	}
}

func TestAssignBlocksOnPrerequisites(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	dep := mustTask(t, o, tasks.Config{Name: "dep"})
	child := mustTask(t, o, tasks.Config{Name: "child", DependsOn: []string{dep.ID}})

	_, err := o.AssignTask(child.ID, "builder")
	if !errors.Is(err, errs.ErrPreconditionFailed) {
		t.Fatalf("AssignTask: got %v, want ErrPreconditionFailed", err)
	}
	got, _ := o.GetTask(child.ID)
	if got.Status != tasks.StatusBlocked {
		t.Fatalf("child status: got %q, want %q", got.Status, tasks.StatusBlocked)
	}

	runToCompletion(t, o, dep.ID)

	got, _ = o.GetTask(child.ID)
	if got.Status != tasks.StatusPending {
		t.Fatalf("child after dep completed: got %q, want %q", got.Status, tasks.StatusPending)
	}
	if _, err := o.AssignTask(child.ID, "builder"); err != nil {
		t.Errorf("AssignTask after unblock: %v", err)
	}
}

func TestListTasksFilter(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	a := mustTask(t, o, tasks.Config{Name: "a", Tags: []string{"ui"}, Priority: tasks.PriorityHigh})
	mustTask(t, o, tasks.Config{Name: "b", Tags: []string{"api"}})
	mustTask(t, o, tasks.Config{Name: "c", Tags: []string{"ui", "api"}, DependsOn: []string{a.ID}})

	ui, err := o.ListTasks(tasks.ListFilter{Tags: []string{"ui"}})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(ui) != 2 {
		t.Fatalf("ui tasks: got %d, want 2", len(ui))
	}
	if ui[0].ID != a.ID {
		t.Errorf("ui tasks: first %q, want the high priority task", ui[0].ID)
	}

	deps, _ := o.ListTasks(tasks.ListFilter{DependsOn: a.ID})
	if len(deps) != 1 || deps[0].Name != "c" {
		t.Errorf("dependents of a: got %v", deps)
	}

	page, _ := o.ListTasks(tasks.ListFilter{Offset: 1, Limit: 1})
	if len(page) != 1 {
		t.Errorf("page: got %d, want 1", len(page))
	}
}
