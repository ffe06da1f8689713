package resolver

import (
	"errors"
	"testing"
	"time"

	"github.com/dohr-michael/overseer/internal/convoys"
	"github.com/dohr-michael/overseer/internal/errs"
	"github.com/dohr-michael/overseer/internal/tasks"
)

func convoy(id string, status convoys.Status, prio tasks.Priority, created time.Time, deps ...string) *convoys.Convoy {
	return &convoys.Convoy{ID: id, Status: status, Priority: prio, CreatedAt: created, DependsOn: deps}
}

func completedIn(index map[string]bool) CompletedFunc {
	return func(id string) (bool, error) {
		return index[id], nil
	}
}

func TestUnsatisfied(t *testing.T) {
	lookup := completedIn(map[string]bool{"a": true, "b": false})

	missing, err := Unsatisfied([]string{"a", "b", "c"}, lookup)
	if err != nil {
		t.Fatalf("Unsatisfied: %v", err)
	}
	if len(missing) != 2 || missing[0] != "b" || missing[1] != "c" {
		t.Errorf("got %v, want [b c]", missing)
	}

	ok, _ := Satisfied([]string{"a"}, lookup)
	if !ok {
		t.Error("expected [a] satisfied")
	}
	ok, _ = Satisfied(nil, lookup)
	if !ok {
		t.Error("no prerequisites should be satisfied")
	}
}

func TestUnsatisfiedLookupError(t *testing.T) {
	failing := func(id string) (bool, error) {
		return false, errs.NotFound("task", id)
	}
	if _, err := Unsatisfied([]string{"x"}, failing); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNextReadyFollowsPrerequisites(t *testing.T) {
	now := time.Now()
	a := convoy("A", convoys.StatusCompleted, tasks.PriorityNormal, now)
	b := convoy("B", convoys.StatusPending, tasks.PriorityNormal, now.Add(time.Second), "A")
	all := []*convoys.Convoy{a, b}

	lookup := func(id string) (bool, error) {
		for _, c := range all {
			if c.ID == id {
				return c.Status == convoys.StatusCompleted, nil
			}
		}
		return false, errs.NotFound("convoy", id)
	}

	got, ok := NextReady(all, lookup)
	if !ok || got.ID != "B" {
		t.Fatalf("expected B, got %v (ok=%v)", got, ok)
	}

	a.Status = convoys.StatusInProgress
	if got, ok := NextReady(all, lookup); ok {
		t.Errorf("B must not be ready while A is incomplete, got %s", got.ID)
	}
}

func TestNextReadyOrdering(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		in   []*convoys.Convoy
		want string
	}{
		{
			name: "priority wins",
			in: []*convoys.Convoy{
				convoy("low", convoys.StatusPending, tasks.PriorityLow, now),
				convoy("high", convoys.StatusPending, tasks.PriorityHigh, now.Add(time.Hour)),
			},
			want: "high",
		},
		{
			name: "older wins on tie",
			in: []*convoys.Convoy{
				convoy("newer", convoys.StatusPending, tasks.PriorityNormal, now.Add(time.Minute)),
				convoy("older", convoys.StatusPending, tasks.PriorityNormal, now),
			},
			want: "older",
		},
		{
			name: "id breaks full tie",
			in: []*convoys.Convoy{
				convoy("b", convoys.StatusPending, tasks.PriorityNormal, now),
				convoy("a", convoys.StatusPending, tasks.PriorityNormal, now),
			},
			want: "a",
		},
		{
			name: "non-pending skipped",
			in: []*convoys.Convoy{
				convoy("running", convoys.StatusInProgress, tasks.PriorityCritical, now),
				convoy("waiting", convoys.StatusPending, tasks.PriorityLow, now),
			},
			want: "waiting",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextReady(tt.in, completedIn(nil))
			if !ok {
				t.Fatal("expected a ready convoy")
			}
			if got.ID != tt.want {
				t.Errorf("got %s, want %s", got.ID, tt.want)
			}
		})
	}
}

func TestNextReadyNone(t *testing.T) {
	if _, ok := NextReady(nil, completedIn(nil)); ok {
		t.Error("expected no ready convoy")
	}
}
