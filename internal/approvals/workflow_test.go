package approvals

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/dohr-michael/overseer/internal/errs"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestWorkflow(t *testing.T) (*Workflow, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	w := NewWorkflow(Config{
		Store: NewFileStore(t.TempDir()),
		TTL:   time.Hour,
		Now:   clock.Now,
	})
	return w, clock
}

func TestRequestAndResolve(t *testing.T) {
	w, clock := newTestWorkflow(t)

	r, err := w.RequestHumanApproval("deploy to prod", map[string]any{"env": "prod"},
		WithTask("task_1"), WithCategory("deploy"), WithPriority(3))
	if err != nil {
		t.Fatalf("RequestHumanApproval: %v", err)
	}
	if r.Status != StatusPending || r.TaskID != "task_1" || r.Category != "deploy" {
		t.Errorf("request: got %+v", r)
	}

	clock.Advance(15 * time.Minute)
	v, err := w.GetApprovalStatus(r.ID)
	if err != nil {
		t.Fatalf("GetApprovalStatus: %v", err)
	}
	if v.TimeRemainingSeconds != (45 * time.Minute).Seconds() {
		t.Errorf("TimeRemainingSeconds: got %v, want 2700", v.TimeRemainingSeconds)
	}
	if v.Context["env"] != "prod" {
		t.Errorf("Context: got %v", v.Context)
	}

	resolved, err := w.ResolveApproval(r.ID, true, "looks good")
	if err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}
	if resolved.Status != StatusApproved || resolved.ResolvedAt == nil {
		t.Errorf("resolved: got %+v", resolved)
	}
}

func TestResolveExactlyOnce(t *testing.T) {
	w, _ := newTestWorkflow(t)

	r, err := w.RequestHumanApproval("reset iterations", nil)
	if err != nil {
		t.Fatalf("RequestHumanApproval: %v", err)
	}
	if _, err := w.ResolveApproval(r.ID, false, "first"); err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}

	if _, err := w.ResolveApproval(r.ID, true, "second"); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("second resolve: got %v, want ErrInvalidTransition", err)
	}
	v, err := w.GetApprovalStatus(r.ID)
	if err != nil {
		t.Fatalf("GetApprovalStatus: %v", err)
	}
	if v.Status != StatusRejected || v.ReviewerNotes != "first" {
		t.Errorf("first decision overwritten: %q %q", v.Status, v.ReviewerNotes)
	}
	if v.TimeRemainingSeconds != 0 {
		t.Errorf("resolved request should have no time remaining, got %v", v.TimeRemainingSeconds)
	}

	if _, err := w.ResolveApproval("apr_missing", true, ""); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("unknown id: got %v, want ErrNotFound", err)
	}
}

func TestLazyExpiry(t *testing.T) {
	w, clock := newTestWorkflow(t)

	r, _ := w.RequestHumanApproval("slow reviewer", nil)
	clock.Advance(time.Hour)

	v, err := w.GetApprovalStatus(r.ID)
	if err != nil {
		t.Fatalf("GetApprovalStatus: %v", err)
	}
	if v.Status != StatusExpired {
		t.Fatalf("status: got %q, want expired", v.Status)
	}
	if _, err := w.ResolveApproval(r.ID, true, "too late"); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Errorf("resolve expired: got %v, want ErrInvalidTransition", err)
	}
}

func TestResolveDueRequestExpiresIt(t *testing.T) {
	w, clock := newTestWorkflow(t)

	r, _ := w.RequestHumanApproval("x", nil)
	clock.Advance(2 * time.Hour)

	if _, err := w.ResolveApproval(r.ID, true, "late"); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
	v, _ := w.GetApprovalStatus(r.ID)
	if v.Status != StatusExpired || v.ReviewerNotes != "" {
		t.Errorf("got %q notes %q, want expired without notes", v.Status, v.ReviewerNotes)
	}
}

func TestListPendingOrdering(t *testing.T) {
	w, clock := newTestWorkflow(t)

	low, _ := w.RequestHumanApproval("low", nil, WithPriority(1))
	clock.Advance(time.Minute)
	highOld, _ := w.RequestHumanApproval("high old", nil, WithPriority(5))
	clock.Advance(time.Minute)
	highNew, _ := w.RequestHumanApproval("high new", nil, WithPriority(5))
	clock.Advance(time.Minute)
	done, _ := w.RequestHumanApproval("done", nil, WithPriority(9))
	if _, err := w.ResolveApproval(done.ID, true, ""); err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}

	list, err := w.ListPendingApprovals()
	if err != nil {
		t.Fatalf("ListPendingApprovals: %v", err)
	}
	want := []string{highOld.ID, highNew.ID, low.ID}
	if len(list) != len(want) {
		t.Fatalf("got %d pending, want %d", len(list), len(want))
	}
	for i, id := range want {
		if list[i].ID != id {
			t.Errorf("position %d: got %s, want %s", i, list[i].ID, id)
		}
	}
}

func TestExpireStale(t *testing.T) {
	w, clock := newTestWorkflow(t)

	_, _ = w.RequestHumanApproval("old", nil)
	clock.Advance(30 * time.Minute)
	fresh, _ := w.RequestHumanApproval("fresh", nil)
	clock.Advance(45 * time.Minute)

	n, err := w.ExpireStale()
	if err != nil {
		t.Fatalf("ExpireStale: %v", err)
	}
	if n != 1 {
		t.Errorf("expired: got %d, want 1", n)
	}
	list, _ := w.ListPendingApprovals()
	if len(list) != 1 || list[0].ID != fresh.ID {
		t.Errorf("pending after sweep: got %v", list)
	}
}

func TestRequestValidation(t *testing.T) {
	w, _ := newTestWorkflow(t)
	if _, err := w.RequestHumanApproval("  ", nil); !errors.Is(err, errs.ErrInvalid) {
		t.Errorf("got %v, want ErrInvalid", err)
	}
}

func TestSortPendingExtremePriorities(t *testing.T) {
	at := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	reqs := []*Request{
		{ID: "apr_min", Priority: math.MinInt, CreatedAt: at},
		{ID: "apr_zero", Priority: 0, CreatedAt: at},
		{ID: "apr_max", Priority: math.MaxInt, CreatedAt: at},
	}
	sortPending(reqs)
	want := []string{"apr_max", "apr_zero", "apr_min"}
	for i, id := range want {
		if reqs[i].ID != id {
			t.Errorf("position %d: got %s, want %s", i, reqs[i].ID, id)
		}
	}
}

func TestConsume(t *testing.T) {
	w, _ := newTestWorkflow(t)
	r, _ := w.RequestHumanApproval("retry build", nil, WithTask("task_1"), WithCategory("iteration_limit"))

	if _, err := w.Consume(r.ID, "iteration_limit", "task_1"); !errors.Is(err, errs.ErrPreconditionFailed) {
		t.Fatalf("pending: got %v, want ErrPreconditionFailed", err)
	}
	if _, err := w.ResolveApproval(r.ID, true, ""); err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}

	tests := []struct {
		name     string
		category string
		taskID   string
	}{
		{"wrong category", "deploy", "task_1"},
		{"wrong task", "iteration_limit", "task_2"},
		{"no task", "iteration_limit", ""},
	}
	for _, tt := range tests {
		if _, err := w.Consume(r.ID, tt.category, tt.taskID); !errors.Is(err, errs.ErrPreconditionFailed) {
			t.Errorf("%s: got %v, want ErrPreconditionFailed", tt.name, err)
		}
	}

	got, err := w.Consume(r.ID, "iteration_limit", "task_1")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got.ConsumedAt == nil {
		t.Error("ConsumedAt not set")
	}
	if _, err := w.Consume(r.ID, "iteration_limit", "task_1"); !errors.Is(err, errs.ErrConflict) {
		t.Errorf("second Consume: got %v, want ErrConflict", err)
	}
}
