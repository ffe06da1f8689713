package budget

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dohr-michael/overseer/internal/errs"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLedger(t *testing.T, dir string, clock *fakeClock) *Ledger {
	t.Helper()
	l, err := Open(Config{Dir: dir, HourlyLimit: 10, Now: clock.Now})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l
}

func TestBudgetArithmetic(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := newTestLedger(t, t.TempDir(), clock)

	if _, err := l.RecordCost(7.50, "warmup"); err != nil {
		t.Fatalf("RecordCost: %v", err)
	}
	if l.CheckBudget(3.00) {
		t.Error("CheckBudget(3.00) should be false with 2.50 left")
	}
	if !l.CheckBudget(2.00) {
		t.Error("CheckBudget(2.00) should be true with 2.50 left")
	}

	if _, err := l.RecordCost(2.00, "x"); err != nil {
		t.Fatalf("RecordCost: %v", err)
	}
	st := l.GetBudgetStatus()
	if st.SpentThisHour != 9.50 {
		t.Errorf("SpentThisHour: got %v, want 9.50", st.SpentThisHour)
	}
	if st.RemainingBudget != 0.50 {
		t.Errorf("RemainingBudget: got %v, want 0.50", st.RemainingBudget)
	}
	if st.Paused {
		t.Error("ledger should not be paused below the limit")
	}
	if len(st.RecentEntries) != 2 {
		t.Errorf("RecentEntries: got %d, want 2", len(st.RecentEntries))
	}
}

func TestBudgetWindowRoll(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := newTestLedger(t, t.TempDir(), clock)

	if _, err := l.RecordCost(6, "first window"); err != nil {
		t.Fatalf("RecordCost: %v", err)
	}
	clock.Advance(61 * time.Minute)

	// An expired window counts as zero spend before anything is recorded.
	if st := l.GetBudgetStatus(); st.SpentThisHour != 0 {
		t.Errorf("SpentThisHour after expiry: got %v, want 0", st.SpentThisHour)
	}
	if !l.CheckBudget(10) {
		t.Error("expired window should allow the full limit")
	}

	if _, err := l.RecordCost(1.25, "second window"); err != nil {
		t.Fatalf("RecordCost: %v", err)
	}
	st := l.GetBudgetStatus()
	if st.SpentThisHour != 1.25 {
		t.Errorf("SpentThisHour: got %v, want 1.25", st.SpentThisHour)
	}
	if st.TotalSpent != 7.25 {
		t.Errorf("TotalSpent: got %v, want 7.25", st.TotalSpent)
	}
	if !st.WindowStart.Equal(clock.Now()) {
		t.Errorf("WindowStart: got %v, want %v", st.WindowStart, clock.Now())
	}
}

func TestBudgetPauseIsSticky(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := newTestLedger(t, t.TempDir(), clock)

	if _, err := l.RecordCost(12, "big job"); err != nil {
		t.Fatalf("RecordCost over the limit should still record: %v", err)
	}
	st := l.GetBudgetStatus()
	if !st.Paused || st.PauseReason == "" {
		t.Fatalf("expected pause with reason, got %+v", st)
	}
	if st.SpentThisHour != 12 || st.RemainingBudget != 0 {
		t.Errorf("spent %v remaining %v, want 12 and 0", st.SpentThisHour, st.RemainingBudget)
	}

	clock.Advance(2 * time.Hour)
	if l.CheckBudget(0.01) {
		t.Error("pause must survive a window roll")
	}

	if _, err := l.Resume("operator approved"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !l.CheckBudget(0.01) {
		t.Error("CheckBudget should pass after resume in a fresh window")
	}
}

func TestBudgetRejectsNegative(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l := newTestLedger(t, t.TempDir(), clock)

	if _, err := l.RecordCost(-1, "refund"); !errors.Is(err, errs.ErrInvalid) {
		t.Errorf("got %v, want ErrInvalid", err)
	}
	if err := l.SetHourlyLimit(0); !errors.Is(err, errs.ErrInvalid) {
		t.Errorf("SetHourlyLimit(0): got %v, want ErrInvalid", err)
	}
}

func TestBudgetPersistence(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}

	l := newTestLedger(t, dir, clock)
	if _, err := l.RecordCost(3, "a", WithTask("task_1"), WithWorker("w1")); err != nil {
		t.Fatalf("RecordCost: %v", err)
	}
	if err := l.SetHourlyLimit(20); err != nil {
		t.Fatalf("SetHourlyLimit: %v", err)
	}

	reopened, err := Open(Config{Dir: dir, Now: clock.Now})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	st := reopened.GetBudgetStatus()
	if st.HourlyLimit != 20 {
		t.Errorf("HourlyLimit: got %v, want 20", st.HourlyLimit)
	}
	if st.SpentThisHour != 3 || st.TotalSpent != 3 {
		t.Errorf("spent %v total %v, want 3 and 3", st.SpentThisHour, st.TotalSpent)
	}
	if len(st.RecentEntries) != 1 || st.RecentEntries[0].TaskID != "task_1" || st.RecentEntries[0].WorkerID != "w1" {
		t.Errorf("RecentEntries: got %+v", st.RecentEntries)
	}
}

func TestBudgetPrune(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := newTestLedger(t, t.TempDir(), clock)

	if _, err := l.RecordCost(1, "old"); err != nil {
		t.Fatalf("RecordCost: %v", err)
	}
	clock.Advance(25 * time.Hour)
	if _, err := l.RecordCost(1, "new"); err != nil {
		t.Fatalf("RecordCost: %v", err)
	}

	if n := l.Prune(); n != 1 {
		t.Errorf("Prune: got %d, want 1", n)
	}
	st := l.GetBudgetStatus()
	if len(st.RecentEntries) != 1 || st.RecentEntries[0].Description != "new" {
		t.Errorf("RecentEntries: got %+v", st.RecentEntries)
	}
	if st.TotalSpent != 2 {
		t.Errorf("TotalSpent: got %v, want 2", st.TotalSpent)
	}
}

func TestBudgetReplaysLogAfterFailedCheckpoint(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}

	l := newTestLedger(t, dir, clock)
	if _, err := l.RecordCost(3, "a"); err != nil {
		t.Fatalf("RecordCost: %v", err)
	}

	// A directory in the way of the tmp file makes the state write fail.
	blocker := filepath.Join(dir, stateFile+".tmp")
	if err := os.Mkdir(blocker, 0o755); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)
	if _, err := l.RecordCost(8, "b"); err != nil {
		t.Fatalf("RecordCost with failing checkpoint: %v", err)
	}
	if st := l.GetBudgetStatus(); st.TotalSpent != 11 || !st.Paused {
		t.Errorf("in memory: total %v paused %v, want 11 and paused", st.TotalSpent, st.Paused)
	}
	if err := os.Remove(blocker); err != nil {
		t.Fatal(err)
	}

	for i := range 2 {
		reopened, err := Open(Config{Dir: dir, HourlyLimit: 10, Now: clock.Now})
		if err != nil {
			t.Fatalf("Open #%d: %v", i, err)
		}
		st := reopened.GetBudgetStatus()
		if st.TotalSpent != 11 || st.SpentThisHour != 11 {
			t.Errorf("open #%d: total %v spent %v, want 11 and 11", i, st.TotalSpent, st.SpentThisHour)
		}
		if !st.Paused {
			t.Errorf("open #%d: replayed overspend should pause", i)
		}
	}
}
