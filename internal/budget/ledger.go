// Package budget tracks spend against an hourly cap. The window is fixed: it
// starts at the first spend after the previous window expired and lasts one
// window duration.
package budget

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/overseer/internal/errs"
	"github.com/dohr-michael/overseer/internal/events"
	"github.com/dohr-michael/overseer/internal/storage/dirstore"
)

const (
	stateFile = "state.json"
	costsFile = "costs.jsonl"

	DefaultHourlyLimit = 10.0
	DefaultWindow      = time.Hour
	DefaultHistory     = 24 * time.Hour
)

// Entry is one immutable spend record.
type Entry struct {
	ID          string    `json:"id"`
	Amount      float64   `json:"amount"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	TaskID      string    `json:"task_id,omitempty"`
	WorkerID    string    `json:"worker_id,omitempty"`
}

// State is the persisted ledger snapshot.
type State struct {
	HourlyLimit     float64    `json:"hourly_limit"`
	WindowStart     time.Time  `json:"window_start"`
	SpentThisWindow float64    `json:"spent_this_window"`
	TotalSpent      float64    `json:"total_spent"`
	Paused          bool       `json:"paused"`
	PauseReason     string     `json:"pause_reason,omitempty"`
	PausedAt        *time.Time `json:"paused_at,omitempty"`
	LastEntryID     string     `json:"last_entry_id,omitempty"`
}

// Status is the audit view returned by GetBudgetStatus.
type Status struct {
	HourlyLimit     float64    `json:"hourly_limit"`
	WindowStart     time.Time  `json:"window_start"`
	WindowEnd       time.Time  `json:"window_end"`
	SpentThisHour   float64    `json:"spent_this_hour"`
	RemainingBudget float64    `json:"remaining_budget"`
	TotalSpent      float64    `json:"total_spent"`
	Paused          bool       `json:"paused"`
	PauseReason     string     `json:"pause_reason,omitempty"`
	PausedAt        *time.Time `json:"paused_at,omitempty"`
	RecentEntries   []Entry    `json:"recent_entries"`
}

// Config holds ledger settings.
type Config struct {
	Dir         string
	HourlyLimit float64       // 0 = DefaultHourlyLimit
	Window      time.Duration // 0 = DefaultWindow
	History     time.Duration // 0 = DefaultHistory
	Bus         events.Publisher
	Now         func() time.Time
}

// Ledger serializes every budget operation behind one mutex.
type Ledger struct {
	mu      sync.Mutex
	ds      *dirstore.DirStore
	state   State
	entries []Entry // within the history horizon, oldest first
	window  time.Duration
	history time.Duration
	bus     events.Publisher
	now     func() time.Time
}

// Open loads the ledger from cfg.Dir, creating it if needed.
func Open(cfg Config) (*Ledger, error) {
	l := &Ledger{
		ds:      dirstore.NewDirStore(cfg.Dir, "budget"),
		window:  cfg.Window,
		history: cfg.History,
		bus:     cfg.Bus,
		now:     cfg.Now,
	}
	if l.window <= 0 {
		l.window = DefaultWindow
	}
	if l.history <= 0 {
		l.history = DefaultHistory
	}
	if l.bus == nil {
		l.bus = events.Discard
	}
	if l.now == nil {
		l.now = time.Now
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create budget dir: %w", err)
	}
	if _, err := l.ds.ReadJSON("", stateFile, &l.state); err != nil {
		return nil, fmt.Errorf("load budget state: %w", err)
	}
	switch {
	case cfg.HourlyLimit > 0:
		l.state.HourlyLimit = cfg.HourlyLimit
	case l.state.HourlyLimit <= 0:
		l.state.HourlyLimit = DefaultHourlyLimit
	}

	entries, err := dirstore.LoadJSONL[Entry](l.ds, "", costsFile)
	if err != nil {
		return nil, fmt.Errorf("load cost entries: %w", err)
	}
	l.entries = entries
	if n := l.replayLocked(); n > 0 {
		slog.Warn("budget state behind cost log, replayed entries", "count", n)
		if err := l.ds.WriteJSON("", stateFile, l.state); err != nil {
			return nil, fmt.Errorf("save replayed budget state: %w", err)
		}
	}
	l.pruneLocked(l.now())

	return l, nil
}

// replayLocked applies log entries recorded after state.LastEntryID. The cost
// log is the commit point; state.json is a checkpoint that may lag it.
func (l *Ledger) replayLocked() int {
	start := 0
	if l.state.LastEntryID != "" {
		start = len(l.entries)
		for i, e := range l.entries {
			if e.ID == l.state.LastEntryID {
				start = i + 1
				break
			}
		}
	}
	for _, e := range l.entries[start:] {
		l.state, _ = l.apply(l.state, e)
	}
	return len(l.entries) - start
}

// apply folds e into s: window roll, accumulation and pause check. It reports
// whether e paused the ledger.
func (l *Ledger) apply(s State, e Entry) (State, bool) {
	if expired(s, l.window, e.Timestamp) {
		s.WindowStart = e.Timestamp
		s.SpentThisWindow = 0
	}
	s.SpentThisWindow += e.Amount
	s.TotalSpent += e.Amount
	s.LastEntryID = e.ID

	if s.SpentThisWindow > s.HourlyLimit && !s.Paused {
		at := e.Timestamp
		s.Paused = true
		s.PauseReason = fmt.Sprintf("hourly limit %.2f exceeded: spent %.2f", s.HourlyLimit, s.SpentThisWindow)
		s.PausedAt = &at
		return s, true
	}
	return s, false
}

// CostOption attaches optional attribution to a cost entry.
type CostOption func(*Entry)

func WithTask(id string) CostOption   { return func(e *Entry) { e.TaskID = id } }
func WithWorker(id string) CostOption { return func(e *Entry) { e.WorkerID = id } }

// windowExpired reports whether now falls outside the current window.
func (l *Ledger) windowExpired(now time.Time) bool {
	return expired(l.state, l.window, now)
}

func expired(s State, window time.Duration, now time.Time) bool {
	return s.WindowStart.IsZero() || !now.Before(s.WindowStart.Add(window))
}

func (l *Ledger) spentLocked(now time.Time) float64 {
	if l.windowExpired(now) {
		return 0
	}
	return l.state.SpentThisWindow
}

// CheckBudget reports whether estimate fits in what is left of the current
// window and the ledger is not paused. Callers that pass the check may still
// push spend past the limit when they record it.
func (l *Ledger) CheckBudget(estimate float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.Paused {
		return false
	}
	return estimate <= l.state.HourlyLimit-l.spentLocked(l.now())
}

// RecordCost appends a spend entry. Rolling the window, accumulating and the
// pause check happen as one step. Spend is recorded even when it crosses the
// limit; crossing only pauses the ledger. The entry counts once it reaches the
// cost log; a failed state checkpoint is repaired on the next Open.
func (l *Ledger) RecordCost(amount float64, description string, opts ...CostOption) (Entry, error) {
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return Entry{}, fmt.Errorf("record cost: amount %v: %w", amount, errs.ErrInvalid)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e := Entry{
		ID:          generateEntryID(),
		Amount:      amount,
		Description: description,
		Timestamp:   now,
	}
	for _, opt := range opts {
		opt(&e)
	}

	next, newlyPaused := l.apply(l.state, e)

	if err := l.ds.AppendJSONL("", costsFile, e); err != nil {
		return Entry{}, fmt.Errorf("record cost: %w", err)
	}
	l.state = next
	l.entries = append(l.entries, e)
	if err := l.ds.WriteJSON("", stateFile, next); err != nil {
		slog.Warn("save budget state, will replay from cost log", "error", err, "entry_id", e.ID)
	}

	slog.Debug("cost recorded", "amount", amount, "description", description, "spent_in_window", next.SpentThisWindow)
	l.bus.Publish(events.NewTypedEventFor(events.SourceGovernor, events.CostRecordedPayload{
		EntryID:       e.ID,
		Amount:        amount,
		Description:   description,
		TaskID:        e.TaskID,
		WorkerID:      e.WorkerID,
		SpentInWindow: next.SpentThisWindow,
	}, e.TaskID))

	if newlyPaused {
		slog.Warn("budget paused", "reason", next.PauseReason)
		l.bus.Publish(events.NewTypedEvent(events.SourceGovernor, events.BudgetPausedPayload{
			Reason:        next.PauseReason,
			HourlyLimit:   next.HourlyLimit,
			SpentInWindow: next.SpentThisWindow,
		}))
	}
	return e, nil
}

// Resume clears a pause. Window spend is left alone, so CheckBudget may still
// refuse until the window rolls.
func (l *Ledger) Resume(reason string) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.Paused {
		next := l.state
		next.Paused = false
		next.PauseReason = ""
		next.PausedAt = nil
		if err := l.ds.WriteJSON("", stateFile, next); err != nil {
			return Status{}, fmt.Errorf("resume budget: %w", err)
		}
		l.state = next
		slog.Info("budget resumed", "reason", reason)
		l.bus.Publish(events.NewTypedEvent(events.SourceGovernor, events.BudgetResumedPayload{Reason: reason}))
	}
	return l.statusLocked(l.now()), nil
}

// SetHourlyLimit changes the cap. It does not clear an existing pause.
func (l *Ledger) SetHourlyLimit(limit float64) error {
	if limit <= 0 || math.IsNaN(limit) || math.IsInf(limit, 0) {
		return fmt.Errorf("hourly limit %v: %w", limit, errs.ErrInvalid)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.HourlyLimit == limit {
		return nil
	}
	next := l.state
	next.HourlyLimit = limit
	if err := l.ds.WriteJSON("", stateFile, next); err != nil {
		return fmt.Errorf("set hourly limit: %w", err)
	}
	l.state = next
	slog.Info("budget hourly limit changed", "limit", limit)
	return nil
}

// GetBudgetStatus returns the current snapshot plus entries recorded within
// the history horizon.
func (l *Ledger) GetBudgetStatus() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.statusLocked(l.now())
}

func (l *Ledger) statusLocked(now time.Time) Status {
	spent := l.spentLocked(now)
	start := l.state.WindowStart
	if l.windowExpired(now) {
		start = now
	}

	cutoff := now.Add(-l.history)
	recent := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if !e.Timestamp.Before(cutoff) {
			recent = append(recent, e)
		}
	}

	return Status{
		HourlyLimit:     l.state.HourlyLimit,
		WindowStart:     start,
		WindowEnd:       start.Add(l.window),
		SpentThisHour:   spent,
		RemainingBudget: math.Max(l.state.HourlyLimit-spent, 0),
		TotalSpent:      l.state.TotalSpent,
		Paused:          l.state.Paused,
		PauseReason:     l.state.PauseReason,
		PausedAt:        l.state.PausedAt,
		RecentEntries:   recent,
	}
}

// Prune drops in-memory entries older than the history horizon. The cost log
// on disk is never rewritten.
func (l *Ledger) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.pruneLocked(l.now())
}

func (l *Ledger) pruneLocked(now time.Time) int {
	cutoff := now.Add(-l.history)
	i := 0
	for i < len(l.entries) && l.entries[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		l.entries = append([]Entry(nil), l.entries[i:]...)
	}
	return i
}

func generateEntryID() string {
	u := uuid.New().String()
	return "cost_" + strings.ReplaceAll(u[:8], "-", "")
}
