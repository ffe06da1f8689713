// Package heartbeat publishes a liveness file for the overseer gateway that also
// carries a snapshot of the governance state, so `overseer status` can report
// budget, agents and queue depth without a running connection.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Status represents the liveness state of the gateway.
type Status string

const (
	StatusAlive Status = "alive"
	StatusStale Status = "stale"
	StatusDead  Status = "dead"
)

// DefaultMaxAge is how old a heartbeat may be before it is reported stale.
const DefaultMaxAge = 2 * time.Minute

// Governance is the point-in-time view of the safety components.
type Governance struct {
	HourlyLimit      float64        `json:"hourly_limit"`
	SpentThisHour    float64        `json:"spent_this_hour"`
	RemainingBudget  float64        `json:"remaining_budget"`
	BudgetPaused     bool           `json:"budget_paused"`
	ActiveAgents     int            `json:"active_agents"`
	MaxAgents        int            `json:"max_agents"`
	PendingApprovals int            `json:"pending_approvals"`
	Tasks            map[string]int `json:"tasks,omitempty"`
	Convoys          map[string]int `json:"convoys,omitempty"`
}

// SnapshotFunc gathers the governance view for one heartbeat.
type SnapshotFunc func(ctx context.Context) (Governance, error)

// Heartbeat is the data written to the heartbeat file.
type Heartbeat struct {
	PID           int         `json:"pid"`
	Addr          string      `json:"addr,omitempty"`
	StartedAt     time.Time   `json:"started_at"`
	Timestamp     time.Time   `json:"timestamp"`
	Uptime        string      `json:"uptime"`
	Governance    *Governance `json:"governance,omitempty"`
	SnapshotError string      `json:"snapshot_error,omitempty"`
}

// Writer writes the heartbeat file on demand; the serve command drives it from
// the maintenance scheduler.
type Writer struct {
	path     string
	addr     string
	snapshot SnapshotFunc
	started  time.Time

	mu sync.Mutex
}

// NewWriter creates a heartbeat writer. snapshot may be nil.
func NewWriter(path, addr string, snapshot SnapshotFunc) *Writer {
	return &Writer{
		path:     path,
		addr:     addr,
		snapshot: snapshot,
		started:  time.Now(),
	}
}

// Beat writes one heartbeat. A failing snapshot is recorded in the file rather
// than suppressing the liveness signal.
func (w *Writer) Beat(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hb := Heartbeat{
		PID:       os.Getpid(),
		Addr:      w.addr,
		StartedAt: w.started,
		Timestamp: time.Now(),
		Uptime:    time.Since(w.started).Truncate(time.Second).String(),
	}
	if w.snapshot != nil {
		gov, err := w.snapshot(ctx)
		if err != nil {
			slog.Warn("heartbeat snapshot", "error", err)
			hb.SnapshotError = err.Error()
		} else {
			hb.Governance = &gov
		}
	}

	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}

	// Atomic write: tmp + rename
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return os.Rename(tmp, w.path)
}

// Close removes the heartbeat file.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	os.Remove(w.path)
}

// Check reads a heartbeat file and returns the liveness status.
// maxAge determines how old a heartbeat can be before it's considered stale.
func Check(path string, maxAge time.Duration) (Status, *Heartbeat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StatusDead, nil, nil
		}
		return StatusDead, nil, fmt.Errorf("read heartbeat: %w", err)
	}

	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return StatusDead, nil, fmt.Errorf("unmarshal heartbeat: %w", err)
	}

	if time.Since(hb.Timestamp) > maxAge {
		return StatusStale, &hb, nil
	}
	return StatusAlive, &hb, nil
}
