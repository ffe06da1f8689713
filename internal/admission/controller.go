// Package admission caps how many workers may be active at once.
package admission

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dohr-michael/overseer/internal/errs"
	"github.com/dohr-michael/overseer/internal/events"
)

// DefaultMaxParallel is the ceiling used when none is configured.
const DefaultMaxParallel = 5

// Worker is an active worker record. It lives only in memory.
type Worker struct {
	ID          string    `json:"id"`
	WorkerClass string    `json:"worker_class"`
	StartedAt   time.Time `json:"started_at"`
	TaskID      string    `json:"task_id,omitempty"`
}

// Controller tracks the active worker set.
type Controller struct {
	mu     sync.RWMutex
	max    int
	active map[string]Worker
	bus    events.Publisher
	now    func() time.Time
}

// NewController creates a Controller. max <= 0 selects DefaultMaxParallel.
func NewController(max int, bus events.Publisher) *Controller {
	if max <= 0 {
		max = DefaultMaxParallel
	}
	if bus == nil {
		bus = events.Discard
	}
	return &Controller{
		max:    max,
		active: make(map[string]Worker),
		bus:    bus,
		now:    time.Now,
	}
}

// CheckParallelAgents reports whether another worker may be admitted.
func (c *Controller) CheckParallelAgents() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.active) < c.max
}

// RegisterAgent admits a worker. Registering an id that is already active
// returns its record unchanged; a new id fails with ErrLimitExceeded when the
// controller is full.
func (c *Controller) RegisterAgent(id, workerClass, taskID string) (Worker, error) {
	if id == "" {
		return Worker{}, fmt.Errorf("register agent: id is required: %w", errs.ErrInvalid)
	}

	c.mu.Lock()
	if w, ok := c.active[id]; ok {
		c.mu.Unlock()
		return w, nil
	}
	if len(c.active) >= c.max {
		n := len(c.active)
		c.mu.Unlock()
		return Worker{}, fmt.Errorf("register agent %s: %d of %d active: %w", id, n, c.max, errs.ErrLimitExceeded)
	}
	w := Worker{ID: id, WorkerClass: workerClass, StartedAt: c.now(), TaskID: taskID}
	c.active[id] = w
	n := len(c.active)
	c.mu.Unlock()

	slog.Info("agent registered", "agent_id", id, "worker_class", workerClass, "active", n)
	c.bus.Publish(events.NewTypedEventFor(events.SourceGovernor, events.AgentRegisteredPayload{
		AgentID:     id,
		WorkerClass: workerClass,
		TaskID:      taskID,
		Active:      n,
	}, id))
	return w, nil
}

// UnregisterAgent releases a worker slot. Unknown ids are ignored.
func (c *Controller) UnregisterAgent(id string) {
	c.mu.Lock()
	if _, ok := c.active[id]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.active, id)
	n := len(c.active)
	c.mu.Unlock()

	slog.Info("agent unregistered", "agent_id", id, "active", n)
	c.bus.Publish(events.NewTypedEventFor(events.SourceGovernor, events.AgentUnregisteredPayload{
		AgentID: id,
		Active:  n,
	}, id))
}

// IsActive reports whether id holds a slot.
func (c *Controller) IsActive(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.active[id]
	return ok
}

func (c *Controller) GetActiveAgentCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.active)
}

// ListActiveAgents returns active workers, longest running first.
func (c *Controller) ListActiveAgents() []Worker {
	c.mu.RLock()
	out := make([]Worker, 0, len(c.active))
	for _, w := range c.active {
		out = append(out, w)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Max returns the current ceiling.
func (c *Controller) Max() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.max
}

// SetMax changes the ceiling. Workers already admitted stay admitted even when
// the new ceiling is lower.
func (c *Controller) SetMax(max int) {
	if max <= 0 {
		max = DefaultMaxParallel
	}
	c.mu.Lock()
	c.max = max
	c.mu.Unlock()
	slog.Info("agent ceiling changed", "max", max)
}
