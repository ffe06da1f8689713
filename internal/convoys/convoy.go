// Package convoys owns convoy records: named, prioritized groups of tasks that
// make up one coordinated deliverable.
package convoys

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/overseer/internal/errs"
	"github.com/dohr-michael/overseer/internal/tasks"
)

// Status represents the lifecycle state of a convoy.
type Status string

const (
	StatusPending    Status = "pending"
	StatusBlocked    Status = "blocked"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusBlocked, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled},
	StatusBlocked:    {StatusPending, StatusInProgress, StatusFailed, StatusCancelled},
	StatusInProgress: {StatusBlocked, StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:  nil,
	StatusFailed:     nil,
	StatusCancelled:  nil,
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.TrimSpace(strings.ToLower(s)))
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("convoy status %q: %w", s, errs.ErrInvalid)
	}
	return st, nil
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// AcceptsMembers reports whether task membership may still change.
func (s Status) AcceptsMembers() bool {
	return s == StatusPending || s == StatusBlocked || s == StatusInProgress
}

// StatusChange is one entry of a convoy's transition history.
type StatusChange struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Config holds the caller-supplied attributes of a new convoy.
type Config struct {
	Name               string         `json:"name"`
	Description        string         `json:"description,omitempty"`
	TaskIDs            []string       `json:"task_ids,omitempty"`
	DependsOn          []string       `json:"depends_on,omitempty"`
	WorkerClass        string         `json:"worker_class,omitempty"`
	Priority           tasks.Priority `json:"priority,omitempty"`
	Deliverables       []string       `json:"deliverables,omitempty"`
	CompletionCriteria []string       `json:"completion_criteria,omitempty"`
}

// Convoy is a dependency-ordered group of tasks.
type Convoy struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Description        string         `json:"description,omitempty"`
	Status             Status         `json:"status"`
	TaskIDs            []string       `json:"task_ids"`
	DependsOn          []string       `json:"depends_on,omitempty"`
	WorkerClass        string         `json:"worker_class,omitempty"`
	Priority           tasks.Priority `json:"priority"`
	Deliverables       []string       `json:"deliverables,omitempty"`
	CompletionCriteria []string       `json:"completion_criteria,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	Error              string         `json:"error,omitempty"`
	History            []StatusChange `json:"history,omitempty"`
}

// New builds a pending convoy from cfg.
func New(cfg Config) *Convoy {
	prio := cfg.Priority
	if prio == 0 {
		prio = tasks.PriorityNormal
	}
	members := slices.Clone(cfg.TaskIDs)
	if members == nil {
		members = []string{}
	}
	return &Convoy{
		ID:                 GenerateConvoyID(),
		Name:               cfg.Name,
		Description:        cfg.Description,
		Status:             StatusPending,
		TaskIDs:            members,
		DependsOn:          slices.Clone(cfg.DependsOn),
		WorkerClass:        cfg.WorkerClass,
		Priority:           prio,
		Deliverables:       slices.Clone(cfg.Deliverables),
		CompletionCriteria: slices.Clone(cfg.CompletionCriteria),
	}
}

// Transition moves the convoy to a new status and appends a history entry.
func (c *Convoy) Transition(to Status, reason string, at time.Time) error {
	if !CanTransition(c.Status, to) {
		return errs.Transition("convoy", c.ID, c.Status, to)
	}
	c.History = append(c.History, StatusChange{From: c.Status, To: to, At: at, Reason: reason})
	c.Status = to
	return nil
}

// AddTask appends a member; adding an existing member is a no-op.
func (c *Convoy) AddTask(taskID string) error {
	if !c.Status.AcceptsMembers() {
		return fmt.Errorf("convoy %s is %s: %w", c.ID, c.Status, errs.ErrInvalidTransition)
	}
	if !slices.Contains(c.TaskIDs, taskID) {
		c.TaskIDs = append(c.TaskIDs, taskID)
	}
	return nil
}

// RemoveTask drops a member.
func (c *Convoy) RemoveTask(taskID string) error {
	if !c.Status.AcceptsMembers() {
		return fmt.Errorf("convoy %s is %s: %w", c.ID, c.Status, errs.ErrInvalidTransition)
	}
	i := slices.Index(c.TaskIDs, taskID)
	if i < 0 {
		return fmt.Errorf("task %s in convoy %s: %w", taskID, c.ID, errs.ErrNotFound)
	}
	c.TaskIDs = slices.Delete(c.TaskIDs, i, i+1)
	return nil
}

// GenerateConvoyID creates a unique convoy identifier.
func GenerateConvoyID() string {
	u := uuid.New().String()
	return "convoy_" + strings.ReplaceAll(u[:8], "-", "")
}
