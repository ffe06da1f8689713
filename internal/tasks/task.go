// Package tasks owns task records and their lifecycle state machine.
package tasks

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/overseer/internal/errs"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusBlocked    Status = "blocked"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every task status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusBlocked, StatusAssigned, StatusInProgress,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// transitions is the complete table of legal task state changes.
// failed -> pending is only reachable through a retry.
var transitions = map[Status][]Status{
	StatusPending:    {StatusAssigned, StatusBlocked, StatusFailed, StatusCancelled},
	StatusBlocked:    {StatusPending, StatusAssigned, StatusFailed, StatusCancelled},
	StatusAssigned:   {StatusInProgress, StatusBlocked, StatusFailed, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusPending},
	StatusCompleted:  nil,
	StatusCancelled:  nil,
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.TrimSpace(strings.ToLower(s)))
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("task status %q: %w", s, errs.ErrInvalid)
	}
	return st, nil
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// IsTerminal reports whether the status ends the task's lifecycle. Failed is
// terminal except for an explicit retry.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority orders tasks and convoys; higher values are more urgent.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// ParsePriority accepts either a level name or an integer.
func ParsePriority(s string) (Priority, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("priority %q: %w", s, errs.ErrInvalid)
	}
	return Priority(n), nil
}

// StatusChange is one entry of a record's transition history.
type StatusChange struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Config holds the caller-supplied attributes of a new task.
type Config struct {
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	DependsOn       []string `json:"depends_on,omitempty"`
	Priority        Priority `json:"priority,omitempty"`
	Deliverable     string   `json:"deliverable,omitempty"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
	MaxIterations   int      `json:"max_iterations,omitempty"`
	ConvoyID        string   `json:"convoy_id,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

// Task is a unit of assignable work.
type Task struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Status          Status          `json:"status"`
	WorkerClass     string          `json:"worker_class,omitempty"`
	WorkerID        string          `json:"worker_id,omitempty"`
	DependsOn       []string        `json:"depends_on,omitempty"`
	Priority        Priority        `json:"priority"`
	Deliverable     string          `json:"deliverable,omitempty"`
	SuccessCriteria []string        `json:"success_criteria,omitempty"`
	IterationCount  int             `json:"iteration_count"`
	MaxIterations   int             `json:"max_iterations"`
	ConvoyID        string          `json:"convoy_id,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	AssignedAt      *time.Time      `json:"assigned_at,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	History         []StatusChange  `json:"history,omitempty"`
}

// New builds a pending task from cfg. defaultMaxIterations applies when cfg
// leaves the ceiling unset.
func New(cfg Config, defaultMaxIterations int) *Task {
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	prio := cfg.Priority
	if prio == 0 {
		prio = PriorityNormal
	}
	return &Task{
		ID:              GenerateTaskID(),
		Name:            cfg.Name,
		Description:     cfg.Description,
		Status:          StatusPending,
		DependsOn:       slices.Clone(cfg.DependsOn),
		Priority:        prio,
		Deliverable:     cfg.Deliverable,
		SuccessCriteria: slices.Clone(cfg.SuccessCriteria),
		MaxIterations:   maxIter,
		ConvoyID:        cfg.ConvoyID,
		Tags:            slices.Clone(cfg.Tags),
	}
}

// Transition moves the task to a new status and appends a history entry.
func (t *Task) Transition(to Status, reason string, at time.Time) error {
	if !CanTransition(t.Status, to) {
		return errs.Transition("task", t.ID, t.Status, to)
	}
	t.History = append(t.History, StatusChange{From: t.Status, To: to, At: at, Reason: reason})
	t.Status = to
	return nil
}

// RecordIteration counts one more attempt. It never fails: crossing the ceiling
// only flags the task for escalation.
func (t *Task) RecordIteration() {
	t.IterationCount++
}

// IterationInfo summarizes a task's retry budget.
type IterationInfo struct {
	TaskID       string `json:"task_id"`
	Current      int    `json:"current"`
	Max          int    `json:"max"`
	Remaining    int    `json:"remaining"`
	LimitReached bool   `json:"limit_reached"`
}

// Iterations returns the task's retry budget.
func (t *Task) Iterations() IterationInfo {
	return IterationInfo{
		TaskID:       t.ID,
		Current:      t.IterationCount,
		Max:          t.MaxIterations,
		Remaining:    max(t.MaxIterations-t.IterationCount, 0),
		LimitReached: t.IterationCount >= t.MaxIterations,
	}
}

// HasTags reports whether the task carries every tag in want.
func (t *Task) HasTags(want []string) bool {
	for _, tag := range want {
		if !slices.Contains(t.Tags, tag) {
			return false
		}
	}
	return true
}

// GenerateTaskID creates a unique task identifier.
func GenerateTaskID() string {
	u := uuid.New().String()
	return "task_" + strings.ReplaceAll(u[:8], "-", "")
}
