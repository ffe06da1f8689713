package approvals

import (
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/dohr-michael/overseer/internal/errs"
	"github.com/dohr-michael/overseer/internal/events"
)

// DefaultTTL is how long a request stays pending when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// Config holds the collaborators of a Workflow.
type Config struct {
	Store Store
	TTL   time.Duration // 0 = DefaultTTL
	Bus   events.Publisher
	Now   func() time.Time
}

// Workflow creates, resolves and expires approval requests.
type Workflow struct {
	store Store
	ttl   time.Duration
	bus   events.Publisher
	now   func() time.Time
}

func NewWorkflow(cfg Config) *Workflow {
	w := &Workflow{store: cfg.Store, ttl: cfg.TTL, bus: cfg.Bus, now: cfg.Now}
	if w.ttl <= 0 {
		w.ttl = DefaultTTL
	}
	if w.bus == nil {
		w.bus = events.Discard
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

// RequestOption sets optional request attributes.
type RequestOption func(*Request)

func WithTask(id string) RequestOption    { return func(r *Request) { r.TaskID = id } }
func WithWorker(id string) RequestOption  { return func(r *Request) { r.WorkerID = id } }
func WithPriority(p int) RequestOption    { return func(r *Request) { r.Priority = p } }
func WithCategory(c string) RequestOption { return func(r *Request) { r.Category = c } }

// WithTTL overrides the configured time-to-live for one request.
func WithTTL(d time.Duration) RequestOption {
	return func(r *Request) {
		if d > 0 {
			r.ExpiresAt = r.CreatedAt.Add(d)
		}
	}
}

// StatusView is a request plus the time left before it expires.
type StatusView struct {
	*Request
	TimeRemainingSeconds float64 `json:"time_remaining_seconds,omitempty"`
}

// RequestHumanApproval opens a pending request.
func (w *Workflow) RequestHumanApproval(reason string, context map[string]any, opts ...RequestOption) (*Request, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("request approval: reason is required: %w", errs.ErrInvalid)
	}

	now := w.now()
	r := &Request{
		ID:        GenerateID(),
		Reason:    reason,
		Context:   maps.Clone(context),
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(w.ttl),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := w.store.Create(r); err != nil {
		return nil, fmt.Errorf("request approval: %w", err)
	}

	slog.Info("approval requested", "approval_id", r.ID, "reason", reason, "task_id", r.TaskID, "category", r.Category)
	w.bus.Publish(events.NewTypedEventFor(events.SourceGovernor, events.ApprovalRequestedPayload{
		ApprovalID: r.ID,
		Reason:     r.Reason,
		Category:   r.Category,
		TaskID:     r.TaskID,
		Priority:   r.Priority,
	}, r.ID))
	return r, nil
}

// GetApprovalStatus returns the request, expiring it first if its TTL passed.
func (w *Workflow) GetApprovalStatus(id string) (*StatusView, error) {
	r, err := w.store.Get(id)
	if err != nil {
		return nil, err
	}
	now := w.now()
	if r.due(now) {
		if r, err = w.expire(id); err != nil {
			return nil, err
		}
	}

	v := &StatusView{Request: r}
	if r.Status == StatusPending {
		v.TimeRemainingSeconds = r.ExpiresAt.Sub(now).Seconds()
	}
	return v, nil
}

// ListPendingApprovals returns open requests, most urgent first. Requests
// found past their TTL are expired instead of listed.
func (w *Workflow) ListPendingApprovals() ([]*Request, error) {
	pending, err := w.store.List(StatusPending)
	if err != nil {
		return nil, err
	}
	now := w.now()
	out := pending[:0]
	for _, r := range pending {
		if r.due(now) {
			if _, err := w.expire(r.ID); err != nil {
				slog.Warn("expire approval", "error", err, "approval_id", r.ID)
			}
			continue
		}
		out = append(out, r)
	}
	sortPending(out)
	return out, nil
}

// ResolveApproval approves or rejects a pending request exactly once. A request
// that is no longer pending keeps its first decision.
func (w *Workflow) ResolveApproval(id string, approved bool, notes string) (*Request, error) {
	var expired bool
	r, err := w.store.Mutate(id, func(r *Request) error {
		now := w.now()
		if r.due(now) {
			r.Status = StatusExpired
			r.ResolvedAt = &now
			expired = true
			return nil
		}
		if r.Status != StatusPending {
			return errs.Transition("approval", id, r.Status, "resolved")
		}
		r.Status = StatusRejected
		if approved {
			r.Status = StatusApproved
		}
		r.ReviewerNotes = notes
		r.ResolvedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		w.publishResolved(r)
		return nil, errs.Transition("approval", id, StatusExpired, "resolved")
	}

	slog.Info("approval resolved", "approval_id", id, "status", r.Status)
	w.publishResolved(r)
	return r, nil
}

// Consume spends an approved request on one gated action. The request must
// carry the given category and task id, and can be consumed only once.
func (w *Workflow) Consume(id, category, taskID string) (*Request, error) {
	r, err := w.store.Mutate(id, func(r *Request) error {
		if r.Status != StatusApproved {
			return fmt.Errorf("approval %s is %s: %w", id, r.Status, errs.ErrPreconditionFailed)
		}
		if r.Category != category {
			return fmt.Errorf("approval %s has category %q, want %q: %w", id, r.Category, category, errs.ErrPreconditionFailed)
		}
		if r.TaskID != taskID {
			return fmt.Errorf("approval %s covers task %q, not %s: %w", id, r.TaskID, taskID, errs.ErrPreconditionFailed)
		}
		if r.ConsumedAt != nil {
			return fmt.Errorf("approval %s already used at %s: %w", id, r.ConsumedAt.Format(time.RFC3339), errs.ErrConflict)
		}
		now := w.now()
		r.ConsumedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("approval consumed", "approval_id", id, "category", category, "task_id", taskID)
	return r, nil
}

// ExpireStale expires every pending request past its TTL and returns how many
// it expired.
func (w *Workflow) ExpireStale() (int, error) {
	pending, err := w.store.List(StatusPending)
	if err != nil {
		return 0, err
	}
	now := w.now()
	n := 0
	for _, r := range pending {
		if !r.due(now) {
			continue
		}
		if _, err := w.expire(r.ID); err != nil {
			slog.Warn("expire approval", "error", err, "approval_id", r.ID)
			continue
		}
		n++
	}
	if n > 0 {
		slog.Info("approvals expired", "count", n)
	}
	return n, nil
}

// expire marks a request expired if it is still pending and due. It returns
// the stored request either way.
func (w *Workflow) expire(id string) (*Request, error) {
	changed := false
	r, err := w.store.Mutate(id, func(r *Request) error {
		now := w.now()
		if r.due(now) {
			r.Status = StatusExpired
			r.ResolvedAt = &now
			changed = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		slog.Info("approval expired", "approval_id", id)
		w.publishResolved(r)
	}
	return r, nil
}

func (w *Workflow) publishResolved(r *Request) {
	w.bus.Publish(events.NewTypedEventFor(events.SourceGovernor, events.ApprovalResolvedPayload{
		ApprovalID: r.ID,
		Status:     string(r.Status),
		Notes:      r.ReviewerNotes,
	}, r.ID))
}
