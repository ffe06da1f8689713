// Package approvals manages asynchronous human approval requests. A request is
// resolved at most once; unresolved requests expire after a time-to-live.
package approvals

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Request is a single approval request.
type Request struct {
	ID            string         `json:"id"`
	Reason        string         `json:"reason"`
	Context       map[string]any `json:"context,omitempty"`
	Status        Status         `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`
	ReviewerNotes string         `json:"reviewer_notes,omitempty"`
	TaskID        string         `json:"task_id,omitempty"`
	WorkerID      string         `json:"worker_id,omitempty"`
	Priority      int            `json:"priority"`
	Category      string         `json:"category,omitempty"`
	ConsumedAt    *time.Time     `json:"consumed_at,omitempty"`
}

// due reports whether a pending request has outlived its TTL at now.
func (r *Request) due(now time.Time) bool {
	return r.Status == StatusPending && !now.Before(r.ExpiresAt)
}

// sortPending orders requests by priority descending, then oldest first.
func sortPending(reqs []*Request) {
	slices.SortFunc(reqs, func(a, b *Request) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// GenerateID creates a unique approval identifier.
func GenerateID() string {
	u := uuid.New().String()
	return "apr_" + strings.ReplaceAll(u[:8], "-", "")
}
