// Package resolver answers prerequisite questions over tasks and convoys. Its
// functions are pure: callers pass a lookup into whichever identifier space is
// being resolved.
package resolver

import (
	"github.com/dohr-michael/overseer/internal/convoys"
)

// CompletedFunc reports whether the entity with the given id is completed. It
// returns an error when the id cannot be resolved.
type CompletedFunc func(id string) (bool, error)

// Unsatisfied returns the subset of ids that are not yet completed, in input
// order. A lookup error aborts the scan.
func Unsatisfied(ids []string, completed CompletedFunc) ([]string, error) {
	var out []string
	for _, id := range ids {
		done, err := completed(id)
		if err != nil {
			return nil, err
		}
		if !done {
			out = append(out, id)
		}
	}
	return out, nil
}

// Satisfied reports whether every id is completed.
func Satisfied(ids []string, completed CompletedFunc) (bool, error) {
	missing, err := Unsatisfied(ids, completed)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// NextReady picks the pending convoy whose prerequisites are all completed with
// the highest priority. Ties go to the earlier creation time, then the lower id.
// Unresolvable prerequisites disqualify a convoy.
func NextReady(candidates []*convoys.Convoy, completed CompletedFunc) (*convoys.Convoy, bool) {
	var best *convoys.Convoy
	for _, c := range candidates {
		if c.Status != convoys.StatusPending {
			continue
		}
		ok, err := Satisfied(c.DependsOn, completed)
		if err != nil || !ok {
			continue
		}
		if best == nil || before(c, best) {
			best = c
		}
	}
	return best, best != nil
}

func before(a, b *convoys.Convoy) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
