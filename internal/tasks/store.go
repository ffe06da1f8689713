package tasks

// ListFilter defines criteria for filtering task lists. Zero-valued fields match
// everything; Tags must all be present.
type ListFilter struct {
	Status      Status   `json:"status,omitempty"`
	WorkerClass string   `json:"worker_class,omitempty"`
	ConvoyID    string   `json:"convoy_id,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	DependsOn   string   `json:"depends_on,omitempty"`
	Offset      int      `json:"offset,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

// Match reports whether t satisfies the filter's predicates (pagination aside).
func (f ListFilter) Match(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.WorkerClass != "" && t.WorkerClass != f.WorkerClass {
		return false
	}
	if f.ConvoyID != "" && t.ConvoyID != f.ConvoyID {
		return false
	}
	if f.DependsOn != "" {
		found := false
		for _, dep := range t.DependsOn {
			if dep == f.DependsOn {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return t.HasTags(f.Tags)
}

// Store defines the persistence interface for tasks. Mutate runs fn on the
// current record under the store's write lock and persists the result only when
// fn returns nil.
type Store interface {
	Create(t *Task) error
	Get(id string) (*Task, error)
	List(filter ListFilter) ([]*Task, error)
	Mutate(id string, fn func(t *Task) error) (*Task, error)
}
