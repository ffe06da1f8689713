package convoys

// ListFilter defines criteria for filtering convoy lists.
type ListFilter struct {
	Status   Status `json:"status,omitempty"`
	Contains string `json:"contains,omitempty"` // member task id
}

// Store defines the persistence interface for convoys.
type Store interface {
	Create(c *Convoy) error
	Get(id string) (*Convoy, error)
	List(filter ListFilter) ([]*Convoy, error)
	Mutate(id string, fn func(c *Convoy) error) (*Convoy, error)
}
