package resolver

import (
	"fmt"
	"sort"

	"github.com/dohr-michael/overseer/internal/errs"
)

// Node is one vertex of a prerequisite graph.
type Node struct {
	ID    string
	Needs []string
}

// Graph is a validated acyclic prerequisite graph.
type Graph struct {
	order []string // topological order
}

// NewGraph builds a Graph using Kahn's algorithm. It fails with ErrNotFound when
// a node needs an unknown id and with ErrPreconditionFailed when the graph
// contains a cycle.
func NewGraph(nodes []Node) (*Graph, error) {
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		known[n.ID] = true
	}

	inDegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		inDegree[n.ID] += 0
		for _, need := range n.Needs {
			if !known[need] {
				return nil, fmt.Errorf("%q depends on unknown %q: %w", n.ID, need, errs.ErrNotFound)
			}
			inDegree[n.ID]++
			dependents[need] = append(dependents[need], n.ID)
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(known) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("dependency cycle among %v: %w", stuck, errs.ErrPreconditionFailed)
	}

	return &Graph{order: order}, nil
}

// DetectCycle reports the cycle error NewGraph would return, if any.
func DetectCycle(nodes []Node) error {
	_, err := NewGraph(nodes)
	return err
}

// TopologicalOrder returns node ids with every prerequisite before its dependents.
func (g *Graph) TopologicalOrder() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}
