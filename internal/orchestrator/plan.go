package orchestrator

import (
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dohr-michael/overseer/internal/convoys"
	"github.com/dohr-michael/overseer/internal/errs"
	"github.com/dohr-michael/overseer/internal/resolver"
	"github.com/dohr-michael/overseer/internal/tasks"
)

// Plan is a YAML document describing one convoy and its tasks. Tasks refer to
// each other by Key; a depends_on entry that is not a key in the plan must be
// the id of an existing task.
//
//	name: release-1.2
//	worker_class: builder
//	priority: high
//	tasks:
//	  - key: build
//	    name: Build artifacts
//	  - key: publish
//	    name: Publish
//	    depends_on: [build]
type Plan struct {
	Name               string     `yaml:"name"`
	Description        string     `yaml:"description"`
	WorkerClass        string     `yaml:"worker_class"`
	Priority           string     `yaml:"priority"`
	DependsOn          []string   `yaml:"depends_on"`
	Deliverables       []string   `yaml:"deliverables"`
	CompletionCriteria []string   `yaml:"completion_criteria"`
	Tasks              []PlanTask `yaml:"tasks"`
}

// PlanTask is one task entry of a Plan.
type PlanTask struct {
	Key             string   `yaml:"key"`
	Name            string   `yaml:"name"`
	Description     string   `yaml:"description"`
	DependsOn       []string `yaml:"depends_on"`
	Priority        string   `yaml:"priority"`
	Deliverable     string   `yaml:"deliverable"`
	SuccessCriteria []string `yaml:"success_criteria"`
	MaxIterations   int      `yaml:"max_iterations"`
	Tags            []string `yaml:"tags"`
}

// PlanResult is the outcome of ImportPlan.
type PlanResult struct {
	Convoy *convoys.View     `json:"convoy"`
	Tasks  map[string]string `json:"tasks"` // plan key -> task id
}

// ParsePlan decodes and validates a plan document.
func ParsePlan(data []byte) (*Plan, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("parse plan: empty document: %w", errs.ErrInvalid)
	}
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %v: %w", err, errs.ErrInvalid)
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("parse plan: name is required: %w", errs.ErrInvalid)
	}
	seen := make(map[string]bool, len(p.Tasks))
	for i, t := range p.Tasks {
		if t.Key == "" || t.Name == "" {
			return nil, fmt.Errorf("parse plan: task #%d needs a key and a name: %w", i+1, errs.ErrInvalid)
		}
		if seen[t.Key] {
			return nil, fmt.Errorf("parse plan: duplicate task key %q: %w", t.Key, errs.ErrInvalid)
		}
		seen[t.Key] = true
	}
	return &p, nil
}

// order returns plan task keys with prerequisites first. External task ids
// are left out of the graph.
func (p *Plan) order() ([]string, error) {
	local := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		local[t.Key] = true
	}
	nodes := make([]resolver.Node, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		var needs []string
		for _, dep := range t.DependsOn {
			if local[dep] {
				needs = append(needs, dep)
			}
		}
		nodes = append(nodes, resolver.Node{ID: t.Key, Needs: needs})
	}
	g, err := resolver.NewGraph(nodes)
	if err != nil {
		return nil, err
	}
	return g.TopologicalOrder(), nil
}

// ImportPlan creates the convoy described by a YAML plan, then its tasks in
// dependency order.
func (o *Orchestrator) ImportPlan(data []byte) (*PlanResult, error) {
	p, err := ParsePlan(data)
	if err != nil {
		return nil, err
	}
	order, err := p.order()
	if err != nil {
		return nil, fmt.Errorf("import plan %s: %w", p.Name, err)
	}
	convoyPrio, err := tasks.ParsePriority(p.Priority)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]PlanTask, len(p.Tasks))
	for _, t := range p.Tasks {
		byKey[t.Key] = t
	}
	for _, t := range p.Tasks {
		if _, err := tasks.ParsePriority(t.Priority); err != nil {
			return nil, fmt.Errorf("import plan %s: task %s: %w", p.Name, t.Key, err)
		}
		for _, dep := range t.DependsOn {
			if _, local := byKey[dep]; local {
				continue
			}
			if _, err := o.tasks.Get(dep); err != nil {
				return nil, fmt.Errorf("import plan %s: task %s: %w", p.Name, t.Key, err)
			}
		}
	}

	cv, err := o.CreateConvoy(convoys.Config{
		Name:               p.Name,
		Description:        p.Description,
		DependsOn:          p.DependsOn,
		WorkerClass:        p.WorkerClass,
		Priority:           convoyPrio,
		Deliverables:       p.Deliverables,
		CompletionCriteria: p.CompletionCriteria,
	})
	if err != nil {
		return nil, fmt.Errorf("import plan %s: %w", p.Name, err)
	}

	ids := make(map[string]string, len(order))
	for _, key := range order {
		pt := byKey[key]
		deps := make([]string, 0, len(pt.DependsOn))
		for _, dep := range pt.DependsOn {
			if id, ok := ids[dep]; ok {
				deps = append(deps, id)
			} else {
				deps = append(deps, dep)
			}
		}
		prio, _ := tasks.ParsePriority(pt.Priority)
		t, err := o.CreateTask(tasks.Config{
			Name:            pt.Name,
			Description:     pt.Description,
			DependsOn:       deps,
			Priority:        prio,
			Deliverable:     pt.Deliverable,
			SuccessCriteria: pt.SuccessCriteria,
			MaxIterations:   pt.MaxIterations,
			ConvoyID:        cv.ID,
			Tags:            pt.Tags,
		})
		if err != nil {
			return nil, fmt.Errorf("import plan %s: task %s: %w", p.Name, key, err)
		}
		ids[key] = t.ID
	}

	slog.Info("plan imported", "convoy_id", cv.ID, "name", p.Name, "tasks", len(ids))
	view, err := o.GetConvoy(cv.ID)
	if err != nil {
		return nil, err
	}
	return &PlanResult{Convoy: view, Tasks: ids}, nil
}
