package plan

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError lists every structural problem found in a plan.
type ValidationError struct {
	Problems []string
}

// Error implements error.
func (e *ValidationError) Error() string {
	if e == nil || len(e.Problems) == 0 {
		return "invalid plan"
	}
	return "invalid plan: " + strings.Join(e.Problems, "; ")
}

// Validate checks the structural invariants of p: at least one node, unique
// node ids, capabilities from the closed set (and registered, when registered
// is non-nil), edges referencing declared nodes, no self loops, no cycles and
// parsable edge conditions. It returns a *ValidationError listing all
// problems, or nil.
func Validate(p *Plan, registered func(Capability) bool) error {
	if p == nil || len(p.Nodes) == 0 {
		return &ValidationError{Problems: []string{"plan has no nodes"}}
	}
	var problems []string
	ids := make(map[string]struct{}, len(p.Nodes))
	for i, n := range p.Nodes {
		if strings.TrimSpace(n.ID) == "" {
			problems = append(problems, fmt.Sprintf("node %d has an empty id", i))
			continue
		}
		if _, dup := ids[n.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		ids[n.ID] = struct{}{}
		switch {
		case !n.Capability.Valid():
			problems = append(problems, fmt.Sprintf("node %q has unknown capability %q", n.ID, n.Capability))
		case registered != nil && !registered(n.Capability):
			problems = append(problems, fmt.Sprintf("node %q uses capability %q which has no executor", n.ID, n.Capability))
		}
	}
	for _, e := range p.Edges {
		if _, ok := ids[e.From]; !ok {
			problems = append(problems, fmt.Sprintf("edge %s->%s references undeclared node %q", e.From, e.To, e.From))
		}
		if _, ok := ids[e.To]; !ok {
			problems = append(problems, fmt.Sprintf("edge %s->%s references undeclared node %q", e.From, e.To, e.To))
		}
		if e.From == e.To {
			problems = append(problems, fmt.Sprintf("edge %s->%s is a self loop", e.From, e.To))
		}
		if e.Condition != "" {
			if err := CheckCondition(e.Condition); err != nil {
				problems = append(problems, fmt.Sprintf("edge %s->%s: %v", e.From, e.To, err))
			}
		}
	}
	if len(problems) == 0 {
		if _, err := TopoOrder(p); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// TopoOrder returns the node ids of p in topological order. Ties are broken by
// declaration order so the result is deterministic. It returns an error naming
// the nodes involved when the edge set contains a cycle.
func TopoOrder(p *Plan) ([]string, error) {
	indegree := make(map[string]int, len(p.Nodes))
	successors := make(map[string][]string, len(p.Nodes))
	position := make(map[string]int, len(p.Nodes))
	for i, n := range p.Nodes {
		indegree[n.ID] = 0
		position[n.ID] = i
	}
	seen := make(map[[2]string]struct{}, len(p.Edges))
	for _, e := range p.Edges {
		key := [2]string{e.From, e.To}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		indegree[e.To]++
		successors[e.From] = append(successors[e.From], e.To)
	}

	var ready []string
	for _, n := range p.Nodes {
		if indegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}
	order := make([]string, 0, len(p.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, succ := range successors[id] {
			indegree[succ]--
			if indegree[succ] == 0 {
				ready = append(ready, succ)
				slices.SortStableFunc(ready, func(a, b string) int { return position[a] - position[b] })
			}
		}
	}
	if len(order) < len(p.Nodes) {
		var cyclic []string
		for _, n := range p.Nodes {
			if indegree[n.ID] > 0 {
				cyclic = append(cyclic, n.ID)
			}
		}
		return nil, fmt.Errorf("plan contains a cycle through %s", strings.Join(cyclic, ", "))
	}
	return order, nil
}
