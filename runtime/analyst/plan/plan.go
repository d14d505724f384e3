// Package plan defines the directed execution plan consumed by the
// orchestrator.
//
// A Plan is a DAG of typed steps (nodes) connected by edges. An edge may carry
// a boolean condition evaluated against the scalar metadata returned by the
// producing node; nodes only reachable through edges whose condition is false
// are skipped rather than executed.
package plan

import (
	"fmt"
	"slices"
	"strings"
)

type (
	// Capability names the class of step executor that runs a node. The set is
	// closed: plans naming anything else are rejected during validation.
	Capability string

	// Node is a single plan step.
	Node struct {
		// ID uniquely identifies the node within the plan (e.g. "S1").
		ID string `json:"id" yaml:"id"`
		// Capability selects the executor.
		Capability Capability `json:"capability" yaml:"capability"`
		// SubGoal is the natural-language instruction handed to the executor.
		SubGoal string `json:"sub_goal" yaml:"sub_goal"`
		// InputIDs lists artifact ids that must be produced by predecessors.
		InputIDs []string `json:"input_ids,omitempty" yaml:"input_ids,omitempty"`
		// OutputIDs lists the logical ids this node produces.
		OutputIDs []string `json:"output_ids,omitempty" yaml:"output_ids,omitempty"`
	}

	// Edge connects two nodes. An empty Condition is always taken.
	Edge struct {
		From      string `json:"from" yaml:"from"`
		To        string `json:"to" yaml:"to"`
		Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	}

	// Plan is a DAG of nodes and edges.
	Plan struct {
		Nodes []Node `json:"nodes" yaml:"nodes"`
		Edges []Edge `json:"edges,omitempty" yaml:"edges,omitempty"`
	}
)

const (
	// CapabilityData retrieves, filters and reshapes tabular data.
	CapabilityData Capability = "data"
	// CapabilityAnalysis runs statistical computations.
	CapabilityAnalysis Capability = "analysis"
	// CapabilityVisualization renders charts and tables.
	CapabilityVisualization Capability = "visualization"
)

// Capabilities lists every known capability in declaration order.
var Capabilities = []Capability{CapabilityData, CapabilityAnalysis, CapabilityVisualization}

// legacyAgentNames maps the agent names used by flat plans onto capabilities.
var legacyAgentNames = map[string]Capability{
	"dataagent":          CapabilityData,
	"analysisagent":      CapabilityAnalysis,
	"visualizationagent": CapabilityVisualization,
}

// ParseCapability maps a capability name (or a legacy agent name such as
// "DataAgent") onto the closed Capability set.
func ParseCapability(name string) (Capability, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, c := range Capabilities {
		if string(c) == n {
			return c, nil
		}
	}
	if c, ok := legacyAgentNames[n]; ok {
		return c, nil
	}
	return "", fmt.Errorf("unknown capability %q", name)
}

// Valid reports whether c is a member of the closed capability set.
func (c Capability) Valid() bool {
	return slices.Contains(Capabilities, c)
}

// Node returns the node with the given id.
func (p *Plan) Node(id string) (Node, bool) {
	if p == nil {
		return Node{}, false
	}
	for _, n := range p.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Outgoing returns the edges leaving id in declaration order.
func (p *Plan) Outgoing(id string) []Edge {
	var out []Edge
	for _, e := range p.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// Incoming returns the edges entering id in declaration order.
func (p *Plan) Incoming(id string) []Edge {
	var out []Edge
	for _, e := range p.Edges {
		if e.To == id {
			out = append(out, e)
		}
	}
	return out
}

// Replace returns a copy of p where the node sharing fixed.ID is replaced by
// fixed. It returns an error when no such node exists.
func (p *Plan) Replace(fixed Node) (*Plan, error) {
	out := p.Clone()
	for i, n := range out.Nodes {
		if n.ID == fixed.ID {
			out.Nodes[i] = cloneNode(fixed)
			return out, nil
		}
	}
	return nil, fmt.Errorf("node %q not found in plan", fixed.ID)
}

// Clone returns a deep copy of p.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := &Plan{
		Nodes: make([]Node, len(p.Nodes)),
		Edges: slices.Clone(p.Edges),
	}
	for i, n := range p.Nodes {
		out.Nodes[i] = cloneNode(n)
	}
	return out
}

// String renders a compact, human-readable form used in prompts and logs.
func (p *Plan) String() string {
	if p == nil {
		return "<nil plan>"
	}
	var b strings.Builder
	for i, n := range p.Nodes {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s[%s] %q in=%v out=%v", n.ID, n.Capability, n.SubGoal, n.InputIDs, n.OutputIDs)
	}
	for _, e := range p.Edges {
		b.WriteString("; ")
		if e.Condition != "" {
			fmt.Fprintf(&b, "%s->%s if %s", e.From, e.To, e.Condition)
		} else {
			fmt.Fprintf(&b, "%s->%s", e.From, e.To)
		}
	}
	return b.String()
}

func cloneNode(n Node) Node {
	n.InputIDs = slices.Clone(n.InputIDs)
	n.OutputIDs = slices.Clone(n.OutputIDs)
	return n
}
