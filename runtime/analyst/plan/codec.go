package plan

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

type (
	// legacyPlan is the flat, sequential plan format emitted by earlier
	// planners: {"plan": [{"id", "agent", "sub_query", "inputs", "outputs"}]}.
	legacyPlan struct {
		Plan []legacyStep `json:"plan"`
	}

	legacyStep struct {
		ID       string   `json:"id"`
		Agent    string   `json:"agent"`
		SubQuery string   `json:"sub_query"`
		Inputs   []string `json:"inputs"`
		Outputs  []string `json:"outputs"`
	}
)

//go:embed plan.schema.json
var planSchemaJSON []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// Decode parses a plan document. JSON documents are validated against the
// plan JSON Schema before decoding; YAML documents are converted to JSON and
// go through the same validation. Documents in the legacy flat format
// (a top-level "plan" array) are converted into a linear chain of nodes joined
// by unconditional edges.
//
// Decode only checks the document shape. Callers run Validate for the DAG
// invariants.
func Decode(data []byte) (*Plan, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty plan document")
	}
	if trimmed[0] != '{' {
		converted, err := yamlToJSON(trimmed)
		if err != nil {
			return nil, err
		}
		trimmed = converted
	}

	var doc map[string]any
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if _, ok := doc["plan"]; ok {
		return decodeLegacy(trimmed)
	}

	schema, err := planSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(any(doc)); err != nil {
		return nil, fmt.Errorf("plan does not match schema: %w", err)
	}
	var p Plan
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &p, nil
}

// Encode renders p as indented JSON.
func Encode(p *Plan) ([]byte, error) {
	if p == nil {
		return nil, errors.New("plan is required")
	}
	return json.MarshalIndent(p, "", "  ")
}

func decodeLegacy(data []byte) (*Plan, error) {
	var lp legacyPlan
	if err := json.Unmarshal(data, &lp); err != nil {
		return nil, fmt.Errorf("decode legacy plan: %w", err)
	}
	if len(lp.Plan) == 0 {
		return nil, errors.New("legacy plan has no steps")
	}
	p := &Plan{Nodes: make([]Node, 0, len(lp.Plan))}
	for i, step := range lp.Plan {
		capability, err := ParseCapability(step.Agent)
		if err != nil {
			capability = Capability(step.Agent)
		}
		p.Nodes = append(p.Nodes, Node{
			ID:         step.ID,
			Capability: capability,
			SubGoal:    step.SubQuery,
			InputIDs:   step.Inputs,
			OutputIDs:  step.Outputs,
		})
		if i > 0 {
			p.Edges = append(p.Edges, Edge{From: lp.Plan[i-1].ID, To: step.ID})
		}
	}
	return p, nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode yaml plan: %w", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert yaml plan: %w", err)
	}
	return out, nil
}

func planSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var schemaDoc any
		if err := json.Unmarshal(planSchemaJSON, &schemaDoc); err != nil {
			schemaErr = fmt.Errorf("unmarshal plan schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("plan.schema.json", schemaDoc); err != nil {
			schemaErr = fmt.Errorf("add plan schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("plan.schema.json")
	})
	return compiledSchema, schemaErr
}
