// Package builtin provides placeholder collaborators and executors so a
// process can run end to end without model-backed planners or real data
// executors. Embedders replace them with their own implementations.
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"goa.design/analyst/runtime/analyst/collab"
	"goa.design/analyst/runtime/analyst/executor"
	"goa.design/analyst/runtime/analyst/objectstore"
	"goa.design/analyst/runtime/analyst/plan"
)

type (
	// StaticPlanner returns a copy of the same plan for every request.
	StaticPlanner struct {
		plan *plan.Plan
	}

	// echoRecord is the artifact written by Echo.
	echoRecord struct {
		Capability plan.Capability `json:"capability"`
		SubGoal    string          `json:"sub_goal"`
		Inputs     []string        `json:"inputs"`
	}
)

// NewStaticPlanner returns a planner serving p.
func NewStaticPlanner(p *plan.Plan) (*StaticPlanner, error) {
	if p == nil || len(p.Nodes) == 0 {
		return nil, errors.New("plan is empty")
	}
	return &StaticPlanner{plan: p.Clone()}, nil
}

// LoadStaticPlanner decodes the plan file at path (JSON, YAML or the legacy
// flat format) and serves it.
func LoadStaticPlanner(path string) (*StaticPlanner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	p, err := plan.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode plan file %s: %w", path, err)
	}
	return NewStaticPlanner(p)
}

// Plan implements collab.Planner.
func (s *StaticPlanner) Plan(context.Context, collab.PlanRequest) (*plan.Plan, error) {
	return s.plan.Clone(), nil
}

// SingleStepPlan is the plan used when no plan file is configured: one
// analysis step over the user query.
func SingleStepPlan() *plan.Plan {
	return &plan.Plan{Nodes: []plan.Node{{
		ID:         "S1",
		Capability: plan.CapabilityAnalysis,
		SubGoal:    "answer the user request",
	}}}
}

// AbortResolver never repairs: every failure ends the session with the step
// error.
var AbortResolver = collab.ResolverFunc(func(_ context.Context, req collab.ResolveRequest) (collab.Decision, error) {
	msg := "unknown error"
	if se := executor.AsStepError(req.Err); se != nil {
		msg = se.Message
	}
	return collab.Decision{
		Action: collab.ActionAbort,
		Reason: fmt.Sprintf("Step %s failed: %s", req.Node.ID, msg),
	}, nil
})

// Echo returns an executor that stores a JSON description of the request it
// received and reports the number of inputs as metadata.
func Echo(objects objectstore.Store) executor.Executor {
	return executor.Func(func(ctx context.Context, req executor.Request) (executor.Output, error) {
		data, err := json.Marshal(echoRecord{
			Capability: req.Capability,
			SubGoal:    req.SubGoal,
			Inputs:     append([]string{}, req.InputIDs...),
		})
		if err != nil {
			return executor.Output{}, err
		}
		id, err := objects.Save(ctx, objectstore.Object{ContentType: objectstore.ContentTypeJSON, Data: data})
		if err != nil {
			return executor.Output{}, executor.WrapStepError("store step output", err)
		}
		return executor.Output{
			OutputID: id,
			Metadata: map[string]any{"input_count": len(req.InputIDs)},
		}, nil
	})
}
