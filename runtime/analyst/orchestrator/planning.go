package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"goa.design/analyst/runtime/analyst/analysterr"
	"goa.design/analyst/runtime/analyst/collab"
	"goa.design/analyst/runtime/analyst/objectstore"
	"goa.design/analyst/runtime/analyst/plan"
)

func (o *Orchestrator) planStep(ctx context.Context, r *run) Step {
	o.milestone(ctx, r, "planning")
	schema, hist := o.conversation(ctx, r)
	req := collab.PlanRequest{ThreadID: r.threadID, Query: r.query, Schema: schema, History: hist}
	p, err := o.planner.Plan(ctx, req)
	if err != nil {
		return o.classify(ctx, r, analysterr.Internal, msgPlanning, fmt.Errorf("planner: %w", err))
	}
	if p == nil || len(p.Nodes) == 0 {
		return Failed(analysterr.New(analysterr.Internal, msgPlanning))
	}
	r.plan = p
	o.milestone(ctx, r, fmt.Sprintf("plan ready (%d steps)", len(p.Nodes)))
	return Continue(StateCritiquing)
}

// critiqueStep validates the plan structure locally, then asks the critic.
// Structural problems are routed to the revisor without consulting the
// critic.
func (o *Orchestrator) critiqueStep(ctx context.Context, r *run) Step {
	if err := plan.Validate(r.plan, o.executors.Has); err != nil {
		var verr *plan.ValidationError
		problems := []string{err.Error()}
		if errors.As(err, &verr) {
			problems = verr.Problems
		}
		o.logger.Debug(ctx, "plan invalid", "session_id", r.sessionID, "problems", problems)
		r.critique = collab.Critique{
			Fixable: true,
			Message: "The plan for this request is inconsistent.",
			Errors:  problems,
		}
		return o.needsRevision(r)
	}

	c, err := o.critic.Critique(ctx, r.query, r.plan)
	if err != nil {
		return o.classify(ctx, r, analysterr.Internal, msgPlanning, fmt.Errorf("critic: %w", err))
	}
	r.critique = c
	switch {
	case c.NeedsClarification:
		return NeedsClarification(c.Message)
	case c.Valid:
		return Continue(StateValid)
	default:
		return o.needsRevision(r)
	}
}

func (o *Orchestrator) needsRevision(r *run) Step {
	if r.revisions >= o.limits.MaxRevisions {
		return NeedsClarification(r.critique.Message)
	}
	return Continue(StateNeedsRevision)
}

// reviseStep applies one revision. A revisor that did not fix the plan ends
// the loop with a clarification request carrying the critic message.
func (o *Orchestrator) reviseStep(ctx context.Context, r *run) Step {
	r.revisions++
	o.milestone(ctx, r, "revising plan")
	rev, err := o.revisor.Revise(ctx, r.critique, r.plan)
	if err != nil {
		return o.classify(ctx, r, analysterr.Internal, msgPlanning, fmt.Errorf("revisor: %w", err))
	}
	if rev.Plan != nil {
		r.plan = rev.Plan
	}
	if !rev.FixedManually {
		return NeedsClarification(r.critique.Message)
	}
	return Continue(StateCritiquing)
}

// restorePlan loads the suspended plan of a resumed session and returns the
// state to resume at.
func (o *Orchestrator) restorePlan(ctx context.Context, r *run) State {
	o.milestone(ctx, r, "resuming")
	if r.session.PlanID == "" {
		return StatePlanning
	}
	obj, err := o.objects.Get(ctx, r.session.PlanID)
	if err != nil {
		if !errors.Is(err, objectstore.ErrNotFound) {
			o.logger.Warn(ctx, "load suspended plan", "session_id", r.sessionID, "plan_id", r.session.PlanID, "err", err)
		}
		return StatePlanning
	}
	p, err := plan.Decode(obj.Data)
	if err != nil {
		o.logger.Warn(ctx, "decode suspended plan", "session_id", r.sessionID, "err", err)
		return StatePlanning
	}
	r.plan = p
	return StateCritiquing
}

func (o *Orchestrator) savePlan(ctx context.Context, p *plan.Plan) (string, error) {
	data, err := plan.Encode(p)
	if err != nil {
		return "", err
	}
	return o.objects.Save(ctx, objectstore.Object{ContentType: objectstore.ContentTypeJSON, Data: data})
}
