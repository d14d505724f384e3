package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/analyst/runtime/analyst/analysterr"
	"goa.design/analyst/runtime/analyst/collab"
	"goa.design/analyst/runtime/analyst/executor"
	"goa.design/analyst/runtime/analyst/objectstore"
	"goa.design/analyst/runtime/analyst/plan"
	"goa.design/analyst/runtime/analyst/telemetry"
	"goa.design/analyst/runtime/analyst/tracker"
)

type (
	// traversal is the bookkeeping of one DAG execution.
	traversal struct {
		// produced maps node ids and declared output ids to object ids.
		produced map[string]string
		// enabled holds nodes with at least one taken incoming edge.
		enabled map[string]bool
		executed int

		terminal    string
		terminalOut executor.Output
	}

	// nodeResult is the outcome of one successful node run.
	nodeResult struct {
		out     executor.Output
		targets []string
	}
)

// executeStep traverses the plan in topological order. Roots always run;
// other nodes run only when one of their incoming edges was taken.
func (o *Orchestrator) executeStep(ctx context.Context, r *run) Step {
	order, err := plan.TopoOrder(r.plan)
	if err != nil {
		return Failed(analysterr.Wrap(analysterr.PlanInvalid, msgPlanning, err))
	}
	t := &traversal{
		produced: make(map[string]string),
		enabled:  make(map[string]bool),
	}
	for _, id := range order {
		if step, expired := o.checkBudget(ctx, r); expired {
			return step
		}
		if len(r.plan.Incoming(id)) > 0 && !t.enabled[id] {
			o.milestone(ctx, r, "skipped "+id)
			continue
		}
		res, step, ok := o.runNode(ctx, r, t, id)
		if !ok {
			return step
		}
		t.executed++
		t.produced[id] = res.out.OutputID
		if n, found := r.plan.Node(id); found {
			for _, oid := range n.OutputIDs {
				t.produced[oid] = res.out.OutputID
			}
		}
		for _, to := range res.targets {
			t.enabled[to] = true
		}
		if len(res.targets) == 0 {
			t.terminal = id
			t.terminalOut = res.out
		}
	}
	if t.terminal == "" {
		return Failed(analysterr.New(analysterr.Internal, "No step produced a result."))
	}
	return Completed(o.summarize(ctx, r, t))
}

// runNode executes id, invoking the resolver on failure until the node
// succeeds, the resolver aborts or the repair budget is spent.
func (o *Orchestrator) runNode(ctx context.Context, r *run, t *traversal, id string) (nodeResult, Step, bool) {
	for {
		node, ok := r.plan.Node(id)
		if !ok {
			return nodeResult{}, Failed(analysterr.Errorf(analysterr.Internal, "step %s vanished from the plan", id)), false
		}
		inputs, err := resolveInputs(node, t.produced)
		if err != nil {
			o.logger.Warn(ctx, "missing step input", "session_id", r.sessionID, "node", id, "err", err)
			return nodeResult{}, Failed(analysterr.Wrap(analysterr.MissingInput,
				fmt.Sprintf("Step %s needs data that no earlier step produced.", id), err)), false
		}

		o.milestone(ctx, r, fmt.Sprintf("running %s (%s)", id, node.Capability))
		res, serr := o.attempt(ctx, r, node, inputs)
		if serr == nil {
			o.milestone(ctx, r, id+" done")
			return res, Step{}, true
		}
		r.history = append(r.history, fmt.Sprintf("%s failed: %s", id, serr.Error()))
		if step, expired := o.checkBudget(ctx, r); expired {
			return nodeResult{}, step, false
		}
		if step, retry := o.repair(ctx, r, node, serr); !retry {
			return nodeResult{}, step, false
		}
	}
}

// attempt runs node once and evaluates its outgoing edges. Condition errors
// are step failures.
func (o *Orchestrator) attempt(ctx context.Context, r *run, node plan.Node, inputs []string) (nodeResult, *executor.StepError) {
	exec, ok := o.executors.Lookup(node.Capability)
	if !ok {
		return nodeResult{}, executor.StepErrorf("no executor for capability %q", node.Capability)
	}
	ctx, span := o.tracer.Start(ctx, "analyst.step", trace.WithAttributes(
		attribute.String("analyst.session_id", r.sessionID),
		attribute.String("analyst.node_id", node.ID),
		attribute.String("analyst.capability", string(node.Capability)),
	))
	defer span.End()

	start := time.Now()
	out, err := executor.Call(ctx, exec, executor.Request{
		SessionID:  r.sessionID,
		NodeID:     node.ID,
		Capability: node.Capability,
		SubGoal:    node.SubGoal,
		InputIDs:   inputs,
	})
	o.metrics.RecordTimer(telemetry.MetricStepDuration, time.Since(start), "capability", string(node.Capability))
	if err == nil && out.OutputID == "" {
		err = executor.StepErrorf("step %s returned no output", node.ID)
	}
	var targets []string
	if err == nil {
		targets, err = takenEdges(r.plan, node.ID, out.Metadata)
	}
	if err != nil {
		se := executor.AsStepError(err)
		o.metrics.IncCounter(telemetry.MetricStepsExecuted, 1, "capability", string(node.Capability), "outcome", "error")
		o.logger.Warn(ctx, "step failed", "session_id", r.sessionID, "node", node.ID, "err", err)
		span.RecordError(se)
		span.SetStatus(codes.Error, se.Error())
		return nodeResult{}, se
	}
	o.metrics.IncCounter(telemetry.MetricStepsExecuted, 1, "capability", string(node.Capability), "outcome", "ok")
	span.SetStatus(codes.Ok, "")
	return nodeResult{out: out, targets: targets}, nil
}

// repair asks the resolver for a fix. It returns true when the plan was
// patched and the node should run again.
func (o *Orchestrator) repair(ctx context.Context, r *run, node plan.Node, serr *executor.StepError) (Step, bool) {
	id := node.ID
	if r.attempts[id] >= o.limits.MaxRetries {
		return Failed(analysterr.Wrap(analysterr.ResolverExhausted,
			fmt.Sprintf("Step %s kept failing after %d repair attempts: %s", id, r.attempts[id], serr.Message), serr)), false
	}
	o.metrics.IncCounter(telemetry.MetricResolverInvocations, 1)
	d, err := o.resolver.Resolve(ctx, collab.ResolveRequest{
		SessionID: r.sessionID,
		Node:      node,
		Err:       serr,
		Attempt:   r.attempts[id],
		History:   append([]string(nil), r.history...),
		Plan:      r.plan.Clone(),
	})
	if err != nil {
		return o.classify(ctx, r, analysterr.ResolverAbort,
			fmt.Sprintf("Step %s failed and could not be repaired.", id), fmt.Errorf("resolver: %w", err)), false
	}
	if err := d.Validate(id); err != nil {
		return Failed(analysterr.Wrap(analysterr.ResolverAbort,
			fmt.Sprintf("Step %s failed and could not be repaired.", id), err)), false
	}
	if d.Action == collab.ActionAbort {
		reason := d.Reason
		if reason == "" {
			reason = fmt.Sprintf("Step %s failed: %s", id, serr.Message)
		}
		return Failed(analysterr.Wrap(analysterr.ResolverAbort, reason, serr)), false
	}

	fixed := *d.FixedNode
	if !fixed.Capability.Valid() || !o.executors.Has(fixed.Capability) {
		return Failed(analysterr.Errorf(analysterr.ResolverAbort,
			"Step %s failed and the proposed fix uses unknown capability %q.", id, fixed.Capability)), false
	}
	p, err := r.plan.Replace(fixed)
	if err != nil {
		return Failed(analysterr.Wrap(analysterr.Internal, "Could not apply the proposed fix.", err)), false
	}
	r.plan = p
	r.attempts[id]++
	if d.Reason != "" {
		r.history = append(r.history, fmt.Sprintf("%s repaired: %s", id, d.Reason))
	}
	o.milestone(ctx, r, fmt.Sprintf("repairing %s (attempt %d)", id, r.attempts[id]))
	return Step{}, true
}

// summarize builds the session result from the terminal node output.
func (o *Orchestrator) summarize(ctx context.Context, r *run, t *traversal) tracker.Result {
	res := tracker.Result{
		ArtifactID: t.terminalOut.OutputID,
		Summary:    fmt.Sprintf("Completed %d of %d steps.", t.executed, len(r.plan.Nodes)),
	}
	if o.summarizer == nil {
		return res
	}
	s, err := o.summarizer.Summarize(ctx, collab.SummaryRequest{
		Query:      r.query,
		ArtifactID: res.ArtifactID,
		Metadata:   t.terminalOut.Metadata,
		Steps:      t.executed,
	})
	if err != nil {
		o.logger.Warn(ctx, "summarize result", "session_id", r.sessionID, "err", err)
		return res
	}
	if s != "" {
		res.Summary = s
	}
	return res
}

// resolveInputs maps the logical input ids of n to object ids. Ids already in
// object store form are passed through.
func resolveInputs(n plan.Node, produced map[string]string) ([]string, error) {
	inputs := make([]string, 0, len(n.InputIDs))
	for _, in := range n.InputIDs {
		if oid, ok := produced[in]; ok {
			inputs = append(inputs, oid)
			continue
		}
		if objectstore.IsID(in) {
			inputs = append(inputs, in)
			continue
		}
		return nil, fmt.Errorf("input %q of step %s was never produced", in, n.ID)
	}
	return inputs, nil
}

// takenEdges evaluates the outgoing edges of id against metadata and returns
// the targets of the edges that hold.
func takenEdges(p *plan.Plan, id string, metadata map[string]any) ([]string, error) {
	var targets []string
	for _, e := range p.Outgoing(id) {
		ok, err := plan.EvalCondition(e.Condition, metadata)
		if err != nil {
			return nil, fmt.Errorf("evaluate condition of edge %s->%s: %w", e.From, e.To, err)
		}
		if ok {
			targets = append(targets, e.To)
		}
	}
	return targets, nil
}
