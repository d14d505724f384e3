// Package collab defines the external decision-making collaborators driven
// by the orchestrator: the planner that maps a query to a plan, the critic
// that reviews it, the revisor that repairs it and the resolver that proposes
// fixes for failed steps.
//
// Collaborators are opaque. The orchestrator treats every error they return
// as a collaborator failure and converts it into the error taxonomy at its
// boundary.
package collab

import (
	"context"
	"errors"
	"fmt"

	"goa.design/analyst/runtime/analyst/plan"
)

type (
	// Planner maps a query to a best-effort plan.
	Planner interface {
		Plan(ctx context.Context, req PlanRequest) (*plan.Plan, error)
	}

	// Critic reviews a plan against the query.
	Critic interface {
		Critique(ctx context.Context, query string, p *plan.Plan) (Critique, error)
	}

	// Revisor repairs a plan using a critique.
	Revisor interface {
		Revise(ctx context.Context, c Critique, p *plan.Plan) (Revision, error)
	}

	// Resolver proposes a fix for a failed step.
	Resolver interface {
		Resolve(ctx context.Context, req ResolveRequest) (Decision, error)
	}

	// SchemaProvider describes the datasets available to a thread. The text is
	// passed verbatim to the planner.
	SchemaProvider interface {
		Schema(ctx context.Context, threadID string) (string, error)
	}

	// HistoryProvider returns recent conversation entries of a thread, oldest
	// first.
	HistoryProvider interface {
		Recent(ctx context.Context, threadID string, limit int) ([]string, error)
	}

	// IntentClassifier decides whether a message asks for an analysis or is
	// conversation the assistant answers directly.
	IntentClassifier interface {
		Classify(ctx context.Context, req MessageRequest) (Intent, error)
	}

	// Rewriter restates a message so it stands on its own, resolving
	// references to earlier turns. It returns the message unchanged when it
	// is already explicit.
	Rewriter interface {
		Rewrite(ctx context.Context, req MessageRequest) (string, error)
	}

	// Responder answers a chat message.
	Responder interface {
		Respond(ctx context.Context, req MessageRequest) (string, error)
	}

	// MessageRequest is the input of the message routing collaborators.
	MessageRequest struct {
		ThreadID string
		// Message is the user message as received.
		Message string
		// Schema describes the thread datasets. May be empty.
		Schema string
		// History holds recent conversation entries, oldest first.
		History []string
	}

	// Intent is the route of a message.
	Intent string

	// Summarizer writes the user-facing summary of a completed session.
	Summarizer interface {
		Summarize(ctx context.Context, req SummaryRequest) (string, error)
	}

	// SummaryRequest is the summarizer input.
	SummaryRequest struct {
		// Query is the canonical query.
		Query string
		// ArtifactID is the terminal node output.
		ArtifactID string
		// Metadata is the terminal node output metadata.
		Metadata map[string]any
		// Steps is the number of executed steps.
		Steps int
	}

	// PlanRequest is the planner input.
	PlanRequest struct {
		// ThreadID identifies the requesting thread.
		ThreadID string
		// Query is the canonical query, clarifications included.
		Query string
		// Schema describes the thread datasets. May be empty.
		Schema string
		// History holds recent conversation entries, oldest first.
		History []string
	}

	// Critique is the critic verdict.
	Critique struct {
		// Valid is true when the plan can run as is.
		Valid bool `json:"valid"`
		// Fixable is true when the revisor is expected to repair the errors.
		Fixable bool `json:"fixable"`
		// NeedsClarification is true when the query is ambiguous and only the
		// user can resolve it.
		NeedsClarification bool `json:"needs_clarification"`
		// Message is the user-facing explanation or clarification question.
		Message string `json:"message"`
		// Errors lists the structural problems found.
		Errors []string `json:"errors,omitempty"`
	}

	// Revision is the revisor output.
	Revision struct {
		// Plan is the revised plan.
		Plan *plan.Plan
		// FixedManually is true when the revisor applied a fix and the plan
		// should be critiqued again. False means the revisor gave up.
		FixedManually bool
	}

	// ResolveRequest describes a failed step.
	ResolveRequest struct {
		// SessionID identifies the session.
		SessionID string
		// Node is the failing node as last executed.
		Node plan.Node
		// Err is the step failure.
		Err error
		// Attempt is the number of repairs already applied to this node.
		Attempt int
		// History lists the milestones and previous repair reasons of the
		// session, oldest first.
		History []string
		// Plan is the current plan.
		Plan *plan.Plan
	}

	// Action is the resolver verdict.
	Action string

	// Decision is the resolver output.
	Decision struct {
		// Action selects retry or abort.
		Action Action
		// FixedNode replaces the failing node on RetryWithFix. Its ID must match
		// the failing node.
		FixedNode *plan.Node
		// Reason explains the decision. On Abort it is surfaced to the user.
		Reason string
	}

	// PlannerFunc adapts a function to Planner.
	PlannerFunc func(ctx context.Context, req PlanRequest) (*plan.Plan, error)
	// CriticFunc adapts a function to Critic.
	CriticFunc func(ctx context.Context, query string, p *plan.Plan) (Critique, error)
	// RevisorFunc adapts a function to Revisor.
	RevisorFunc func(ctx context.Context, c Critique, p *plan.Plan) (Revision, error)
	// ResolverFunc adapts a function to Resolver.
	ResolverFunc func(ctx context.Context, req ResolveRequest) (Decision, error)
	// SchemaFunc adapts a function to SchemaProvider.
	SchemaFunc func(ctx context.Context, threadID string) (string, error)
	// ClassifierFunc adapts a function to IntentClassifier.
	ClassifierFunc func(ctx context.Context, req MessageRequest) (Intent, error)
	// RewriterFunc adapts a function to Rewriter.
	RewriterFunc func(ctx context.Context, req MessageRequest) (string, error)
	// ResponderFunc adapts a function to Responder.
	ResponderFunc func(ctx context.Context, req MessageRequest) (string, error)
	// SummarizerFunc adapts a function to Summarizer.
	SummarizerFunc func(ctx context.Context, req SummaryRequest) (string, error)
)

const (
	// ActionRetryWithFix re-runs the failing node with FixedNode.
	ActionRetryWithFix Action = "retry_with_fix"
	// ActionAbort fails the session.
	ActionAbort Action = "abort"
)

const (
	// IntentPlan routes the message to the planner.
	IntentPlan Intent = "plan"
	// IntentChat answers the message without a plan.
	IntentChat Intent = "chat"
)

// Plan implements Planner.
func (f PlannerFunc) Plan(ctx context.Context, req PlanRequest) (*plan.Plan, error) {
	return f(ctx, req)
}

// Critique implements Critic.
func (f CriticFunc) Critique(ctx context.Context, query string, p *plan.Plan) (Critique, error) {
	return f(ctx, query, p)
}

// Revise implements Revisor.
func (f RevisorFunc) Revise(ctx context.Context, c Critique, p *plan.Plan) (Revision, error) {
	return f(ctx, c, p)
}

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, req ResolveRequest) (Decision, error) {
	return f(ctx, req)
}

// Schema implements SchemaProvider.
func (f SchemaFunc) Schema(ctx context.Context, threadID string) (string, error) {
	return f(ctx, threadID)
}

// Classify implements IntentClassifier.
func (f ClassifierFunc) Classify(ctx context.Context, req MessageRequest) (Intent, error) {
	return f(ctx, req)
}

// Rewrite implements Rewriter.
func (f RewriterFunc) Rewrite(ctx context.Context, req MessageRequest) (string, error) {
	return f(ctx, req)
}

// Respond implements Responder.
func (f ResponderFunc) Respond(ctx context.Context, req MessageRequest) (string, error) {
	return f(ctx, req)
}

// Valid reports whether i is a known intent.
func (i Intent) Valid() bool { return i == IntentPlan || i == IntentChat }

// Summarize implements Summarizer.
func (f SummarizerFunc) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	return f(ctx, req)
}

// Validate checks that d is well formed for the failing node id.
func (d Decision) Validate(nodeID string) error {
	switch d.Action {
	case ActionAbort:
		return nil
	case ActionRetryWithFix:
		if d.FixedNode == nil {
			return errors.New("retry decision without a fixed node")
		}
		if d.FixedNode.ID != nodeID {
			return fmt.Errorf("fixed node id %q does not match failing node %q", d.FixedNode.ID, nodeID)
		}
		return nil
	default:
		return fmt.Errorf("unknown resolver action %q", d.Action)
	}
}

// AcceptAll is a Critic that accepts every plan. Useful when no critic is
// deployed.
var AcceptAll = CriticFunc(func(context.Context, string, *plan.Plan) (Critique, error) {
	return Critique{Valid: true}, nil
})

// AbortAll is a Resolver that never repairs. Useful when no resolver is
// deployed.
var AbortAll = ResolverFunc(func(_ context.Context, req ResolveRequest) (Decision, error) {
	return Decision{Action: ActionAbort, Reason: fmt.Sprintf("step %s failed", req.Node.ID)}, nil
})
