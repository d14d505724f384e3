package orchestrator

import (
	"context"
	"strings"

	"goa.design/analyst/runtime/analyst/collab"
	"goa.design/analyst/runtime/analyst/tracker"
)

const msgChatFallback = "I can help analyze the datasets attached to this conversation. What would you like to know?"

// routeStep answers chat messages directly and restates analysis requests
// against the conversation before planning. Routing failures never fail the
// session: the message goes to the planner as received.
func (o *Orchestrator) routeStep(ctx context.Context, r *run) Step {
	req := o.messageRequest(ctx, r)
	intent := collab.IntentPlan
	if o.classifier != nil {
		got, err := o.classifier.Classify(ctx, req)
		switch {
		case err != nil:
			o.logger.Warn(ctx, "classify message", "session_id", r.sessionID, "err", err)
		case !got.Valid():
			o.logger.Warn(ctx, "unknown intent", "session_id", r.sessionID, "intent", string(got))
		default:
			intent = got
		}
	}
	if intent == collab.IntentChat {
		return o.chat(ctx, r, req)
	}
	if o.rewriter != nil {
		q, err := o.rewriter.Rewrite(ctx, req)
		switch {
		case err != nil:
			o.logger.Warn(ctx, "rewrite message", "session_id", r.sessionID, "err", err)
		case strings.TrimSpace(q) != "" && q != r.query:
			o.logger.Debug(ctx, "message rewritten", "session_id", r.sessionID, "query", q)
			r.query = q
			o.milestone(ctx, r, "request restated")
		}
	}
	return Continue(StatePlanning)
}

func (o *Orchestrator) chat(ctx context.Context, r *run, req collab.MessageRequest) Step {
	reply := msgChatFallback
	if o.responder != nil {
		got, err := o.responder.Respond(ctx, req)
		switch {
		case err != nil:
			if step, expired := o.checkBudget(ctx, r); expired {
				return step
			}
			o.logger.Warn(ctx, "chat reply", "session_id", r.sessionID, "err", err)
		case strings.TrimSpace(got) != "":
			reply = got
		}
	}
	o.milestone(ctx, r, "chat reply")
	return Completed(tracker.Result{Summary: reply})
}

func (o *Orchestrator) messageRequest(ctx context.Context, r *run) collab.MessageRequest {
	schema, hist := o.conversation(ctx, r)
	return collab.MessageRequest{
		ThreadID: r.threadID,
		Message:  r.query,
		Schema:   schema,
		History:  hist,
	}
}

// conversation loads the dataset schema and recent history once per
// invocation. Load failures are logged and leave the value empty.
func (o *Orchestrator) conversation(ctx context.Context, r *run) (string, []string) {
	if r.convo != nil {
		return r.convo.schema, r.convo.history
	}
	c := &convo{}
	if o.schemas != nil {
		schema, err := o.schemas.Schema(ctx, r.threadID)
		if err != nil {
			o.logger.Warn(ctx, "load dataset schema", "thread_id", r.threadID, "err", err)
		}
		c.schema = schema
	}
	if o.history != nil {
		hist, err := o.history.Recent(ctx, r.threadID, o.limits.HistorySize)
		if err != nil {
			o.logger.Warn(ctx, "load conversation history", "thread_id", r.threadID, "err", err)
		}
		c.history = hist
	}
	r.convo = c
	return c.schema, c.history
}
