// Package orchestrator drives a session from query to result: planning, the
// critique/revision loop, DAG execution and the resolver repair loop.
//
// Each invocation (Run or Resume) reads the persisted session, advances the
// state machine until the session completes, fails, aborts or needs a
// clarification, writes the terminal state and returns. Suspension never
// blocks a goroutine: Resume is a fresh invocation reading the persisted
// session and suspended plan.
package orchestrator

import (
	"context"
	"errors"
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
	"goa.design/analyst/runtime/analyst/session"
	"goa.design/analyst/runtime/analyst/telemetry"
	"goa.design/analyst/runtime/analyst/thread"
	"goa.design/analyst/runtime/analyst/tracker"
)

type (
	// Options configures an Orchestrator. Stores, executors, Planner and
	// Resolver are required; the other collaborators have defaults.
	Options struct {
		Sessions  session.Store
		Threads   thread.Registry
		Tracker   tracker.Tracker
		Objects   objectstore.Store
		Executors *executor.Registry

		Planner  collab.Planner
		Critic   collab.Critic
		Revisor  collab.Revisor
		Resolver collab.Resolver
		// Schemas feeds dataset descriptions to the planner. Optional.
		Schemas collab.SchemaProvider
		// History feeds recent conversation entries to the planner. Optional.
		History collab.HistoryProvider
		// Summarizer writes the completion summary. Optional.
		Summarizer collab.Summarizer
		// Classifier routes chat messages away from the planner. Optional;
		// without it every message is planned.
		Classifier collab.IntentClassifier
		// Rewriter restates follow-up messages before planning. Optional.
		Rewriter collab.Rewriter
		// Responder answers chat messages. Optional.
		Responder collab.Responder

		Limits    Limits
		Telemetry telemetry.Set
		// Clock overrides time.Now. Intended for tests.
		Clock func() time.Time
	}

	// Limits bounds a session.
	Limits struct {
		// MaxClarifications aborts a session asking for clarification once it
		// has consumed this many.
		MaxClarifications int
		// MaxRetries bounds resolver repairs per node.
		MaxRetries int
		// MaxRevisions bounds revisor calls per invocation.
		MaxRevisions int
		// MaxExecution bounds the wall-clock time of an invocation.
		MaxExecution time.Duration
		// HistorySize is the number of conversation entries handed to the
		// planner.
		HistorySize int
	}

	// Orchestrator runs sessions. It is safe for concurrent use; each
	// invocation owns its session exclusively.
	Orchestrator struct {
		sessions  session.Store
		threads   thread.Registry
		tracker   tracker.Tracker
		objects   objectstore.Store
		executors *executor.Registry

		planner    collab.Planner
		critic     collab.Critic
		revisor    collab.Revisor
		resolver   collab.Resolver
		schemas    collab.SchemaProvider
		history    collab.HistoryProvider
		summarizer collab.Summarizer
		classifier collab.IntentClassifier
		rewriter   collab.Rewriter
		responder  collab.Responder

		limits  Limits
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		now     func() time.Time
	}

	// run is the state of one invocation.
	run struct {
		threadID  string
		sessionID string
		session   session.Session
		query     string
		started   time.Time

		plan      *plan.Plan
		critique  collab.Critique
		revisions int

		attempts map[string]int
		history  []string
		convo    *convo
	}

	// convo is the conversation context loaded for collaborators.
	convo struct {
		schema  string
		history []string
	}
)

// Default limits.
const (
	DefaultMaxClarifications = 3
	DefaultMaxRetries        = 2
	DefaultMaxRevisions      = 3
	DefaultMaxExecution      = 180 * time.Second
	DefaultHistorySize       = 6
)

// Messages surfaced to users.
const (
	msgStillMissing = "I'm still missing required information. Please rephrase your request as a new message."
	msgTimeout      = "This request took too long to run. Try simplifying it or splitting it into smaller questions."
	msgInterrupted  = "The request was interrupted. Please send it again."
	msgPlanning     = "I couldn't build a plan for this request."
	msgDefaultAsk   = "Could you give more details about what you want to see?"
)

// New validates opts and returns an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Sessions == nil:
		return nil, errors.New("session store is required")
	case opts.Threads == nil:
		return nil, errors.New("thread registry is required")
	case opts.Tracker == nil:
		return nil, errors.New("tracker is required")
	case opts.Objects == nil:
		return nil, errors.New("object store is required")
	case opts.Executors == nil:
		return nil, errors.New("executor registry is required")
	case opts.Planner == nil:
		return nil, errors.New("planner is required")
	case opts.Resolver == nil:
		return nil, errors.New("resolver is required")
	}
	limits, err := opts.Limits.withDefaults()
	if err != nil {
		return nil, err
	}
	critic := opts.Critic
	if critic == nil {
		critic = collab.AcceptAll
	}
	revisor := opts.Revisor
	if revisor == nil {
		revisor = collab.RevisorFunc(func(_ context.Context, _ collab.Critique, p *plan.Plan) (collab.Revision, error) {
			return collab.Revision{Plan: p}, nil
		})
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	tel := opts.Telemetry.WithDefaults()
	return &Orchestrator{
		sessions:   opts.Sessions,
		threads:    opts.Threads,
		tracker:    opts.Tracker,
		objects:    opts.Objects,
		executors:  opts.Executors,
		planner:    opts.Planner,
		critic:     critic,
		revisor:    revisor,
		resolver:   opts.Resolver,
		schemas:    opts.Schemas,
		history:    opts.History,
		summarizer: opts.Summarizer,
		classifier: opts.Classifier,
		rewriter:   opts.Rewriter,
		responder:  opts.Responder,
		limits:     limits,
		logger:     tel.Logger,
		metrics:    tel.Metrics,
		tracer:     tel.Tracer,
		now:        now,
	}, nil
}

// Limits returns the effective limits.
func (o *Orchestrator) Limits() Limits { return o.limits }

// Run starts a fresh session. Messages are routed first when a Classifier or
// Rewriter is configured, then planned. The session must exist and be Active.
func (o *Orchestrator) Run(ctx context.Context, threadID, sessionID string) Outcome {
	return o.invoke(ctx, threadID, sessionID, false)
}

// Resume continues a session after a clarification. It re-enters at
// Critiquing with the suspended plan and the merged query, or at Planning
// when no plan was persisted.
func (o *Orchestrator) Resume(ctx context.Context, threadID, sessionID string) Outcome {
	return o.invoke(ctx, threadID, sessionID, true)
}

func (o *Orchestrator) invoke(ctx context.Context, threadID, sessionID string, resume bool) Outcome {
	o.executors.Freeze()
	r := &run{
		threadID:  threadID,
		sessionID: sessionID,
		started:   o.now(),
		attempts:  make(map[string]int),
	}
	ctx, span := o.tracer.Start(ctx, "analyst.session", trace.WithAttributes(
		attribute.String("analyst.thread_id", threadID),
		attribute.String("analyst.session_id", sessionID),
		attribute.Bool("analyst.resume", resume),
	))
	defer span.End()

	// Terminal writes must land even when the run context is cancelled.
	finalCtx := context.WithoutCancel(ctx)
	ctx, cancel := context.WithTimeout(ctx, o.limits.MaxExecution)
	defer cancel()

	sess, err := o.sessions.Get(ctx, threadID, sessionID)
	if err != nil {
		kind := analysterr.Internal
		if errors.Is(err, session.ErrNotFound) {
			kind = analysterr.UnknownSession
		}
		msg := "This session no longer exists."
		if kind == analysterr.Internal {
			msg = "An internal error occurred while processing the request."
		}
		e := analysterr.Wrap(kind, msg, err)
		o.logger.Error(ctx, "load session", "session_id", sessionID, "err", err)
		o.abandon(finalCtx, r, e)
		span.SetStatus(codes.Error, e.Error())
		return Outcome{SessionID: sessionID, Status: OutcomeFailed, Err: e}
	}
	if sess.Status != session.StatusActive {
		e := analysterr.Errorf(analysterr.InvalidRequest, "Session is %s and cannot run.", sess.Status)
		o.logger.Warn(ctx, "session not runnable", "session_id", sessionID, "status", string(sess.Status))
		if sess.Status != session.StatusWaiting {
			o.abandon(finalCtx, r, e)
		}
		span.SetStatus(codes.Error, e.Error())
		return Outcome{SessionID: sessionID, Status: OutcomeFailed, Err: e}
	}
	r.session = sess
	r.query = sess.Query

	start := StatePlanning
	if o.classifier != nil || o.rewriter != nil {
		start = StateRouting
	}
	if resume {
		start = o.restorePlan(ctx, r)
	} else {
		o.metrics.IncCounter(telemetry.MetricSessionsStarted, 1)
	}
	o.logger.Debug(ctx, "session start", "session_id", sessionID, "state", string(start))

	step := o.drive(ctx, r, start)
	out := o.finalize(finalCtx, r, step)

	o.metrics.IncCounter(telemetry.MetricSessionsFinished, 1, "outcome", string(out.Status))
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	} else {
		span.SetStatus(codes.Ok, string(out.Status))
	}
	return out
}

// drive runs states until a non-Continue step.
func (o *Orchestrator) drive(ctx context.Context, r *run, state State) Step {
	for {
		if step, expired := o.checkBudget(ctx, r); expired {
			return step
		}
		step := o.step(ctx, r, state)
		o.logger.Debug(ctx, "state transition",
			"session_id", r.sessionID,
			"from", string(state),
			"step", step.Kind.String(),
			"to", string(step.Next))
		if step.Kind != StepContinue {
			return step
		}
		state = step.Next
	}
}

func (o *Orchestrator) step(ctx context.Context, r *run, state State) Step {
	switch state {
	case StateRouting:
		return o.routeStep(ctx, r)
	case StatePlanning:
		return o.planStep(ctx, r)
	case StateCritiquing:
		return o.critiqueStep(ctx, r)
	case StateNeedsRevision:
		return o.reviseStep(ctx, r)
	case StateValid:
		o.milestone(ctx, r, "critique: valid")
		return Continue(StateExecuting)
	case StateExecuting:
		return o.executeStep(ctx, r)
	default:
		return Failed(analysterr.Errorf(analysterr.Internal, "unexpected state %q", state))
	}
}

// checkBudget aborts when the invocation exceeded its wall-clock budget or
// its context was cancelled.
func (o *Orchestrator) checkBudget(ctx context.Context, r *run) (Step, bool) {
	if o.now().Sub(r.started) > o.limits.MaxExecution || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Aborted(analysterr.Wrap(analysterr.ExecutionTimeout, msgTimeout,
			fmt.Errorf("execution exceeded %s", o.limits.MaxExecution))), true
	}
	if err := ctx.Err(); err != nil {
		return Aborted(analysterr.Wrap(analysterr.Internal, msgInterrupted, err)), true
	}
	return Step{}, false
}

// classify converts a collaborator or executor failure at the boundary. A
// failure caused by the budget is reported as a timeout.
func (o *Orchestrator) classify(ctx context.Context, r *run, kind analysterr.Kind, msg string, err error) Step {
	if step, expired := o.checkBudget(ctx, r); expired {
		return step
	}
	return Failed(analysterr.Wrap(kind, msg, err))
}

// finalize applies the terminal or suspended state of step.
func (o *Orchestrator) finalize(ctx context.Context, r *run, step Step) Outcome {
	switch step.Kind {
	case StepNeedsClarification:
		return o.suspend(ctx, r, step.Prompt)
	case StepCompleted:
		o.milestone(ctx, r, "completed")
		o.logSessionErr(ctx, r, "mark session completed", o.sessions.MarkCompleted(ctx, r.threadID, r.sessionID))
		o.logTrackerErr(ctx, r, "mark done", o.tracker.MarkDone(ctx, r.sessionID, step.Result))
		o.release(ctx, r)
		o.logger.Info(ctx, "session completed", "session_id", r.sessionID, "artifact_id", step.Result.ArtifactID)
		return Outcome{SessionID: r.sessionID, Status: OutcomeCompleted, Result: step.Result}
	case StepFailed:
		e := analysterr.As(step.Err)
		o.logger.Error(ctx, "session failed", "session_id", r.sessionID, "kind", string(e.Kind), "err", errOrSelf(e))
		o.milestone(ctx, r, "failed")
		o.logSessionErr(ctx, r, "mark session aborted", o.sessions.MarkAborted(ctx, r.threadID, r.sessionID))
		o.logTrackerErr(ctx, r, "mark failed", o.tracker.MarkFailed(ctx, r.sessionID, failureMessage(e)))
		o.release(ctx, r)
		return Outcome{SessionID: r.sessionID, Status: OutcomeFailed, Err: e}
	default:
		e := analysterr.As(step.Err)
		o.logger.Info(ctx, "session aborted", "session_id", r.sessionID, "kind", string(e.Kind), "err", errOrSelf(e))
		o.milestone(ctx, r, "aborted")
		o.logSessionErr(ctx, r, "mark session aborted", o.sessions.MarkAborted(ctx, r.threadID, r.sessionID))
		o.logTrackerErr(ctx, r, "mark aborted", o.tracker.MarkAborted(ctx, r.sessionID, e.Message))
		o.release(ctx, r)
		return Outcome{SessionID: r.sessionID, Status: OutcomeAborted, Err: e}
	}
}

// suspend persists the plan and marks the session waiting, or aborts it when
// the clarification budget is spent.
func (o *Orchestrator) suspend(ctx context.Context, r *run, prompt string) Outcome {
	if r.session.ClarificationCount >= o.limits.MaxClarifications {
		return o.finalize(ctx, r, Aborted(analysterr.Wrap(analysterr.PlanAmbiguous, msgStillMissing,
			fmt.Errorf("clarification budget of %d exhausted", o.limits.MaxClarifications))))
	}
	if prompt == "" {
		prompt = msgDefaultAsk
	}
	var planID string
	if r.plan != nil {
		id, err := o.savePlan(ctx, r.plan)
		if err != nil {
			o.logger.Warn(ctx, "persist suspended plan", "session_id", r.sessionID, "err", err)
		} else {
			planID = id
		}
	}
	o.milestone(ctx, r, "needs clarification")
	if err := o.sessions.MarkWaiting(ctx, r.threadID, r.sessionID, prompt, planID); err != nil {
		o.logSessionErr(ctx, r, "mark session waiting", err)
		e := analysterr.Wrap(analysterr.Internal, "An internal error occurred while processing the request.", err)
		o.logTrackerErr(ctx, r, "mark failed", o.tracker.MarkFailed(ctx, r.sessionID, failureMessage(e)))
		o.release(ctx, r)
		return Outcome{SessionID: r.sessionID, Status: OutcomeFailed, Err: e}
	}
	o.logTrackerErr(ctx, r, "mark waiting", o.tracker.MarkWaiting(ctx, r.sessionID, prompt))
	o.logger.Info(ctx, "session waiting for clarification", "session_id", r.sessionID, "clarifications", r.session.ClarificationCount)
	return Outcome{SessionID: r.sessionID, Status: OutcomeNeedsClarification, Prompt: prompt}
}

// abandon ends a session that could not start. Records already terminal are
// left untouched.
func (o *Orchestrator) abandon(ctx context.Context, r *run, e *analysterr.Error) {
	err := o.sessions.MarkAborted(ctx, r.threadID, r.sessionID)
	if !errors.Is(err, session.ErrTerminal) && !errors.Is(err, session.ErrNotFound) {
		o.logSessionErr(ctx, r, "mark session aborted", err)
	}
	err = o.tracker.MarkFailed(ctx, r.sessionID, failureMessage(e))
	if !errors.Is(err, tracker.ErrTerminal) && !errors.Is(err, tracker.ErrNotFound) {
		o.logTrackerErr(ctx, r, "mark failed", err)
	}
	o.release(ctx, r)
}

func (o *Orchestrator) release(ctx context.Context, r *run) {
	if _, err := o.threads.ClearActiveIf(ctx, r.threadID, r.sessionID); err != nil {
		o.logger.Error(ctx, "clear active session", "thread_id", r.threadID, "session_id", r.sessionID, "err", err)
	}
}

// milestone appends label to the session ledger. Ledger failures never fail
// the session.
func (o *Orchestrator) milestone(ctx context.Context, r *run, label string) {
	r.history = append(r.history, label)
	_, ok, err := o.tracker.AddMilestone(ctx, r.sessionID, label)
	switch {
	case err != nil:
		o.logger.Warn(ctx, "add milestone", "session_id", r.sessionID, "label", label, "err", err)
	case !ok:
		o.logger.Warn(ctx, "milestone for unknown execution record", "session_id", r.sessionID, "label", label)
	}
}

func (o *Orchestrator) logSessionErr(ctx context.Context, r *run, op string, err error) {
	if err == nil {
		return
	}
	o.logger.Error(ctx, op, "thread_id", r.threadID, "session_id", r.sessionID, "err", err)
}

func (o *Orchestrator) logTrackerErr(ctx context.Context, r *run, op string, err error) {
	if err == nil {
		return
	}
	o.logger.Error(ctx, op, "session_id", r.sessionID, "err", err)
}

// failureMessage is the ledger message of a failed session.
func failureMessage(e *analysterr.Error) string {
	if e.Kind == analysterr.Internal {
		return "Internal error: " + e.Message
	}
	return e.Message
}

func errOrSelf(e *analysterr.Error) error {
	if e.Cause != nil {
		return e.Cause
	}
	return e
}

func (l Limits) withDefaults() (Limits, error) {
	if l.MaxClarifications < 0 || l.MaxRetries < 0 || l.MaxRevisions < 0 || l.MaxExecution < 0 || l.HistorySize < 0 {
		return l, errors.New("limits must not be negative")
	}
	if l.MaxClarifications == 0 {
		l.MaxClarifications = DefaultMaxClarifications
	}
	if l.MaxRetries == 0 {
		l.MaxRetries = DefaultMaxRetries
	}
	if l.MaxRevisions == 0 {
		l.MaxRevisions = DefaultMaxRevisions
	}
	if l.MaxExecution == 0 {
		l.MaxExecution = DefaultMaxExecution
	}
	if l.HistorySize == 0 {
		l.HistorySize = DefaultHistorySize
	}
	return l, nil
}
