package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/analyst/runtime/analyst/analysterr"
	"goa.design/analyst/runtime/analyst/collab"
	"goa.design/analyst/runtime/analyst/executor"
	objinmem "goa.design/analyst/runtime/analyst/objectstore/inmem"
	"goa.design/analyst/runtime/analyst/plan"
	"goa.design/analyst/runtime/analyst/session"
	sessinmem "goa.design/analyst/runtime/analyst/session/inmem"
	"goa.design/analyst/runtime/analyst/thread"
	threadinmem "goa.design/analyst/runtime/analyst/thread/inmem"
	"goa.design/analyst/runtime/analyst/tracker"
	trackinmem "goa.design/analyst/runtime/analyst/tracker/inmem"
)

const (
	testThread  = "thread-1"
	testSession = "session-1"
)

type (
	harness struct {
		sessions *sessinmem.Store
		threads  *threadinmem.Registry
		tracker  *countingTracker
		objects  *objinmem.Store
		execs    *executor.Registry
		orch     *Orchestrator

		mu  sync.Mutex
		ran []string
	}

	// countingTracker counts terminal writes of the wrapped tracker.
	countingTracker struct {
		tracker.Tracker
		mu      sync.Mutex
		aborted int
		failed  int
		done    int
	}

	stepFunc func(req executor.Request) (executor.Output, error)
)

func (c *countingTracker) MarkAborted(ctx context.Context, sid, msg string) error {
	c.mu.Lock()
	c.aborted++
	c.mu.Unlock()
	return c.Tracker.MarkAborted(ctx, sid, msg)
}

func (c *countingTracker) MarkFailed(ctx context.Context, sid, msg string) error {
	c.mu.Lock()
	c.failed++
	c.mu.Unlock()
	return c.Tracker.MarkFailed(ctx, sid, msg)
}

func (c *countingTracker) MarkDone(ctx context.Context, sid string, res tracker.Result) error {
	c.mu.Lock()
	c.done++
	c.mu.Unlock()
	return c.Tracker.MarkDone(ctx, sid, res)
}

// newHarness wires in-memory stores. Every capability runs fn, which
// defaults to producing "out-<node>". Outputs without metadata report no
// outliers.
func newHarness(t *testing.T, fn stepFunc, configure func(*Options)) *harness {
	t.Helper()
	threads, err := threadinmem.New(thread.Quota{Limit: 50, Window: 24 * time.Hour})
	require.NoError(t, err)
	h := &harness{
		sessions: sessinmem.New(),
		threads:  threads,
		tracker:  &countingTracker{Tracker: trackinmem.New()},
		objects:  objinmem.New(),
		execs:    executor.NewRegistry(),
	}
	if fn == nil {
		fn = func(req executor.Request) (executor.Output, error) {
			return executor.Output{OutputID: "out-" + req.NodeID}, nil
		}
	}
	for _, c := range plan.Capabilities {
		require.NoError(t, h.execs.Register(c, executor.Func(func(_ context.Context, req executor.Request) (executor.Output, error) {
			h.mu.Lock()
			h.ran = append(h.ran, req.NodeID)
			h.mu.Unlock()
			out, err := fn(req)
			if err == nil && out.Metadata == nil {
				out.Metadata = map[string]any{"outlier_count": 0}
			}
			return out, err
		})))
	}
	opts := Options{
		Sessions:  h.sessions,
		Threads:   h.threads,
		Tracker:   h.tracker,
		Objects:   h.objects,
		Executors: h.execs,
		Planner:   fixedPlanner(branchPlan()),
		Resolver:  collab.AbortAll,
	}
	if configure != nil {
		configure(&opts)
	}
	h.orch, err = New(opts)
	require.NoError(t, err)
	return h
}

// start creates the session the way the admission path does.
func (h *harness) start(t *testing.T, query string) {
	t.Helper()
	ctx := context.Background()
	_, err := h.sessions.Create(ctx, testThread, testSession, query)
	require.NoError(t, err)
	require.NoError(t, h.tracker.Init(ctx, testSession))
	require.NoError(t, h.threads.SetActive(ctx, testThread, testSession))
}

// clarify applies a clarification the way the clarify path does.
func (h *harness) clarify(t *testing.T, text string) int {
	t.Helper()
	ctx := context.Background()
	n, err := h.sessions.AppendClarification(ctx, testThread, testSession, text)
	require.NoError(t, err)
	require.NoError(t, h.sessions.MarkActive(ctx, testThread, testSession))
	require.NoError(t, h.tracker.Init(ctx, testSession))
	return n
}

func (h *harness) executed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.ran...)
}

func (h *harness) snapshot(t *testing.T) *tracker.Snapshot {
	t.Helper()
	snap, err := h.tracker.Snapshot(context.Background(), testSession, 0)
	require.NoError(t, err)
	require.NotNil(t, snap)
	return snap
}

func (h *harness) labels(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, m := range h.snapshot(t).Milestones {
		out = append(out, m.Label)
	}
	return out
}

func (h *harness) assertReleased(t *testing.T) {
	t.Helper()
	_, ok, err := h.threads.GetActive(context.Background(), testThread)
	require.NoError(t, err)
	assert.False(t, ok, "active pointer should be cleared")
}

func fixedPlanner(p *plan.Plan) collab.Planner {
	return collab.PlannerFunc(func(context.Context, collab.PlanRequest) (*plan.Plan, error) {
		return p.Clone(), nil
	})
}

// branchPlan is S1 -> S2 always and S1 -> S3 when outliers were found.
func branchPlan() *plan.Plan {
	return &plan.Plan{
		Nodes: []plan.Node{
			{ID: "S1", Capability: plan.CapabilityData, SubGoal: "load sales", OutputIDs: []string{"sales"}},
			{ID: "S2", Capability: plan.CapabilityAnalysis, SubGoal: "average by region", InputIDs: []string{"sales"}},
			{ID: "S3", Capability: plan.CapabilityVisualization, SubGoal: "plot outliers", InputIDs: []string{"S1"}},
		},
		Edges: []plan.Edge{
			{From: "S1", To: "S2"},
			{From: "S1", To: "S3", Condition: "outlier_count > 0"},
		},
	}
}

func TestConditionalBranchIsSkipped(t *testing.T) {
	h := newHarness(t, func(req executor.Request) (executor.Output, error) {
		out := executor.Output{OutputID: "out-" + req.NodeID}
		switch req.NodeID {
		case "S1":
			out.Metadata = map[string]any{"outlier_count": 0}
		case "S2":
			assert.Equal(t, []string{"out-S1"}, req.InputIDs)
		}
		return out, nil
	}, nil)
	h.start(t, "average sales by region")

	out := h.orch.Run(context.Background(), testThread, testSession)

	require.Equal(t, OutcomeCompleted, out.Status, "err: %v", out.Err)
	assert.Equal(t, []string{"S1", "S2"}, h.executed())
	assert.Equal(t, "out-S2", out.Result.ArtifactID)

	snap := h.snapshot(t)
	assert.Equal(t, tracker.StatusCompleted, snap.Status)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "out-S2", snap.Result.ArtifactID)
	assert.Contains(t, h.labels(t), "skipped S3")
	assert.Equal(t, 1, h.tracker.done)

	sess, err := h.sessions.Get(context.Background(), testThread, testSession)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	h.assertReleased(t)
}

func TestConditionalBranchIsTaken(t *testing.T) {
	h := newHarness(t, func(req executor.Request) (executor.Output, error) {
		out := executor.Output{OutputID: "out-" + req.NodeID}
		if req.NodeID == "S1" {
			out.Metadata = map[string]any{"outlier_count": 4}
		}
		return out, nil
	}, nil)
	h.start(t, "average sales by region")

	out := h.orch.Run(context.Background(), testThread, testSession)

	require.Equal(t, OutcomeCompleted, out.Status, "err: %v", out.Err)
	assert.Equal(t, []string{"S1", "S2", "S3"}, h.executed())
	assert.Equal(t, "out-S3", out.Result.ArtifactID)
}

func TestResolverIsCalledAtMostMaxRetriesTimes(t *testing.T) {
	var calls []int
	resolver := collab.ResolverFunc(func(_ context.Context, req collab.ResolveRequest) (collab.Decision, error) {
		calls = append(calls, req.Attempt)
		n := req.Node
		return collab.Decision{Action: collab.ActionRetryWithFix, FixedNode: &n, Reason: "try again"}, nil
	})
	h := newHarness(t, func(req executor.Request) (executor.Output, error) {
		if req.NodeID == "S2" {
			return executor.Output{}, executor.NewStepError("column region not found")
		}
		return executor.Output{OutputID: "out-" + req.NodeID}, nil
	}, func(o *Options) { o.Resolver = resolver })
	h.start(t, "average sales by region")

	out := h.orch.Run(context.Background(), testThread, testSession)

	require.Equal(t, OutcomeFailed, out.Status)
	assert.Equal(t, []int{0, 1}, calls)
	assert.True(t, analysterr.IsKind(out.Err, analysterr.ResolverExhausted))
	assert.Equal(t, []string{"S1", "S2", "S2", "S2"}, h.executed())
	assert.Contains(t, h.labels(t), "repairing S2 (attempt 2)")

	snap := h.snapshot(t)
	assert.Equal(t, tracker.StatusFailed, snap.Status)
	require.NotNil(t, snap.Result)
	assert.Contains(t, snap.Result.Message, "column region not found")
	h.assertReleased(t)
}

func TestResolverFixIsSpliced(t *testing.T) {
	var seen collab.ResolveRequest
	resolver := collab.ResolverFunc(func(_ context.Context, req collab.ResolveRequest) (collab.Decision, error) {
		seen = req
		fixed := req.Node
		fixed.SubGoal = "average by territory"
		return collab.Decision{Action: collab.ActionRetryWithFix, FixedNode: &fixed, Reason: "region is called territory"}, nil
	})
	h := newHarness(t, func(req executor.Request) (executor.Output, error) {
		if req.SubGoal == "average by region" {
			return executor.Output{}, executor.NewStepError("column region not found")
		}
		return executor.Output{OutputID: "out-" + req.NodeID}, nil
	}, func(o *Options) { o.Resolver = resolver })
	h.start(t, "average sales by region")

	out := h.orch.Run(context.Background(), testThread, testSession)

	require.Equal(t, OutcomeCompleted, out.Status, "err: %v", out.Err)
	assert.Equal(t, "out-S2", out.Result.ArtifactID)
	assert.Equal(t, "S2", seen.Node.ID)
	assert.Equal(t, "column region not found", seen.Err.Error())
	assert.Contains(t, seen.History, "S1 done")
	assert.Contains(t, h.labels(t), "repairing S2 (attempt 1)")
}

func TestResolverAbortSurfacesReason(t *testing.T) {
	resolver := collab.ResolverFunc(func(context.Context, collab.ResolveRequest) (collab.Decision, error) {
		return collab.Decision{Action: collab.ActionAbort, Reason: "The sales table has no region column."}, nil
	})
	h := newHarness(t, func(req executor.Request) (executor.Output, error) {
		if req.NodeID == "S2" {
			return executor.Output{}, errors.New("boom")
		}
		return executor.Output{OutputID: "out-" + req.NodeID}, nil
	}, func(o *Options) { o.Resolver = resolver })
	h.start(t, "average sales by region")

	out := h.orch.Run(context.Background(), testThread, testSession)

	require.Equal(t, OutcomeFailed, out.Status)
	assert.True(t, analysterr.IsKind(out.Err, analysterr.ResolverAbort))
	assert.Equal(t, "The sales table has no region column.", analysterr.UserMessage(out.Err))
}

func TestResolverFixWithUnknownCapabilityFails(t *testing.T) {
	resolver := collab.ResolverFunc(func(_ context.Context, req collab.ResolveRequest) (collab.Decision, error) {
		fixed := req.Node
		fixed.Capability = "sql"
		return collab.Decision{Action: collab.ActionRetryWithFix, FixedNode: &fixed}, nil
	})
	h := newHarness(t, func(req executor.Request) (executor.Output, error) {
		return executor.Output{}, errors.New("boom")
	}, func(o *Options) { o.Resolver = resolver })
	h.start(t, "q")

	out := h.orch.Run(context.Background(), testThread, testSession)

	require.Equal(t, OutcomeFailed, out.Status)
	assert.True(t, analysterr.IsKind(out.Err, analysterr.ResolverAbort))
	assert.Equal(t, []string{"S1"}, h.executed())
}

func TestMissingInputFailsWithoutResolver(t *testing.T) {
	p := branchPlan()
	p.Nodes[1].InputIDs = []string{"forecast"}
	var resolved int
	h := newHarness(t, nil, func(o *Options) {
		o.Planner = fixedPlanner(p)
		o.Resolver = collab.ResolverFunc(func(context.Context, collab.ResolveRequest) (collab.Decision, error) {
			resolved++
			return collab.Decision{Action: collab.ActionAbort}, nil
		})
	})
	h.start(t, "q")

	out := h.orch.Run(context.Background(), testThread, testSession)

	require.Equal(t, OutcomeFailed, out.Status)
	assert.True(t, analysterr.IsKind(out.Err, analysterr.MissingInput))
	assert.Zero(t, resolved)
	assert.Equal(t, []string{"S1"}, h.executed())
}

func TestConditionErrorIsRoutedToResolver(t *testing.T) {
	p := branchPlan()
	p.Edges[1].Condition = "outlier_total > 0"
	var resolved int
	h := newHarness(t, nil, func(o *Options) {
		o.Planner = fixedPlanner(p)
		o.Resolver = collab.ResolverFunc(func(context.Context, collab.ResolveRequest) (collab.Decision, error) {
			resolved++
			return collab.Decision{Action: collab.ActionAbort, Reason: "bad condition"}, nil
		})
	})
	h.start(t, "q")

	out := h.orch.Run(context.Background(), testThread, testSession)

	require.Equal(t, OutcomeFailed, out.Status)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, "bad condition", analysterr.UserMessage(out.Err))
}

func TestExecutionTimeoutAbortsOnce(t *testing.T) {
	var (
		mu  sync.Mutex
		now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	h := newHarness(t, func(req executor.Request) (executor.Output, error) {
		if req.NodeID == "S1" {
			mu.Lock()
			now = now.Add(DefaultMaxExecution + time.Second)
			mu.Unlock()
		}
		return executor.Output{OutputID: "out-" + req.NodeID}, nil
	}, func(o *Options) { o.Clock = clock })
	h.start(t, "q")

	out := h.orch.Run(context.Background(), testThread, testSession)

	require.Equal(t, OutcomeAborted, out.Status)
	assert.True(t, analysterr.IsKind(out.Err, analysterr.ExecutionTimeout))
	assert.Equal(t, []string{"S1"}, h.executed())
	assert.Equal(t, 1, h.tracker.aborted)
	assert.Zero(t, h.tracker.failed)

	snap := h.snapshot(t)
	assert.Equal(t, tracker.StatusAborted, snap.Status)
	require.NotNil(t, snap.Result)
	assert.Equal(t, msgTimeout, snap.Result.Message)
	h.assertReleased(t)
}

func TestCancelledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, func(req executor.Request) (executor.Output, error) {
		cancel()
		return executor.Output{OutputID: "out-" + req.NodeID}, nil
	}, nil)
	h.start(t, "q")

	out := h.orch.Run(ctx, testThread, testSession)

	require.Equal(t, OutcomeAborted, out.Status)
	assert.Equal(t, msgInterrupted, analysterr.UserMessage(out.Err))
	assert.Equal(t, tracker.StatusAborted, h.snapshot(t).Status)
}

func TestStuckStepAbortsAtBudget(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := newHarness(t, func(req executor.Request) (executor.Output, error) {
		<-release
		return executor.Output{OutputID: "out-" + req.NodeID}, nil
	}, func(o *Options) { o.Limits.MaxExecution = 100 * time.Millisecond })
	h.start(t, "q")

	start := time.Now()
	out := h.orch.Run(context.Background(), testThread, testSession)

	require.Equal(t, OutcomeAborted, out.Status)
	assert.True(t, analysterr.IsKind(out.Err, analysterr.ExecutionTimeout))
	assert.Less(t, time.Since(start), time.Second, "the run must not wait for the stuck step")
	assert.Equal(t, []string{"S1"}, h.executed())
	assert.Equal(t, 1, h.tracker.aborted)
	assert.Equal(t, tracker.StatusAborted, h.snapshot(t).Status)
	h.assertReleased(t)
}

func TestObjectIDInputsPassThrough(t *testing.T) {
	p := branchPlan()
	p.Nodes[1].InputIDs = []string{"sales", "obj_0a1b2c3d"}
	var got []string
	h := newHarness(t, func(req executor.Request) (executor.Output, error) {
		if req.NodeID == "S2" {
			got = req.InputIDs
		}
		return executor.Output{OutputID: "out-" + req.NodeID}, nil
	}, func(o *Options) { o.Planner = fixedPlanner(p) })
	h.start(t, "q")

	out := h.orch.Run(context.Background(), testThread, testSession)

	require.Equal(t, OutcomeCompleted, out.Status, "err: %v", out.Err)
	assert.Equal(t, []string{"out-S1", "obj_0a1b2c3d"}, got)
}

// ambiguousCritic asks for clarification until the query mentions a region.
func ambiguousCritic() collab.Critic {
	return collab.CriticFunc(func(_ context.Context, query string, _ *plan.Plan) (collab.Critique, error) {
		if strings.Contains(query, "by region") {
			return collab.Critique{Valid: true}, nil
		}
		return collab.Critique{NeedsClarification: true, Message: "Which breakdown do you want?"}, nil
	})
}

func TestClarificationSuspendsAndResumes(t *testing.T) {
	var planned int
	h := newHarness(t, nil, func(o *Options) {
		o.Critic = ambiguousCritic()
		o.Planner = collab.PlannerFunc(func(context.Context, collab.PlanRequest) (*plan.Plan, error) {
			planned++
			return branchPlan(), nil
		})
	})
	h.start(t, "average sales")
	ctx := context.Background()

	out := h.orch.Run(ctx, testThread, testSession)

	require.Equal(t, OutcomeNeedsClarification, out.Status, "err: %v", out.Err)
	assert.False(t, out.Terminal())
	assert.Equal(t, "Which breakdown do you want?", out.Prompt)
	sess, err := h.sessions.Get(ctx, testThread, testSession)
	require.NoError(t, err)
	assert.Equal(t, session.StatusWaiting, sess.Status)
	assert.Equal(t, "Which breakdown do you want?", sess.PendingPrompt)
	assert.NotEmpty(t, sess.PlanID)
	snap := h.snapshot(t)
	assert.Equal(t, tracker.StatusWaiting, snap.Status)
	lastSeq := snap.Milestones[len(snap.Milestones)-1].Seq
	active, ok, err := h.threads.GetActive(ctx, testThread)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, testSession, active)
	assert.Empty(t, h.executed())

	assert.Equal(t, 1, h.clarify(t, "by region"))
	out = h.orch.Resume(ctx, testThread, testSession)

	require.Equal(t, OutcomeCompleted, out.Status, "err: %v", out.Err)
	assert.Equal(t, 1, planned, "resume re-enters at critique with the suspended plan")
	assert.Equal(t, []string{"S1", "S2"}, h.executed())
	resumed, err := h.tracker.Snapshot(ctx, testSession, lastSeq)
	require.NoError(t, err)
	require.NotEmpty(t, resumed.Milestones)
	assert.Equal(t, "resuming", resumed.Milestones[0].Label)
	assert.Equal(t, lastSeq+1, resumed.Milestones[0].Seq)
	h.assertReleased(t)
}

func TestResumeWithoutPersistedPlanReplans(t *testing.T) {
	var planned int
	var queries []string
	h := newHarness(t, nil, func(o *Options) {
		o.Critic = ambiguousCritic()
		o.Planner = collab.PlannerFunc(func(_ context.Context, req collab.PlanRequest) (*plan.Plan, error) {
			planned++
			queries = append(queries, req.Query)
			return branchPlan(), nil
		})
	})
	h.start(t, "average sales")
	ctx := context.Background()
	require.Equal(t, OutcomeNeedsClarification, h.orch.Run(ctx, testThread, testSession).Status)

	// Simulate an expired plan object.
	require.NoError(t, h.sessions.MarkWaiting(ctx, testThread, testSession, "Which breakdown do you want?", ""))
	h.clarify(t, "by region")
	out := h.orch.Resume(ctx, testThread, testSession)

	require.Equal(t, OutcomeCompleted, out.Status, "err: %v", out.Err)
	assert.Equal(t, 2, planned)
	assert.Equal(t, []string{"average sales", "average sales by region"}, queries)
}

func TestClarificationBudgetAborts(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) {
		o.Critic = collab.CriticFunc(func(context.Context, string, *plan.Plan) (collab.Critique, error) {
			return collab.Critique{NeedsClarification: true, Message: "Which chart?"}, nil
		})
	})
	h.start(t, "plot it")
	ctx := context.Background()

	out := h.orch.Run(ctx, testThread, testSession)
	require.Equal(t, OutcomeNeedsClarification, out.Status)
	for i := 1; i < DefaultMaxClarifications; i++ {
		assert.Equal(t, i, h.clarify(t, "a chart"))
		out = h.orch.Resume(ctx, testThread, testSession)
		require.Equal(t, OutcomeNeedsClarification, out.Status)
	}
	assert.Equal(t, DefaultMaxClarifications, h.clarify(t, "any chart"))
	out = h.orch.Resume(ctx, testThread, testSession)

	require.Equal(t, OutcomeAborted, out.Status)
	assert.True(t, analysterr.IsKind(out.Err, analysterr.PlanAmbiguous))
	assert.Equal(t, msgStillMissing, analysterr.UserMessage(out.Err))
	sess, err := h.sessions.Get(ctx, testThread, testSession)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAborted, sess.Status)
	assert.Equal(t, tracker.StatusAborted, h.snapshot(t).Status)
	assert.Equal(t, 1, h.tracker.aborted)
	h.assertReleased(t)
}

func TestRevisionLoopIsBounded(t *testing.T) {
	var revised int
	h := newHarness(t, nil, func(o *Options) {
		o.Critic = collab.CriticFunc(func(context.Context, string, *plan.Plan) (collab.Critique, error) {
			return collab.Critique{Fixable: true, Message: "S2 uses the wrong input.", Errors: []string{"bad input"}}, nil
		})
		o.Revisor = collab.RevisorFunc(func(_ context.Context, _ collab.Critique, p *plan.Plan) (collab.Revision, error) {
			revised++
			return collab.Revision{Plan: p, FixedManually: true}, nil
		})
	})
	h.start(t, "q")

	out := h.orch.Run(context.Background(), testThread, testSession)

	require.Equal(t, OutcomeNeedsClarification, out.Status)
	assert.Equal(t, DefaultMaxRevisions, revised)
	assert.Equal(t, "S2 uses the wrong input.", out.Prompt)
}

func TestRevisorGivingUpAsksForClarification(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) {
		o.Critic = collab.CriticFunc(func(context.Context, string, *plan.Plan) (collab.Critique, error) {
			return collab.Critique{Message: "Did you mean revenue or units?"}, nil
		})
		o.Revisor = collab.RevisorFunc(func(_ context.Context, _ collab.Critique, p *plan.Plan) (collab.Revision, error) {
			return collab.Revision{Plan: p}, nil
		})
	})
	h.start(t, "q")

	out := h.orch.Run(context.Background(), testThread, testSession)

	require.Equal(t, OutcomeNeedsClarification, out.Status)
	assert.Equal(t, "Did you mean revenue or units?", out.Prompt)
}

func TestStructuralProblemsAreRevisedLocally(t *testing.T) {
	broken := branchPlan()
	broken.Nodes[1].Capability = "forecast"
	var critiqued int
	var got collab.Critique
	h := newHarness(t, nil, func(o *Options) {
		o.Planner = fixedPlanner(broken)
		o.Critic = collab.CriticFunc(func(context.Context, string, *plan.Plan) (collab.Critique, error) {
			critiqued++
			return collab.Critique{Valid: true}, nil
		})
		o.Revisor = collab.RevisorFunc(func(_ context.Context, c collab.Critique, p *plan.Plan) (collab.Revision, error) {
			got = c
			fixed := p.Clone()
			fixed.Nodes[1].Capability = plan.CapabilityAnalysis
			return collab.Revision{Plan: fixed, FixedManually: true}, nil
		})
	})
	h.start(t, "q")

	out := h.orch.Run(context.Background(), testThread, testSession)

	require.Equal(t, OutcomeCompleted, out.Status, "err: %v", out.Err)
	assert.Equal(t, 1, critiqued, "the critic only sees the repaired plan")
	assert.True(t, got.Fixable)
	assert.NotEmpty(t, got.Errors)
}

func TestPlannerFailureFails(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) {
		o.Planner = collab.PlannerFunc(func(context.Context, collab.PlanRequest) (*plan.Plan, error) {
			return nil, errors.New("model unavailable")
		})
	})
	h.start(t, "q")

	out := h.orch.Run(context.Background(), testThread, testSession)

	require.Equal(t, OutcomeFailed, out.Status)
	assert.True(t, analysterr.IsKind(out.Err, analysterr.Internal))
	snap := h.snapshot(t)
	assert.Equal(t, tracker.StatusFailed, snap.Status)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "Internal error: "+msgPlanning, snap.Result.Message)
	assert.NotContains(t, snap.Result.Message, "model unavailable")
}

func TestPlannerReceivesSchemaAndHistory(t *testing.T) {
	var got collab.PlanRequest
	h := newHarness(t, nil, func(o *Options) {
		o.Schemas = collab.SchemaFunc(func(context.Context, string) (string, error) {
			return "sales(region, amount)", nil
		})
		o.History = historyFunc(func(_ context.Context, _ string, limit int) ([]string, error) {
			assert.Equal(t, DefaultHistorySize, limit)
			return []string{"user: hello"}, nil
		})
		o.Planner = collab.PlannerFunc(func(_ context.Context, req collab.PlanRequest) (*plan.Plan, error) {
			got = req
			return branchPlan(), nil
		})
		o.Summarizer = collab.SummarizerFunc(func(_ context.Context, req collab.SummaryRequest) (string, error) {
			return "Average sales computed for " + req.ArtifactID, nil
		})
	})
	h.start(t, "average sales")

	out := h.orch.Run(context.Background(), testThread, testSession)

	require.Equal(t, OutcomeCompleted, out.Status, "err: %v", out.Err)
	assert.Equal(t, "sales(region, amount)", got.Schema)
	assert.Equal(t, []string{"user: hello"}, got.History)
	assert.Equal(t, "Average sales computed for out-S2", out.Result.Summary)
}

func TestChatMessageCompletesWithoutPlan(t *testing.T) {
	var planned int
	var asked collab.MessageRequest
	h := newHarness(t, nil, func(o *Options) {
		o.Schemas = collab.SchemaFunc(func(context.Context, string) (string, error) {
			return "sales(region, amount)", nil
		})
		o.Planner = collab.PlannerFunc(func(context.Context, collab.PlanRequest) (*plan.Plan, error) {
			planned++
			return branchPlan(), nil
		})
		o.Classifier = collab.ClassifierFunc(func(context.Context, collab.MessageRequest) (collab.Intent, error) {
			return collab.IntentChat, nil
		})
		o.Responder = collab.ResponderFunc(func(_ context.Context, req collab.MessageRequest) (string, error) {
			asked = req
			return "Hi! I can break down your sales data.", nil
		})
	})
	h.start(t, "hello there")

	out := h.orch.Run(context.Background(), testThread, testSession)

	require.Equal(t, OutcomeCompleted, out.Status, "err: %v", out.Err)
	assert.Equal(t, "Hi! I can break down your sales data.", out.Result.Summary)
	assert.Empty(t, out.Result.ArtifactID)
	assert.Zero(t, planned)
	assert.Empty(t, h.executed())
	assert.Equal(t, "hello there", asked.Message)
	assert.Equal(t, "sales(region, amount)", asked.Schema)
	assert.Equal(t, []string{"chat reply", "completed"}, h.labels(t))

	snap := h.snapshot(t)
	assert.Equal(t, tracker.StatusCompleted, snap.Status)
	require.NotNil(t, snap.Result)
	assert.Equal(t, out.Result.Summary, snap.Result.Summary)
	sess, err := h.sessions.Get(context.Background(), testThread, testSession)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	h.assertReleased(t)
}

func TestChatWithoutResponderUsesFallback(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) {
		o.Classifier = collab.ClassifierFunc(func(context.Context, collab.MessageRequest) (collab.Intent, error) {
			return collab.IntentChat, nil
		})
		o.Responder = collab.ResponderFunc(func(context.Context, collab.MessageRequest) (string, error) {
			return "", errors.New("model unavailable")
		})
	})
	h.start(t, "thanks")

	out := h.orch.Run(context.Background(), testThread, testSession)

	require.Equal(t, OutcomeCompleted, out.Status, "err: %v", out.Err)
	assert.Equal(t, msgChatFallback, out.Result.Summary)
	assert.Empty(t, h.executed())
}

func TestFollowUpIsRewrittenBeforePlanning(t *testing.T) {
	var got collab.PlanRequest
	var rewritten collab.MessageRequest
	h := newHarness(t, nil, func(o *Options) {
		o.History = historyFunc(func(context.Context, string, int) ([]string, error) {
			return []string{"user: average sales by region"}, nil
		})
		o.Classifier = collab.ClassifierFunc(func(context.Context, collab.MessageRequest) (collab.Intent, error) {
			return collab.IntentPlan, nil
		})
		o.Rewriter = collab.RewriterFunc(func(_ context.Context, req collab.MessageRequest) (string, error) {
			rewritten = req
			return "average sales by region for 2024", nil
		})
		o.Planner = collab.PlannerFunc(func(_ context.Context, req collab.PlanRequest) (*plan.Plan, error) {
			got = req
			return branchPlan(), nil
		})
	})
	h.start(t, "same for 2024")

	out := h.orch.Run(context.Background(), testThread, testSession)

	require.Equal(t, OutcomeCompleted, out.Status, "err: %v", out.Err)
	assert.Equal(t, "same for 2024", rewritten.Message)
	assert.Equal(t, []string{"user: average sales by region"}, rewritten.History)
	assert.Equal(t, "average sales by region for 2024", got.Query)
	assert.Equal(t, []string{"user: average sales by region"}, got.History)
	assert.Equal(t, []string{"S1", "S2"}, h.executed())
	labels := h.labels(t)
	require.NotEmpty(t, labels)
	assert.Equal(t, "request restated", labels[0])

	sess, err := h.sessions.Get(context.Background(), testThread, testSession)
	require.NoError(t, err)
	assert.Equal(t, "same for 2024", sess.Query, "the stored query keeps the user's words")
}

func TestRoutingFailuresFallThroughToPlanner(t *testing.T) {
	var got collab.PlanRequest
	h := newHarness(t, nil, func(o *Options) {
		o.Classifier = collab.ClassifierFunc(func(context.Context, collab.MessageRequest) (collab.Intent, error) {
			return "", errors.New("model unavailable")
		})
		o.Rewriter = collab.RewriterFunc(func(context.Context, collab.MessageRequest) (string, error) {
			return "", nil
		})
		o.Planner = collab.PlannerFunc(func(_ context.Context, req collab.PlanRequest) (*plan.Plan, error) {
			got = req
			return branchPlan(), nil
		})
	})
	h.start(t, "average sales")

	out := h.orch.Run(context.Background(), testThread, testSession)

	require.Equal(t, OutcomeCompleted, out.Status, "err: %v", out.Err)
	assert.Equal(t, "average sales", got.Query)
	assert.Equal(t, "out-S2", out.Result.ArtifactID)
}

func TestUnknownIntentIsPlanned(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) {
		o.Classifier = collab.ClassifierFunc(func(context.Context, collab.MessageRequest) (collab.Intent, error) {
			return "smalltalk", nil
		})
	})
	h.start(t, "average sales")

	out := h.orch.Run(context.Background(), testThread, testSession)

	require.Equal(t, OutcomeCompleted, out.Status, "err: %v", out.Err)
	assert.Equal(t, []string{"S1", "S2"}, h.executed())
}

func TestResumeSkipsRouting(t *testing.T) {
	var classified int
	h := newHarness(t, nil, func(o *Options) {
		o.Critic = ambiguousCritic()
		o.Classifier = collab.ClassifierFunc(func(context.Context, collab.MessageRequest) (collab.Intent, error) {
			classified++
			return collab.IntentPlan, nil
		})
	})
	h.start(t, "average sales")
	ctx := context.Background()

	out := h.orch.Run(ctx, testThread, testSession)
	require.Equal(t, OutcomeNeedsClarification, out.Status, "err: %v", out.Err)
	h.clarify(t, "by region")
	out = h.orch.Resume(ctx, testThread, testSession)

	require.Equal(t, OutcomeCompleted, out.Status, "err: %v", out.Err)
	assert.Equal(t, 1, classified)
}

func TestRunUnknownSession(t *testing.T) {
	h := newHarness(t, nil, nil)

	out := h.orch.Run(context.Background(), testThread, "missing")

	require.Equal(t, OutcomeFailed, out.Status)
	assert.True(t, analysterr.IsKind(out.Err, analysterr.UnknownSession))
}

func TestRunRejectsTerminalSession(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t, "q")
	require.NoError(t, h.sessions.MarkCompleted(context.Background(), testThread, testSession))

	out := h.orch.Run(context.Background(), testThread, testSession)

	require.Equal(t, OutcomeFailed, out.Status)
	assert.True(t, analysterr.IsKind(out.Err, analysterr.InvalidRequest))
	assert.Empty(t, h.executed())
	assert.Equal(t, tracker.StatusFailed, h.snapshot(t).Status)
	h.assertReleased(t)
}

// flakySessions fails every Get.
type flakySessions struct {
	session.Store
}

func (flakySessions) Get(context.Context, string, string) (session.Session, error) {
	return session.Session{}, errors.New("connection reset")
}

func TestSessionLoadFailureEndsRun(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) { o.Sessions = flakySessions{Store: o.Sessions} })
	h.start(t, "q")
	ctx := context.Background()

	out := h.orch.Run(ctx, testThread, testSession)

	require.Equal(t, OutcomeFailed, out.Status)
	assert.True(t, analysterr.IsKind(out.Err, analysterr.Internal))
	snap := h.snapshot(t)
	assert.Equal(t, tracker.StatusFailed, snap.Status)
	require.NotNil(t, snap.Result)
	assert.True(t, strings.HasPrefix(snap.Result.Message, "Internal error: "))
	sess, err := h.sessions.Get(ctx, testThread, testSession)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAborted, sess.Status)
	h.assertReleased(t)
	assert.Empty(t, h.executed())
}

func TestRunLeavesWaitingSessionSuspended(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t, "q")
	ctx := context.Background()
	require.NoError(t, h.sessions.MarkWaiting(ctx, testThread, testSession, "Which region?", ""))

	out := h.orch.Run(ctx, testThread, testSession)

	require.Equal(t, OutcomeFailed, out.Status)
	sess, err := h.sessions.Get(ctx, testThread, testSession)
	require.NoError(t, err)
	assert.Equal(t, session.StatusWaiting, sess.Status)
	active, ok, err := h.threads.GetActive(ctx, testThread)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, testSession, active)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	h := newHarness(t, nil, nil)
	_, err = New(Options{
		Sessions:  h.sessions,
		Threads:   h.threads,
		Tracker:   h.tracker,
		Objects:   h.objects,
		Executors: h.execs,
		Planner:   fixedPlanner(branchPlan()),
		Resolver:  collab.AbortAll,
		Limits:    Limits{MaxRetries: -1},
	})
	require.Error(t, err)
	assert.Equal(t, Limits{
		MaxClarifications: 3,
		MaxRetries:        2,
		MaxRevisions:      3,
		MaxExecution:      180 * time.Second,
		HistorySize:       6,
	}, h.orch.Limits())
}

// TestConditionalTraversal checks that a node runs exactly when one of its
// incoming edges was taken, on the diamond S1 -> {S2 if a, S3 if b} -> S4.
func TestConditionalTraversal(t *testing.T) {
	diamond := &plan.Plan{
		Nodes: []plan.Node{
			{ID: "S1", Capability: plan.CapabilityData, SubGoal: "load"},
			{ID: "S2", Capability: plan.CapabilityAnalysis, SubGoal: "left"},
			{ID: "S3", Capability: plan.CapabilityAnalysis, SubGoal: "right"},
			{ID: "S4", Capability: plan.CapabilityVisualization, SubGoal: "chart"},
		},
		Edges: []plan.Edge{
			{From: "S1", To: "S2", Condition: "a"},
			{From: "S1", To: "S3", Condition: "b"},
			{From: "S2", To: "S4"},
			{From: "S3", To: "S4"},
		},
	}
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("nodes run iff an incoming edge is taken", prop.ForAll(
		func(a, b bool) bool {
			h := newHarness(t, func(req executor.Request) (executor.Output, error) {
				out := executor.Output{OutputID: "out-" + req.NodeID}
				if req.NodeID == "S1" {
					out.Metadata = map[string]any{"a": a, "b": b}
				}
				return out, nil
			}, func(o *Options) { o.Planner = fixedPlanner(diamond) })
			h.start(t, "q")
			out := h.orch.Run(context.Background(), testThread, testSession)
			if out.Status != OutcomeCompleted {
				return false
			}
			want := []string{"S1"}
			if a {
				want = append(want, "S2")
			}
			if b {
				want = append(want, "S3")
			}
			artifact := "out-S1"
			if a || b {
				want = append(want, "S4")
				artifact = "out-S4"
			}
			return assert.ObjectsAreEqual(want, h.executed()) && out.Result.ArtifactID == artifact
		},
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

type historyFunc func(ctx context.Context, threadID string, limit int) ([]string, error)

func (f historyFunc) Recent(ctx context.Context, threadID string, limit int) ([]string, error) {
	return f(ctx, threadID, limit)
}
