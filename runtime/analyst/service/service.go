// Package service implements the caller-facing request paths: posting a
// message, answering a clarification and polling an execution.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/analyst/runtime/analyst/analysterr"
	"goa.design/analyst/runtime/analyst/conversation"
	"goa.design/analyst/runtime/analyst/objectstore"
	"goa.design/analyst/runtime/analyst/orchestrator"
	"goa.design/analyst/runtime/analyst/runner"
	"goa.design/analyst/runtime/analyst/session"
	"goa.design/analyst/runtime/analyst/telemetry"
	"goa.design/analyst/runtime/analyst/thread"
	"goa.design/analyst/runtime/analyst/tracker"
)

type (
	// Orchestrator runs and resumes sessions.
	Orchestrator interface {
		Run(ctx context.Context, threadID, sessionID string) orchestrator.Outcome
		Resume(ctx context.Context, threadID, sessionID string) orchestrator.Outcome
	}

	// Options configures a Service. Conversations and Telemetry are
	// optional.
	Options struct {
		Sessions      session.Store
		Threads       thread.Registry
		Tracker       tracker.Tracker
		Objects       objectstore.Store
		Orchestrator  Orchestrator
		Runner        *runner.Runner
		Conversations conversation.Store
		// MaxClarifications aborts a session on the clarification that
		// reaches it.
		MaxClarifications int
		Telemetry         telemetry.Set
		// NewID overrides session id generation. Intended for tests.
		NewID func() string
	}

	// Service implements the request paths.
	Service struct {
		sessions          session.Store
		threads           thread.Registry
		tracker           tracker.Tracker
		objects           objectstore.Store
		orch              Orchestrator
		runner            *runner.Runner
		conversations     conversation.Store
		maxClarifications int
		logger            telemetry.Logger
		metrics           telemetry.Metrics
		newID             func() string

		// threadLocks serializes request paths per thread.
		threadLocks sync.Map
	}

	// Reply is returned by Message and Clarify.
	Reply struct {
		SessionID string      `json:"session_id"`
		Status    ReplyStatus `json:"status"`
		// Message is the user-facing text when the session ended immediately.
		Message string `json:"message_to_user,omitempty"`
	}

	// ReplyStatus is the session status reported to callers.
	ReplyStatus string
)

const (
	// ReplyRunning reports a session started on the runner. Callers poll
	// Execution for progress.
	ReplyRunning ReplyStatus = "running"
	// ReplyAborted reports a session aborted by the request itself.
	ReplyAborted ReplyStatus = "aborted"
)

// Metric names.
const (
	MetricMessagesAdmitted = "analyst.messages.admitted"
	MetricMessagesRejected = "analyst.messages.rejected"
)

const (
	msgStillMissing = "I'm still missing required information. Please rephrase your request as a new message."
	msgSuperseded   = "Superseded by a newer message."
	msgInternal     = "An internal error occurred while processing the request."
)

// New validates opts and returns a Service.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Sessions == nil:
		return nil, errors.New("session store is required")
	case opts.Threads == nil:
		return nil, errors.New("thread registry is required")
	case opts.Tracker == nil:
		return nil, errors.New("tracker is required")
	case opts.Objects == nil:
		return nil, errors.New("object store is required")
	case opts.Orchestrator == nil:
		return nil, errors.New("orchestrator is required")
	case opts.Runner == nil:
		return nil, errors.New("runner is required")
	}
	maxClar := opts.MaxClarifications
	if maxClar <= 0 {
		maxClar = orchestrator.DefaultMaxClarifications
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }
	}
	tel := opts.Telemetry.WithDefaults()
	return &Service{
		sessions:          opts.Sessions,
		threads:           opts.Threads,
		tracker:           opts.Tracker,
		objects:           opts.Objects,
		orch:              opts.Orchestrator,
		runner:            opts.Runner,
		conversations:     opts.Conversations,
		maxClarifications: maxClar,
		logger:            tel.Logger,
		metrics:           tel.Metrics,
		newID:             newID,
	}, nil
}

// Message admits text against the thread quota, supersedes any live session
// of the thread and starts a new session in the background.
func (s *Service) Message(ctx context.Context, threadID, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if threadID == "" || text == "" {
		return Reply{}, analysterr.New(analysterr.InvalidRequest, "A thread and a non-empty message are required.")
	}
	unlock := s.lock(threadID)
	defer unlock()

	adm, err := s.threads.Admit(ctx, threadID)
	if err != nil {
		return Reply{}, s.internal(ctx, "admit message", err)
	}
	if !adm.Allowed {
		s.metrics.IncCounter(MetricMessagesRejected, 1)
		s.logger.Info(ctx, "message rejected by quota", "thread_id", threadID, "count", adm.Count)
		return Reply{}, analysterr.Errorf(analysterr.QuotaExceeded,
			"You have reached the message limit for this thread. Try again after %s.", adm.ResetAt.UTC().Format(time.RFC3339))
	}
	s.metrics.IncCounter(MetricMessagesAdmitted, 1)

	s.supersede(ctx, threadID)

	sessionID := s.newID()
	if _, err := s.sessions.Create(ctx, threadID, sessionID, text); err != nil {
		return Reply{}, s.internal(ctx, "create session", err)
	}
	if err := s.tracker.Init(ctx, sessionID); err != nil {
		s.abandon(ctx, threadID, sessionID)
		return Reply{}, s.internal(ctx, "init execution record", err)
	}
	if err := s.threads.SetActive(ctx, threadID, sessionID); err != nil {
		s.abandon(ctx, threadID, sessionID)
		return Reply{}, s.internal(ctx, "set active session", err)
	}
	if err := s.start(ctx, threadID, sessionID, text, false); err != nil {
		return Reply{}, err
	}
	s.logger.Info(ctx, "session started", "thread_id", threadID, "session_id", sessionID)
	return Reply{SessionID: sessionID, Status: ReplyRunning}, nil
}

// Clarify answers the pending question of the thread's active session and
// resumes it in the background. The clarification that reaches the limit
// aborts the session instead.
func (s *Service) Clarify(ctx context.Context, threadID, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if threadID == "" {
		return Reply{}, analysterr.New(analysterr.InvalidRequest, "A thread is required.")
	}
	unlock := s.lock(threadID)
	defer unlock()

	sessionID, ok, err := s.threads.GetActive(ctx, threadID)
	if err != nil {
		return Reply{}, s.internal(ctx, "get active session", err)
	}
	if !ok {
		return Reply{}, analysterr.New(analysterr.UnknownSession, "No active session for this thread.")
	}
	sess, err := s.sessions.Get(ctx, threadID, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return Reply{}, analysterr.Wrap(analysterr.UnknownSession, "The active session no longer exists.", err)
		}
		return Reply{}, s.internal(ctx, "get session", err)
	}
	if sess.Status != session.StatusWaiting {
		return Reply{}, analysterr.New(analysterr.NotWaiting, "Session is not waiting for clarification.")
	}

	count, err := s.sessions.AppendClarification(ctx, threadID, sessionID, text)
	if err != nil {
		if errors.Is(err, session.ErrNotWaiting) || errors.Is(err, session.ErrTerminal) {
			return Reply{}, analysterr.Wrap(analysterr.NotWaiting, "Session is not waiting for clarification.", err)
		}
		return Reply{}, s.internal(ctx, "append clarification", err)
	}

	if count >= s.maxClarifications {
		s.logger.Info(ctx, "clarification budget exhausted", "thread_id", threadID, "session_id", sessionID, "count", count)
		s.logErr(ctx, "abort session", s.sessions.MarkAborted(ctx, threadID, sessionID))
		s.logErr(ctx, "mark aborted", s.tracker.MarkAborted(ctx, sessionID, msgStillMissing))
		_, err := s.threads.ClearActiveIf(ctx, threadID, sessionID)
		s.logErr(ctx, "clear active session", err)
		s.record(ctx, threadID, text, conversation.StatusAborted)
		return Reply{SessionID: sessionID, Status: ReplyAborted, Message: msgStillMissing}, nil
	}

	if err := s.sessions.MarkActive(ctx, threadID, sessionID); err != nil {
		return Reply{}, s.internal(ctx, "resume session", err)
	}
	if err := s.tracker.Init(ctx, sessionID); err != nil {
		s.abandon(ctx, threadID, sessionID)
		return Reply{}, s.internal(ctx, "re-arm execution record", err)
	}
	if err := s.start(ctx, threadID, sessionID, text, true); err != nil {
		return Reply{}, err
	}
	s.logger.Info(ctx, "session resumed", "thread_id", threadID, "session_id", sessionID, "clarifications", count)
	return Reply{SessionID: sessionID, Status: ReplyRunning}, nil
}

// Execution returns the progress of sessionID with milestones after afterSeq.
func (s *Service) Execution(ctx context.Context, sessionID string, afterSeq int) (*tracker.Snapshot, error) {
	if sessionID == "" || afterSeq < 0 {
		return nil, analysterr.New(analysterr.InvalidRequest, "A session id and a non-negative cursor are required.")
	}
	snap, err := s.tracker.Snapshot(ctx, sessionID, afterSeq)
	if err != nil {
		return nil, s.internal(ctx, "snapshot", err)
	}
	if snap == nil {
		return nil, analysterr.New(analysterr.UnknownSession, "Unknown session.")
	}
	return snap, nil
}

// Object returns the artifact id.
func (s *Service) Object(ctx context.Context, id string) (objectstore.Object, error) {
	obj, err := s.objects.Get(ctx, id)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return objectstore.Object{}, analysterr.Wrap(analysterr.UnknownObject, "Unknown or expired object.", err)
		}
		return objectstore.Object{}, s.internal(ctx, "get object", err)
	}
	return obj, nil
}

// start launches the orchestrator on the runner and records the turn when it
// returns.
func (s *Service) start(ctx context.Context, threadID, sessionID, text string, resume bool) error {
	_, err := s.runner.Start(ctx, sessionID, func(runCtx context.Context) orchestrator.Outcome {
		defer func() {
			if rec := recover(); rec != nil {
				s.abandon(context.WithoutCancel(runCtx), threadID, sessionID)
				panic(rec)
			}
		}()
		var out orchestrator.Outcome
		if resume {
			out = s.orch.Resume(runCtx, threadID, sessionID)
		} else {
			out = s.orch.Run(runCtx, threadID, sessionID)
		}
		s.record(runCtx, threadID, text, turnStatus(out.Status))
		return out
	})
	if err != nil {
		s.abandon(ctx, threadID, sessionID)
		return s.internal(ctx, "start session", err)
	}
	return nil
}

// supersede aborts the live session of threadID, if any, so the thread never
// holds two live sessions.
func (s *Service) supersede(ctx context.Context, threadID string) {
	prev, ok, err := s.threads.GetActive(ctx, threadID)
	if err != nil {
		s.logErr(ctx, "get active session", err)
		return
	}
	if !ok {
		return
	}
	sess, err := s.sessions.Get(ctx, threadID, prev)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			s.logErr(ctx, "get superseded session", err)
		}
		return
	}
	if !sess.Status.Live() {
		return
	}
	s.logger.Info(ctx, "superseding live session", "thread_id", threadID, "session_id", prev, "status", string(sess.Status))
	s.logErr(ctx, "abort superseded session", s.sessions.MarkAborted(ctx, threadID, prev))
	if err := s.tracker.MarkAborted(ctx, prev, msgSuperseded); err != nil && !errors.Is(err, tracker.ErrTerminal) {
		s.logErr(ctx, "mark superseded aborted", err)
	}
	s.runner.Cancel(prev)
}

// abandon aborts a session that could not be started.
func (s *Service) abandon(ctx context.Context, threadID, sessionID string) {
	if err := s.sessions.MarkAborted(ctx, threadID, sessionID); err != nil && !errors.Is(err, session.ErrTerminal) {
		s.logErr(ctx, "abort session", err)
	}
	if err := s.tracker.MarkFailed(ctx, sessionID, "Internal error: "+msgInternal); err != nil &&
		!errors.Is(err, tracker.ErrTerminal) && !errors.Is(err, tracker.ErrNotFound) {
		s.logErr(ctx, "mark failed", err)
	}
	_, err := s.threads.ClearActiveIf(ctx, threadID, sessionID)
	s.logErr(ctx, "clear active session", err)
}

// record appends a user turn to the conversation log.
func (s *Service) record(ctx context.Context, threadID, text string, status conversation.Status) {
	if s.conversations == nil {
		return
	}
	err := s.conversations.Append(ctx, conversation.Entry{
		ThreadID: threadID,
		Role:     conversation.RoleUser,
		Content:  text,
		Status:   status,
	})
	s.logErr(ctx, "record conversation turn", err)
}

func (s *Service) lock(threadID string) func() {
	v, _ := s.threadLocks.LoadOrStore(threadID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Service) internal(ctx context.Context, op string, err error) error {
	s.logger.Error(ctx, op, "err", err)
	return analysterr.Wrap(analysterr.Internal, msgInternal, fmt.Errorf("%s: %w", op, err))
}

func (s *Service) logErr(ctx context.Context, op string, err error) {
	if err != nil {
		s.logger.Error(ctx, op, "err", err)
	}
}

func turnStatus(st orchestrator.OutcomeStatus) conversation.Status {
	switch st {
	case orchestrator.OutcomeCompleted:
		return conversation.StatusCompleted
	case orchestrator.OutcomeNeedsClarification:
		return conversation.StatusClarificationRequired
	case orchestrator.OutcomeAborted:
		return conversation.StatusAborted
	default:
		return conversation.StatusFailed
	}
}
