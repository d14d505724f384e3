// Package runner executes orchestrator invocations on detached goroutines.
// Callers get a handle immediately and poll the tracker for progress; the
// request that started a run never cancels it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"goa.design/analyst/runtime/analyst/analysterr"
	"goa.design/analyst/runtime/analyst/orchestrator"
	"goa.design/analyst/runtime/analyst/telemetry"
)

type (
	// Func is one orchestrator invocation.
	Func func(ctx context.Context) orchestrator.Outcome

	// Option configures a Runner.
	Option func(*Runner)

	// Runner tracks in-flight runs.
	Runner struct {
		logger telemetry.Logger

		mu      sync.Mutex
		wg      sync.WaitGroup
		handles map[string]*Handle
		closed  bool
	}

	// Handle is an in-flight or finished run.
	Handle struct {
		sessionID string
		cancel    context.CancelFunc
		done      chan struct{}

		mu  sync.Mutex
		out orchestrator.Outcome
	}
)

// ErrClosed is returned by Start after Shutdown.
var ErrClosed = errors.New("runner is shut down")

// WithLogger sets the logger used to report panics.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// New returns a Runner.
func New(opts ...Option) *Runner {
	r := &Runner{
		logger:  telemetry.NewNoopLogger(),
		handles: make(map[string]*Handle),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start runs fn on a new goroutine. The run inherits ctx values but not its
// cancellation. Starting a session that is already running returns an error.
func (r *Runner) Start(ctx context.Context, sessionID string, fn Func) (*Handle, error) {
	if fn == nil {
		return nil, errors.New("run function is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if h, ok := r.handles[sessionID]; ok {
		select {
		case <-h.done:
		default:
			return nil, fmt.Errorf("session %q is already running", sessionID)
		}
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{sessionID: sessionID, cancel: cancel, done: make(chan struct{})}
	r.handles[sessionID] = h
	r.wg.Add(1)
	go r.run(runCtx, h, fn)
	return h, nil
}

func (r *Runner) run(ctx context.Context, h *Handle, fn Func) {
	defer r.wg.Done()
	defer h.cancel()
	defer close(h.done)
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		err := fmt.Errorf("panic: %v", rec)
		r.logger.Error(ctx, "session run panicked", "session_id", h.sessionID, "err", err, "stack", string(debug.Stack()))
		h.set(orchestrator.Outcome{
			SessionID: h.sessionID,
			Status:    orchestrator.OutcomeFailed,
			Err:       analysterr.Wrap(analysterr.Internal, "An internal error occurred while processing the request.", err),
		})
		r.forget(h)
	}()
	out := fn(ctx)
	h.set(out)
	r.forget(h)
}

// Cancel cancels the run of sessionID. It reports whether a run was in
// flight.
func (r *Runner) Cancel(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[sessionID]
	if !ok {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		h.cancel()
		return true
	}
}

func (r *Runner) forget(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[h.sessionID] == h {
		delete(r.handles, h.sessionID)
	}
}

// Running returns the number of in-flight runs.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, h := range r.handles {
		select {
		case <-h.done:
		default:
			n++
		}
	}
	return n
}

// Shutdown stops accepting runs and waits for in-flight runs. When ctx is
// done first, remaining runs are cancelled and ctx.Err is returned once they
// exit.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	r.mu.Lock()
	for _, h := range r.handles {
		h.cancel()
	}
	r.mu.Unlock()
	<-done
	return ctx.Err()
}

// SessionID returns the session the handle runs.
func (h *Handle) SessionID() string { return h.sessionID }

// Done is closed when the run returns.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run returns or ctx is done.
func (h *Handle) Wait(ctx context.Context) (orchestrator.Outcome, error) {
	select {
	case <-ctx.Done():
		return orchestrator.Outcome{}, ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.out, nil
	}
}

func (h *Handle) set(out orchestrator.Outcome) {
	h.mu.Lock()
	h.out = out
	h.mu.Unlock()
}
