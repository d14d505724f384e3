package executor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

type (
	timeoutExecutor struct {
		next    Executor
		timeout time.Duration
	}

	limitedExecutor struct {
		next    Executor
		limiter *rate.Limiter
	}
)

// WithTimeout bounds every call with d. Calls exceeding it fail with a
// StepError wrapping context.DeadlineExceeded. Non-positive durations disable
// the middleware.
func WithTimeout(d time.Duration) Middleware {
	return func(next Executor) Executor {
		if d <= 0 || next == nil {
			return next
		}
		return &timeoutExecutor{next: next, timeout: d}
	}
}

// WithRateLimit blocks calls until limiter grants a token. A nil limiter
// disables the middleware.
func WithRateLimit(limiter *rate.Limiter) Middleware {
	return func(next Executor) Executor {
		if limiter == nil || next == nil {
			return next
		}
		return &limitedExecutor{next: next, limiter: limiter}
	}
}

// NewLimiter returns a token bucket allowing perSecond calls per second with
// a burst of burst. A non-positive rate returns nil (unlimited).
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Call runs exec and returns as soon as ctx is done, even when exec ignores
// ctx. The result of an abandoned call is discarded.
func Call(ctx context.Context, exec Executor, req Request) (Output, error) {
	type result struct {
		out Output
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{err: StepErrorf("step %s panicked: %v", req.NodeID, rec)}
			}
		}()
		out, err := exec.Execute(ctx, req)
		done <- result{out: out, err: err}
	}()
	select {
	case res := <-done:
		return res.out, res.err
	case <-ctx.Done():
		return Output{}, ctx.Err()
	}
}

func (e *timeoutExecutor) Execute(ctx context.Context, req Request) (Output, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := Call(ctx, e.next, req)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return Output{}, WrapStepError(fmt.Sprintf("step %s timed out after %s", req.NodeID, e.timeout), ctx.Err())
	}
	return out, err
}

func (e *limitedExecutor) Execute(ctx context.Context, req Request) (Output, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return Output{}, WrapStepError("rate limit wait", err)
	}
	return e.next.Execute(ctx, req)
}
