// Package middleware provides model.Client middlewares.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"

	"goa.design/analyst/features/model"
)

type (
	// TokenBudget is a tokens-per-minute allowance for model calls. It halves
	// when the provider throttles, grows by a small step after each
	// successful call and never leaves [floor, ceiling]. Calls are charged an
	// estimate up front and the reported usage once they return.
	TokenBudget struct {
		mu      sync.Mutex
		bucket  *rate.Limiter
		tpm     float64
		floor   float64
		ceiling float64
		step    float64
		shared  *sharedBudget
	}

	// BudgetOptions configures a TokenBudget.
	BudgetOptions struct {
		// TokensPerMinute is the starting budget. Required.
		TokensPerMinute float64
		// Ceiling bounds recovery. Defaults to TokensPerMinute.
		Ceiling float64
		// Shared, when set, keeps the budget in sync with every process
		// joined to the same replicated map under Key.
		Shared *rmap.Map
		Key    string
	}

	budgetedClient struct {
		next   model.Client
		budget *TokenBudget
	}
)

const (
	floorRatio           = 0.1
	stepRatio            = 0.05
	charsPerToken        = 4
	defaultOutputReserve = 256
)

// NewTokenBudget returns a budget configured by opts.
func NewTokenBudget(ctx context.Context, opts BudgetOptions) (*TokenBudget, error) {
	var m sharedMap
	if opts.Shared != nil {
		m = rmapShared{m: opts.Shared}
	}
	return newTokenBudget(ctx, m, opts.Key, opts.TokensPerMinute, opts.Ceiling)
}

func newTokenBudget(ctx context.Context, m sharedMap, key string, tpm, ceiling float64) (*TokenBudget, error) {
	if tpm <= 0 {
		return nil, errors.New("tokens per minute must be positive")
	}
	b := &TokenBudget{
		floor:   math.Max(1, tpm*floorRatio),
		ceiling: math.Max(tpm, ceiling),
		step:    math.Max(1, tpm*stepRatio),
	}
	var events <-chan rmap.EventKind
	if m != nil {
		if key == "" {
			return nil, errors.New("shared budget requires a key")
		}
		s, cur, err := joinShared(ctx, m, key, tpm)
		if err != nil {
			return nil, err
		}
		b.shared = s
		tpm = cur
		events = m.Subscribe()
	}
	tpm = b.clamp(tpm)
	b.tpm = tpm
	b.bucket = rate.NewLimiter(rate.Limit(tpm/60), burstOf(tpm))
	if events != nil {
		go b.shared.watch(events, b.replace)
	}
	return b, nil
}

// Middleware returns a model.Client middleware drawing from b.
func (b *TokenBudget) Middleware() model.Middleware {
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &budgetedClient{next: next, budget: b}
	}
}

// TokensPerMinute returns the current budget.
func (b *TokenBudget) TokensPerMinute() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tpm
}

func (c *budgetedClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	charged, err := c.budget.reserve(ctx, requestCost(req))
	if err != nil {
		return model.Response{}, err
	}
	resp, err := c.next.Complete(ctx, req)
	switch {
	case err == nil:
		c.budget.settle(resp.Usage, charged)
		c.budget.adjust(func(tpm float64) float64 { return tpm + c.budget.step })
	case errors.Is(err, model.ErrRateLimited):
		c.budget.adjust(func(tpm float64) float64 { return tpm / 2 })
	}
	return resp, err
}

// reserve waits for n tokens. Requests larger than the bucket wait for a
// full bucket instead of failing, so a shrunken budget still admits them.
func (b *TokenBudget) reserve(ctx context.Context, n int) (int, error) {
	for {
		if burst := b.bucket.Burst(); n > burst {
			n = burst
		}
		err := b.bucket.WaitN(ctx, n)
		if err == nil {
			return n, nil
		}
		if ctx.Err() == nil && n > b.bucket.Burst() {
			// The budget shrank while waiting.
			continue
		}
		return 0, fmt.Errorf("model token budget: %w", err)
	}
}

// settle charges the usage the provider reported beyond the reservation.
// The bucket may go into debt, which delays the next callers.
func (b *TokenBudget) settle(usage model.TokenUsage, charged int) {
	extra := usage.InputTokens + usage.OutputTokens - charged
	if extra <= 0 {
		return
	}
	if burst := b.bucket.Burst(); extra > burst {
		extra = burst
	}
	b.bucket.ReserveN(time.Now(), extra)
}

// adjust applies fn to the local budget and propagates the change.
func (b *TokenBudget) adjust(fn func(float64) float64) {
	b.mu.Lock()
	prev := b.tpm
	next := b.applyLocked(fn(prev))
	b.mu.Unlock()
	if next == prev || b.shared == nil {
		return
	}
	go b.shared.update(func(cur float64) float64 { return b.clamp(fn(cur)) })
}

// replace adopts a budget changed by another process.
func (b *TokenBudget) replace(tpm float64) {
	b.mu.Lock()
	b.applyLocked(tpm)
	b.mu.Unlock()
}

func (b *TokenBudget) applyLocked(tpm float64) float64 {
	tpm = b.clamp(tpm)
	if tpm == b.tpm {
		return tpm
	}
	b.tpm = tpm
	b.bucket.SetLimit(rate.Limit(tpm / 60))
	b.bucket.SetBurst(burstOf(tpm))
	return tpm
}

func (b *TokenBudget) clamp(tpm float64) float64 {
	return math.Min(math.Max(tpm, b.floor), b.ceiling)
}

func burstOf(tpm float64) int {
	return max(1, int(tpm))
}

// requestCost estimates the tokens of req: the prompt at four characters per
// token plus the completion cap.
func requestCost(req model.Request) int {
	prompt := (len(req.System) + len(req.Prompt) + charsPerToken - 1) / charsPerToken
	out := req.MaxTokens
	if out <= 0 {
		out = defaultOutputReserve
	}
	return prompt + out
}
