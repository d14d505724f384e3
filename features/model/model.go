// Package model defines the minimal text completion contract shared by the
// provider adapters (Anthropic, OpenAI, Bedrock) and the collaborators that
// prompt them for plans, critiques and repair decisions.
package model

import (
	"context"
	"errors"
)

type (
	// Client completes a single prompt.
	Client interface {
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Request is a single-turn completion request.
	Request struct {
		// Model overrides the adapter default model when set.
		Model string
		// System is the system prompt. May be empty.
		System string
		// Prompt is the user message.
		Prompt string
		// MaxTokens caps the completion. Zero uses the adapter default.
		MaxTokens int
		// Temperature is the sampling temperature. Zero uses the adapter
		// default.
		Temperature float64
	}

	// Response is the completion output.
	Response struct {
		// Text concatenates the text blocks of the completion.
		Text string
		// StopReason is the provider stop reason.
		StopReason string
		// Usage reports token consumption when the provider returns it.
		Usage TokenUsage
	}

	// TokenUsage reports token consumption.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
	}

	// Middleware decorates a Client.
	Middleware func(Client) Client

	// ClientFunc adapts a function to Client.
	ClientFunc func(ctx context.Context, req Request) (Response, error)
)

var (
	// ErrRateLimited indicates the provider throttled the request. Adapters
	// wrap it so middlewares can react.
	ErrRateLimited = errors.New("model: rate limited")
	// ErrEmptyResponse indicates the provider returned no text.
	ErrEmptyResponse = errors.New("model: empty response")
)

// Complete implements Client.
func (f ClientFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Validate checks the request fields every adapter requires.
func (r Request) Validate() error {
	if r.Prompt == "" {
		return errors.New("model: prompt is required")
	}
	if r.MaxTokens < 0 {
		return errors.New("model: max tokens must be >= 0")
	}
	return nil
}

// Chain wraps c with mws, the first middleware being the outermost.
func Chain(c Client, mws ...Middleware) Client {
	for i := len(mws) - 1; i >= 0; i-- {
		c = mws[i](c)
	}
	return c
}
