// Package openai provides a model.Client backed by the OpenAI Chat
// Completions API using github.com/openai/openai-go.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/analyst/features/model"
)

type (
	// ChatClient captures the subset of the SDK used by the adapter. It is
	// satisfied by *sdk.ChatCompletionService.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures the adapter.
	Options struct {
		Client ChatClient
		// DefaultModel is used when Request.Model is empty. Required.
		DefaultModel string
	}

	// Client implements model.Client via Chat Completions.
	Client struct {
		chat  ChatClient
		model string
	}
)

// New builds an OpenAI-backed model client.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default SDK HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &oc.Chat.Completions, DefaultModel: defaultModel})
}

// Complete renders a chat completion and returns the first choice.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if err := req.Validate(); err != nil {
		return model.Response{}, err
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, sdk.SystemMessage(req.System))
	}
	messages = append(messages, sdk.UserMessage(req.Prompt))
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(modelID),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateResponse(resp)
}

func translateResponse(resp *sdk.ChatCompletion) (model.Response, error) {
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return model.Response{}, model.ErrEmptyResponse
	}
	choice := resp.Choices[0]
	return model.Response{
		Text:       choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}
