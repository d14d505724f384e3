// Package bedrock provides a model.Client backed by the AWS Bedrock Converse
// API.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/analyst/features/model"
)

type (
	// RuntimeClient mirrors the subset of the Bedrock runtime client required
	// by the adapter. It is satisfied by *bedrockruntime.Client.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the adapter.
	Options struct {
		Runtime RuntimeClient
		// DefaultModel is the Bedrock model id used when Request.Model is
		// empty. Required.
		DefaultModel string
		// MaxTokens is used when Request.MaxTokens is zero.
		MaxTokens int
	}

	// Client implements model.Client on top of Bedrock Converse.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTokens    int
	}
)

// New builds a Bedrock-backed model client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{runtime: opts.Runtime, defaultModel: opts.DefaultModel, maxTokens: opts.MaxTokens}, nil
}

// NewFromCredentials builds a runtime client for region using static
// credentials. Empty keys fall back to anonymous access, which only works
// with endpoints that do not require signing.
func NewFromCredentials(region, accessKeyID, secretAccessKey, sessionToken string, opts Options) (*Client, error) {
	if region == "" {
		return nil, errors.New("region is required")
	}
	rtOpts := bedrockruntime.Options{Region: region}
	if accessKeyID != "" {
		creds := aws.Credentials{AccessKeyID: accessKeyID, SecretAccessKey: secretAccessKey, SessionToken: sessionToken}
		rtOpts.Credentials = aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return creds, nil
		}))
	}
	opts.Runtime = bedrockruntime.New(rtOpts)
	return New(opts)
}

// Complete issues a Converse request and concatenates the text blocks of the
// reply.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if err := req.Validate(); err != nil {
		return model.Response{}, err
	}
	out, err := c.runtime.Converse(ctx, c.buildConverseInput(req))
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, wrapBedrockError(err)
	}
	return translateResponse(out)
}

func (c *Client) buildConverseInput(req model.Request) *bedrockruntime.ConverseInput {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(modelID),
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: req.Prompt}},
		}},
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.System}}
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 || req.Temperature > 0 {
		var cfg brtypes.InferenceConfiguration
		if maxTokens > 0 {
			cfg.MaxTokens = aws.Int32(int32(maxTokens)) //nolint:gosec // AWS SDK requires int32
		}
		if req.Temperature > 0 {
			cfg.Temperature = aws.Float32(float32(req.Temperature))
		}
		input.InferenceConfig = &cfg
	}
	return input
}

func isRateLimited(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests
}

func wrapBedrockError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("bedrock converse: %s: %s: %w", apiErr.ErrorCode(), apiErr.ErrorMessage(), err)
	}
	return fmt.Errorf("bedrock converse: %w", err)
}

func translateResponse(out *bedrockruntime.ConverseOutput) (model.Response, error) {
	if out == nil {
		return model.Response{}, errors.New("bedrock: response is nil")
	}
	var b strings.Builder
	if msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if v, ok := block.(*brtypes.ContentBlockMemberText); ok {
				b.WriteString(v.Value)
			}
		}
	}
	if b.Len() == 0 {
		return model.Response{}, model.ErrEmptyResponse
	}
	resp := model.Response{Text: b.String(), StopReason: string(out.StopReason)}
	if u := out.Usage; u != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(aws.ToInt32(u.InputTokens)),
			OutputTokens: int(aws.ToInt32(u.OutputTokens)),
		}
	}
	return resp, nil
}
