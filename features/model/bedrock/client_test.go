package bedrock

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/analyst/features/model"
)

type stubRuntime struct {
	last *bedrockruntime.ConverseInput
	out  *bedrockruntime.ConverseOutput
	err  error
}

func (s *stubRuntime) Converse(_ context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	s.last = in
	return s.out, s.err
}

func textOutput(parts ...string) *bedrockruntime.ConverseOutput {
	blocks := make([]brtypes.ContentBlock, len(parts))
	for i, p := range parts {
		blocks[i] = &brtypes.ContentBlockMemberText{Value: p}
	}
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role:    brtypes.ConversationRoleAssistant,
			Content: blocks,
		}},
		StopReason: brtypes.StopReasonEndTurn,
		Usage:      &brtypes.TokenUsage{InputTokens: aws.Int32(7), OutputTokens: aws.Int32(2)},
	}
}

func TestCompleteBuildsConverseInput(t *testing.T) {
	rt := &stubRuntime{out: textOutput("a", "b")}
	cl, err := New(Options{Runtime: rt, DefaultModel: "anthropic.claude", MaxTokens: 512})
	require.NoError(t, err)

	resp, err := cl.Complete(context.Background(), model.Request{System: "sys", Prompt: "hello", Temperature: 0.2})
	require.NoError(t, err)
	assert.Equal(t, "ab", resp.Text)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, model.TokenUsage{InputTokens: 7, OutputTokens: 2}, resp.Usage)

	require.NotNil(t, rt.last)
	assert.Equal(t, "anthropic.claude", aws.ToString(rt.last.ModelId))
	require.Len(t, rt.last.System, 1)
	require.Len(t, rt.last.Messages, 1)
	assert.Equal(t, brtypes.ConversationRoleUser, rt.last.Messages[0].Role)
	require.NotNil(t, rt.last.InferenceConfig)
	assert.Equal(t, int32(512), aws.ToInt32(rt.last.InferenceConfig.MaxTokens))
	assert.InDelta(t, 0.2, aws.ToFloat32(rt.last.InferenceConfig.Temperature), 1e-6)
}

func TestCompleteOmitsInferenceConfigWhenUnset(t *testing.T) {
	rt := &stubRuntime{out: textOutput("ok")}
	cl, err := New(Options{Runtime: rt, DefaultModel: "m"})
	require.NoError(t, err)
	_, err = cl.Complete(context.Background(), model.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Nil(t, rt.last.InferenceConfig)
	assert.Empty(t, rt.last.System)
}

func TestCompleteEmptyOutput(t *testing.T) {
	cl, err := New(Options{Runtime: &stubRuntime{out: &bedrockruntime.ConverseOutput{}}, DefaultModel: "m"})
	require.NoError(t, err)
	_, err = cl.Complete(context.Background(), model.Request{Prompt: "hi"})
	require.ErrorIs(t, err, model.ErrEmptyResponse)
}

func TestCompleteMapsThrottling(t *testing.T) {
	rt := &stubRuntime{err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}}
	cl, err := New(Options{Runtime: rt, DefaultModel: "m"})
	require.NoError(t, err)
	_, err = cl.Complete(context.Background(), model.Request{Prompt: "hi"})
	require.ErrorIs(t, err, model.ErrRateLimited)

	rt.err = &smithy.GenericAPIError{Code: "ValidationException", Message: "bad model"}
	_, err = cl.Complete(context.Background(), model.Request{Prompt: "hi"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrRateLimited)
	assert.Contains(t, err.Error(), "ValidationException")

	rt.err = errors.New("network down")
	_, err = cl.Complete(context.Background(), model.Request{Prompt: "hi"})
	assert.EqualError(t, err, "bedrock converse: network down")
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{DefaultModel: "m"})
	require.Error(t, err)
	_, err = New(Options{Runtime: &stubRuntime{}})
	require.Error(t, err)
	_, err = NewFromCredentials("", "", "", "", Options{DefaultModel: "m"})
	require.Error(t, err)
}

func TestNewFromCredentials(t *testing.T) {
	cl, err := NewFromCredentials("us-east-1", "AKID", "secret", "", Options{DefaultModel: "m"})
	require.NoError(t, err)
	assert.NotNil(t, cl.runtime)
}
