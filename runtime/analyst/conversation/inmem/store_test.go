package inmem

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/analyst/runtime/analyst/conversation"
)

func TestRecentReturnsNewestOldestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := range 8 {
		require.NoError(t, s.Append(ctx, conversation.Entry{
			ThreadID: "t1",
			Role:     conversation.RoleUser,
			Content:  fmt.Sprintf("m%d", i),
			Status:   conversation.StatusCompleted,
		}))
	}
	require.NoError(t, s.Append(ctx, conversation.Entry{ThreadID: "t2", Role: conversation.RoleUser, Content: "other"}))

	got, err := s.Recent(ctx, "t1", 6)
	require.NoError(t, err)
	require.Len(t, got, 6)
	assert.Equal(t, "m2", got[0].Content)
	assert.Equal(t, "m7", got[5].Content)
	assert.False(t, got[0].CreatedAt.IsZero())

	all, err := s.Recent(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 8)
}

func TestAppendValidates(t *testing.T) {
	s := New()
	require.Error(t, s.Append(context.Background(), conversation.Entry{Role: conversation.RoleUser}))
	require.Error(t, s.Append(context.Background(), conversation.Entry{ThreadID: "t1"}))
}

func TestHistoryFormatsEntries(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, conversation.Entry{ThreadID: "t1", Role: conversation.RoleUser, Content: "sales by region", Status: conversation.StatusClarificationRequired}))
	require.NoError(t, s.Append(ctx, conversation.Entry{ThreadID: "t1", Role: conversation.RoleUser, Content: "bar chart"}))

	got, err := conversation.History{Store: s}.Recent(ctx, "t1", 6)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"user (clarification_required): sales by region",
		"user: bar chart",
	}, got)
}
