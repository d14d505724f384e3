package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/analyst/internal/redistest"
	"goa.design/analyst/runtime/analyst/session"
	"goa.design/analyst/runtime/analyst/session/sessiontest"
)

func TestMain(m *testing.M) { os.Exit(redistest.Main(m)) }

func TestStoreContract(t *testing.T) {
	sessiontest.Run(t, func(t *testing.T) session.Store {
		s, err := New(Options{Client: redistest.Client(t)})
		require.NoError(t, err)
		return s
	})
}

func TestEmptyClarificationKeepsQueryButCounts(t *testing.T) {
	s, err := New(Options{Client: redistest.Client(t)})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Create(ctx, "t1", "s1", "sales by region")
	require.NoError(t, err)
	require.NoError(t, s.MarkWaiting(ctx, "t1", "s1", "Which year?", ""))
	n, err := s.AppendClarification(ctx, "t1", "s1", "   ")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, "t1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "sales by region", got.Query)
}

func TestCreateAppliesTTL(t *testing.T) {
	rdb := redistest.Client(t)
	s, err := New(Options{Client: rdb, TTL: time.Hour})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Create(ctx, "t1", "s1", "q")
	require.NoError(t, err)
	ttl, err := rdb.TTL(ctx, "analyst:session:t1:s1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
