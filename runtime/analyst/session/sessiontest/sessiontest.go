// Package sessiontest provides a behavioral test suite shared by every
// session.Store implementation.
package sessiontest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/analyst/runtime/analyst/session"
)

// Run exercises store against the session.Store contract. newStore must
// return an empty store on each call.
func Run(t *testing.T, newStore func(t *testing.T) session.Store) {
	t.Helper()

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		created, err := s.Create(ctx, "t1", "s1", "average sales by region")
		require.NoError(t, err)
		assert.Equal(t, session.StatusActive, created.Status)
		assert.Equal(t, 0, created.ClarificationCount)

		got, err := s.Get(ctx, "t1", "s1")
		require.NoError(t, err)
		assert.Equal(t, "average sales by region", got.Query)
		assert.Equal(t, session.StatusActive, got.Status)
		assert.False(t, got.CreatedAt.IsZero())

		_, err = s.Create(ctx, "t1", "s1", "again")
		require.ErrorIs(t, err, session.ErrExists)
	})

	t.Run("GetUnknown", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "t1", "missing")
		require.ErrorIs(t, err, session.ErrNotFound)
		_, err = s.Get(context.Background(), "other-thread", "missing")
		require.ErrorIs(t, err, session.ErrNotFound)
	})

	t.Run("ClarificationCountsAndMerges", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Create(ctx, "t1", "s1", "plot sales")
		require.NoError(t, err)

		_, err = s.AppendClarification(ctx, "t1", "s1", "as a bar chart")
		require.ErrorIs(t, err, session.ErrNotWaiting)

		require.NoError(t, s.MarkWaiting(ctx, "t1", "s1", "Which chart type?", "obj_0000abcd"))
		n, err := s.AppendClarification(ctx, "t1", "s1", "  as a bar chart ")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = s.AppendClarification(ctx, "t1", "s1", "")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, err := s.Get(ctx, "t1", "s1")
		require.NoError(t, err)
		assert.Equal(t, "plot sales as a bar chart", got.Query)
		assert.Equal(t, 2, got.ClarificationCount)
		assert.Equal(t, session.StatusWaiting, got.Status)
		assert.Equal(t, "Which chart type?", got.PendingPrompt)
		assert.Equal(t, "obj_0000abcd", got.PlanID)
	})

	t.Run("ConcurrentClarifications", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Create(ctx, "t1", "s1", "q")
		require.NoError(t, err)
		require.NoError(t, s.MarkWaiting(ctx, "t1", "s1", "?", ""))

		const n = 20
		var wg sync.WaitGroup
		counts := make(chan int, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				c, err := s.AppendClarification(ctx, "t1", "s1", fmt.Sprintf("c%d", i))
				if err == nil {
					counts <- c
				}
			}(i)
		}
		wg.Wait()
		close(counts)

		seen := make(map[int]bool)
		for c := range counts {
			assert.False(t, seen[c], "count %d returned twice", c)
			seen[c] = true
		}
		assert.Len(t, seen, n)
		got, err := s.Get(ctx, "t1", "s1")
		require.NoError(t, err)
		assert.Equal(t, n, got.ClarificationCount)
	})

	t.Run("Lifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Create(ctx, "t1", "s1", "q")
		require.NoError(t, err)

		require.ErrorIs(t, s.MarkActive(ctx, "t1", "s1"), session.ErrNotWaiting)
		require.NoError(t, s.MarkWaiting(ctx, "t1", "s1", "first?", "obj_00000001"))
		require.NoError(t, s.MarkWaiting(ctx, "t1", "s1", "second?", "obj_00000002"))
		require.NoError(t, s.MarkActive(ctx, "t1", "s1"))

		got, err := s.Get(ctx, "t1", "s1")
		require.NoError(t, err)
		assert.Equal(t, session.StatusActive, got.Status)
		assert.Empty(t, got.PendingPrompt)
		assert.Equal(t, "obj_00000002", got.PlanID)

		require.NoError(t, s.MarkCompleted(ctx, "t1", "s1"))
		require.ErrorIs(t, s.MarkAborted(ctx, "t1", "s1"), session.ErrTerminal)
		require.ErrorIs(t, s.MarkWaiting(ctx, "t1", "s1", "?", ""), session.ErrTerminal)
		require.ErrorIs(t, s.MarkActive(ctx, "t1", "s1"), session.ErrTerminal)
		require.ErrorIs(t, s.MarkCompleted(ctx, "t1", "s1"), session.ErrTerminal)
		_, err = s.AppendClarification(ctx, "t1", "s1", "late")
		require.ErrorIs(t, err, session.ErrTerminal)

		got, err = s.Get(ctx, "t1", "s1")
		require.NoError(t, err)
		assert.Equal(t, session.StatusCompleted, got.Status)
	})

	t.Run("AbortFromWaiting", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Create(ctx, "t1", "s1", "q")
		require.NoError(t, err)
		require.NoError(t, s.MarkWaiting(ctx, "t1", "s1", "?", ""))
		require.NoError(t, s.MarkAborted(ctx, "t1", "s1"))
		got, err := s.Get(ctx, "t1", "s1")
		require.NoError(t, err)
		assert.Equal(t, session.StatusAborted, got.Status)
	})

	t.Run("MutationsOnUnknownSession", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.ErrorIs(t, s.MarkWaiting(ctx, "t1", "nope", "?", ""), session.ErrNotFound)
		require.ErrorIs(t, s.MarkCompleted(ctx, "t1", "nope"), session.ErrNotFound)
		_, err := s.AppendClarification(ctx, "t1", "nope", "x")
		require.ErrorIs(t, err, session.ErrNotFound)
	})
}
