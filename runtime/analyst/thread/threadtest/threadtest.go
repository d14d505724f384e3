// Package threadtest provides a behavioral test suite shared by every
// thread.Registry implementation.
package threadtest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/analyst/runtime/analyst/thread"
)

// Run exercises the registry returned by newRegistry, which must enforce a
// limit of 4 messages per window and start empty.
func Run(t *testing.T, newRegistry func(t *testing.T) thread.Registry) {
	t.Helper()

	t.Run("QuotaRejectsFifthMessage", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()
		for i := 1; i <= 4; i++ {
			adm, err := r.Admit(ctx, "t1")
			require.NoError(t, err)
			assert.True(t, adm.Allowed, "message %d", i)
			assert.Equal(t, i, adm.Count)
			assert.False(t, adm.ResetAt.IsZero())
		}
		adm, err := r.Admit(ctx, "t1")
		require.NoError(t, err)
		assert.False(t, adm.Allowed)
		assert.Equal(t, 5, adm.Count)

		other, err := r.Admit(ctx, "t2")
		require.NoError(t, err)
		assert.True(t, other.Allowed, "threads must not share a quota")
	})

	t.Run("ConcurrentAdmissionsAreSerialized", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()
		const n = 16
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			allowed int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				adm, err := r.Admit(ctx, "busy")
				if err != nil {
					return
				}
				if adm.Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 4, allowed)
	})

	t.Run("ActivePointer", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()

		_, ok, err := r.GetActive(ctx, "t1")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, r.SetActive(ctx, "t1", "s1"))
		require.NoError(t, r.SetActive(ctx, "t1", "s2"))
		id, ok, err := r.GetActive(ctx, "t1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "s2", id)

		cleared, err := r.ClearActiveIf(ctx, "t1", "s1")
		require.NoError(t, err)
		assert.False(t, cleared, "stale session must not clear a newer pointer")
		id, _, _ = r.GetActive(ctx, "t1")
		assert.Equal(t, "s2", id)

		cleared, err = r.ClearActiveIf(ctx, "t1", "s2")
		require.NoError(t, err)
		assert.True(t, cleared)
		_, ok, _ = r.GetActive(ctx, "t1")
		assert.False(t, ok)

		require.NoError(t, r.SetActive(ctx, "t1", "s3"))
		require.NoError(t, r.ClearActive(ctx, "t1"))
		_, ok, _ = r.GetActive(ctx, "t1")
		assert.False(t, ok)
	})

	t.Run("ConcurrentSetActiveLeavesOnePointer", func(t *testing.T) {
		r := newRegistry(t)
		ctx := context.Background()
		var wg sync.WaitGroup
		ids := make(map[string]bool)
		for i := 0; i < 10; i++ {
			id := fmt.Sprintf("s%d", i)
			ids[id] = true
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = r.SetActive(ctx, "t1", id)
			}()
		}
		wg.Wait()
		id, ok, err := r.GetActive(ctx, "t1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, ids[id])
	})
}
