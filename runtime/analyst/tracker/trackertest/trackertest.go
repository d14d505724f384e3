// Package trackertest provides a behavioral test suite shared by every
// tracker.Tracker implementation.
package trackertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/analyst/runtime/analyst/tracker"
)

// Run exercises the tracker returned by newTracker, which must start empty.
func Run(t *testing.T, newTracker func(t *testing.T) tracker.Tracker) {
	t.Helper()

	t.Run("UnknownVersusEmpty", func(t *testing.T) {
		tr := newTracker(t)
		ctx := context.Background()

		snap, err := tr.Snapshot(ctx, "missing", 0)
		require.NoError(t, err)
		assert.Nil(t, snap)

		require.NoError(t, tr.Init(ctx, "s1"))
		snap, err = tr.Snapshot(ctx, "s1", 0)
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, tracker.StatusRunning, snap.Status)
		assert.NotNil(t, snap.Milestones)
		assert.Empty(t, snap.Milestones)
		assert.Nil(t, snap.Result)
	})

	t.Run("MilestonesOnUnknownSessionAreDropped", func(t *testing.T) {
		tr := newTracker(t)
		ctx := context.Background()

		seq, ok, err := tr.AddMilestone(ctx, "ghost", "planning")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, seq)

		snap, err := tr.Snapshot(ctx, "ghost", 0)
		require.NoError(t, err)
		assert.Nil(t, snap)
	})

	t.Run("SequenceAndCursor", func(t *testing.T) {
		tr := newTracker(t)
		ctx := context.Background()
		require.NoError(t, tr.Init(ctx, "s1"))

		for i, label := range []string{"planning", "plan ready (2 steps)", "running S1 (data)"} {
			seq, ok, err := tr.AddMilestone(ctx, "s1", label)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, i+1, seq)
		}

		snap, err := tr.Snapshot(ctx, "s1", 1)
		require.NoError(t, err)
		require.Len(t, snap.Milestones, 2)
		assert.Equal(t, 2, snap.Milestones[0].Seq)
		assert.Equal(t, "plan ready (2 steps)", snap.Milestones[0].Label)
		assert.Equal(t, 3, snap.Milestones[1].Seq)

		snap, err = tr.Snapshot(ctx, "s1", 3)
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Empty(t, snap.Milestones)
	})

	t.Run("SnapshotIsACopy", func(t *testing.T) {
		tr := newTracker(t)
		ctx := context.Background()
		require.NoError(t, tr.Init(ctx, "s1"))
		_, _, err := tr.AddMilestone(ctx, "s1", "planning")
		require.NoError(t, err)
		require.NoError(t, tr.MarkDone(ctx, "s1", tracker.Result{Summary: "done", ArtifactID: "obj_00000001"}))

		snap, err := tr.Snapshot(ctx, "s1", 0)
		require.NoError(t, err)
		snap.Milestones[0].Label = "mutated"
		snap.Result.ArtifactID = "mutated"

		again, err := tr.Snapshot(ctx, "s1", 0)
		require.NoError(t, err)
		assert.Equal(t, "planning", again.Milestones[0].Label)
		assert.Equal(t, "obj_00000001", again.Result.ArtifactID)
	})

	t.Run("StatusIsMonotone", func(t *testing.T) {
		tr := newTracker(t)
		ctx := context.Background()

		require.ErrorIs(t, tr.MarkFailed(ctx, "missing", "x"), tracker.ErrNotFound)

		require.NoError(t, tr.Init(ctx, "s1"))
		require.NoError(t, tr.MarkWaiting(ctx, "s1", "Which chart type?"))
		snap, err := tr.Snapshot(ctx, "s1", 0)
		require.NoError(t, err)
		assert.Equal(t, tracker.StatusWaiting, snap.Status)
		require.NotNil(t, snap.Result)
		assert.Equal(t, "Which chart type?", snap.Result.Message)

		require.NoError(t, tr.MarkAborted(ctx, "s1", "timed out"))
		require.ErrorIs(t, tr.MarkDone(ctx, "s1", tracker.Result{}), tracker.ErrTerminal)
		require.ErrorIs(t, tr.MarkWaiting(ctx, "s1", "?"), tracker.ErrTerminal)
		require.ErrorIs(t, tr.MarkAborted(ctx, "s1", "again"), tracker.ErrTerminal)

		snap, err = tr.Snapshot(ctx, "s1", 0)
		require.NoError(t, err)
		assert.Equal(t, tracker.StatusAborted, snap.Status)
		assert.Equal(t, "timed out", snap.Result.Message)
	})

	t.Run("ReInitKeepsHistory", func(t *testing.T) {
		tr := newTracker(t)
		ctx := context.Background()
		require.NoError(t, tr.Init(ctx, "s1"))
		_, _, err := tr.AddMilestone(ctx, "s1", "planning")
		require.NoError(t, err)
		_, _, err = tr.AddMilestone(ctx, "s1", "needs clarification")
		require.NoError(t, err)
		require.NoError(t, tr.MarkWaiting(ctx, "s1", "?"))

		require.NoError(t, tr.Init(ctx, "s1"))
		seq, ok, err := tr.AddMilestone(ctx, "s1", "resuming")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 3, seq)

		snap, err := tr.Snapshot(ctx, "s1", 0)
		require.NoError(t, err)
		assert.Equal(t, tracker.StatusRunning, snap.Status)
		assert.Nil(t, snap.Result)
		require.Len(t, snap.Milestones, 3)
		assert.Equal(t, "planning", snap.Milestones[0].Label)
	})

	t.Run("ConcurrentMilestones", func(t *testing.T) {
		tr := newTracker(t)
		ctx := context.Background()
		require.NoError(t, tr.Init(ctx, "s1"))

		const n = 50
		var wg sync.WaitGroup
		seqs := make(chan int, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				seq, ok, err := tr.AddMilestone(ctx, "s1", fmt.Sprintf("m%d", i))
				if err == nil && ok {
					seqs <- seq
				}
			}(i)
		}
		// Concurrent readers must always observe a strictly increasing prefix.
		for i := 0; i < 10; i++ {
			snap, err := tr.Snapshot(ctx, "s1", 0)
			require.NoError(t, err)
			AssertStrictlyIncreasing(t, snap.Milestones)
		}
		wg.Wait()
		close(seqs)

		var got []int
		for s := range seqs {
			got = append(got, s)
		}
		sort.Ints(got)
		require.Len(t, got, n)
		for i, s := range got {
			assert.Equal(t, i+1, s)
		}
		snap, err := tr.Snapshot(ctx, "s1", 0)
		require.NoError(t, err)
		require.Len(t, snap.Milestones, n)
		AssertStrictlyIncreasing(t, snap.Milestones)
	})
}

// AssertStrictlyIncreasing fails t unless ms is ordered by strictly
// increasing sequence numbers starting at 1.
func AssertStrictlyIncreasing(t *testing.T, ms []tracker.Milestone) {
	t.Helper()
	for i, m := range ms {
		if m.Seq != i+1 {
			t.Fatalf("milestone %d has seq %d, want %d", i, m.Seq, i+1)
		}
	}
}
