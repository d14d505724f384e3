// Package inmem provides an in-memory implementation of tracker.Tracker.
//
// Each session record carries its own lock: the single writer of a session
// never blocks readers of other sessions, and readers only hold a record lock
// long enough to copy it.
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/analyst/runtime/analyst/tracker"
)

type (
	// Tracker is an in-memory tracker.Tracker. It is safe for concurrent use.
	Tracker struct {
		now func() time.Time

		mu      sync.RWMutex
		records map[string]*record
	}

	record struct {
		mu         sync.RWMutex
		status     tracker.Status
		result     *tracker.Result
		milestones []tracker.Milestone
		nextSeq    int
		startedAt  time.Time
		updatedAt  time.Time
	}
)

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{
		now:     func() time.Time { return time.Now().UTC() },
		records: make(map[string]*record),
	}
}

// Init implements tracker.Tracker.
func (t *Tracker) Init(_ context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	now := t.now()

	t.mu.Lock()
	rec, ok := t.records[sessionID]
	if !ok {
		t.records[sessionID] = &record{
			status:    tracker.StatusRunning,
			nextSeq:   1,
			startedAt: now,
			updatedAt: now,
		}
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.status = tracker.StatusRunning
	rec.result = nil
	rec.startedAt = now
	rec.updatedAt = now
	return nil
}

// AddMilestone implements tracker.Tracker.
func (t *Tracker) AddMilestone(_ context.Context, sessionID, label string) (int, bool, error) {
	rec := t.record(sessionID)
	if rec == nil {
		return 0, false, nil
	}
	now := t.now()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	seq := rec.nextSeq
	rec.nextSeq++
	rec.milestones = append(rec.milestones, tracker.Milestone{Seq: seq, Label: label, Timestamp: now})
	rec.updatedAt = now
	return seq, true, nil
}

// MarkWaiting implements tracker.Tracker.
func (t *Tracker) MarkWaiting(_ context.Context, sessionID, prompt string) error {
	return t.setStatus(sessionID, tracker.StatusWaiting, &tracker.Result{Message: prompt})
}

// MarkDone implements tracker.Tracker.
func (t *Tracker) MarkDone(_ context.Context, sessionID string, result tracker.Result) error {
	return t.setStatus(sessionID, tracker.StatusCompleted, &result)
}

// MarkFailed implements tracker.Tracker.
func (t *Tracker) MarkFailed(_ context.Context, sessionID, message string) error {
	return t.setStatus(sessionID, tracker.StatusFailed, &tracker.Result{Message: message})
}

// MarkAborted implements tracker.Tracker.
func (t *Tracker) MarkAborted(_ context.Context, sessionID, message string) error {
	return t.setStatus(sessionID, tracker.StatusAborted, &tracker.Result{Message: message})
}

// Snapshot implements tracker.Tracker.
func (t *Tracker) Snapshot(_ context.Context, sessionID string, afterSeq int) (*tracker.Snapshot, error) {
	rec := t.record(sessionID)
	if rec == nil {
		return nil, nil
	}

	rec.mu.RLock()
	defer rec.mu.RUnlock()
	snap := &tracker.Snapshot{
		SessionID:  sessionID,
		Status:     rec.status,
		Milestones: tracker.After(rec.milestones, afterSeq),
		StartedAt:  rec.startedAt,
		UpdatedAt:  rec.updatedAt,
	}
	if rec.result != nil {
		res := *rec.result
		snap.Result = &res
	}
	return snap, nil
}

func (t *Tracker) setStatus(sessionID string, status tracker.Status, result *tracker.Result) error {
	rec := t.record(sessionID)
	if rec == nil {
		return tracker.ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.status.Terminal() {
		return tracker.ErrTerminal
	}
	rec.status = status
	rec.result = result
	rec.updatedAt = t.now()
	return nil
}

func (t *Tracker) record(sessionID string) *record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.records[sessionID]
}
