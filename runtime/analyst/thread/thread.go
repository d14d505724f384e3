// Package thread defines the per-thread registry: the pointer to the single
// live session of a thread and the message quota window.
package thread

import (
	"context"
	"errors"
	"time"
)

type (
	// Registry tracks the active session and admission quota of threads.
	//
	// Admit and the active-pointer operations are atomic per thread. Threads
	// are independent of each other.
	Registry interface {
		// Admit counts an inbound message against the thread quota. The count is
		// incremented even when the message is rejected.
		Admit(ctx context.Context, threadID string) (Admission, error)
		// SetActive points the thread at sessionID, replacing any previous
		// pointer.
		SetActive(ctx context.Context, threadID, sessionID string) error
		// GetActive returns the active session id, or false when none is set.
		GetActive(ctx context.Context, threadID string) (string, bool, error)
		// ClearActive removes the active pointer unconditionally.
		ClearActive(ctx context.Context, threadID string) error
		// ClearActiveIf removes the active pointer only when it still
		// references sessionID, and reports whether it did.
		ClearActiveIf(ctx context.Context, threadID, sessionID string) (bool, error)
	}

	// Quota bounds the number of messages a thread may send per window.
	Quota struct {
		// Limit is the maximum number of admitted messages per window.
		Limit int
		// Window is the length of a quota window.
		Window time.Duration
	}

	// Admission is the result of an Admit call.
	Admission struct {
		// Allowed is false when the message exceeded the quota.
		Allowed bool
		// Count is the number of messages counted in the current window,
		// including this one.
		Count int
		// ResetAt is when the current window expires.
		ResetAt time.Time
	}
)

const (
	// DefaultLimit is the default number of messages per window.
	DefaultLimit = 50
	// DefaultWindow is the default quota window.
	DefaultWindow = 24 * time.Hour
)

// Validate checks q and fills defaults for zero fields.
func (q *Quota) Validate() error {
	if q.Limit < 0 {
		return errors.New("quota limit must be >= 0")
	}
	if q.Window < 0 {
		return errors.New("quota window must be >= 0")
	}
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	if q.Window == 0 {
		q.Window = DefaultWindow
	}
	return nil
}

// Step advances a quota window by one message. It resets the window when more
// than q.Window has elapsed since start. Backends that cannot call Go code
// atomically (Redis scripts) mirror this logic.
func (q Quota) Step(start time.Time, count int, now time.Time) (newStart time.Time, admission Admission) {
	if start.IsZero() || now.Sub(start) > q.Window {
		start = now
		count = 0
	}
	count++
	return start, Admission{
		Allowed: count <= q.Limit,
		Count:   count,
		ResetAt: start.Add(q.Window),
	}
}
