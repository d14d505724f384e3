// Package session defines the control-plane record of a user request.
//
// A Session is one request/response cycle within a thread, spanning the
// initial message and any clarification resumes. The SessionStore is the
// authority on whether a session may resume and how many clarifications it
// has consumed.
package session

import (
	"context"
	"errors"
	"strings"
	"time"
)

type (
	// Session captures the control-plane state of a session.
	Session struct {
		// ThreadID identifies the owning thread.
		ThreadID string
		// SessionID identifies the session within the thread.
		SessionID string
		// Query is the canonical query text, including merged clarifications.
		Query string
		// Status is the current lifecycle state.
		Status Status
		// ClarificationCount is the number of clarifications appended so far.
		ClarificationCount int
		// PendingPrompt is the clarification question shown to the user while
		// the session is waiting.
		PendingPrompt string
		// PlanID references the suspended plan in the object store while the
		// session is waiting. Empty when no plan was persisted.
		PlanID string
		// CreatedAt records when the session was created.
		CreatedAt time.Time
		// UpdatedAt records the last mutation.
		UpdatedAt time.Time
	}

	// Store persists sessions.
	//
	// All mutations are atomic per session. Transitions attempted on a
	// terminal session fail with ErrTerminal; callers log them rather than
	// ignore them.
	Store interface {
		// Create writes a new Active session with a zero clarification count.
		// Returns ErrExists when the session already exists.
		Create(ctx context.Context, threadID, sessionID, query string) (Session, error)
		// Get returns the session. Returns ErrNotFound when it does not exist.
		Get(ctx context.Context, threadID, sessionID string) (Session, error)
		// AppendClarification merges text into the canonical query and
		// increments the clarification counter, returning the new count. The
		// session must be Waiting.
		AppendClarification(ctx context.Context, threadID, sessionID, text string) (int, error)
		// MarkWaiting suspends the session, recording the prompt shown to the
		// user and the id of the persisted plan (may be empty).
		MarkWaiting(ctx context.Context, threadID, sessionID, prompt, planID string) error
		// MarkActive resumes a Waiting session. Returns ErrNotWaiting when the
		// session is Active.
		MarkActive(ctx context.Context, threadID, sessionID string) error
		// MarkCompleted finishes the session successfully.
		MarkCompleted(ctx context.Context, threadID, sessionID string) error
		// MarkAborted terminates the session without a result.
		MarkAborted(ctx context.Context, threadID, sessionID string) error
	}

	// Status is the lifecycle state of a session.
	Status string
)

const (
	// StatusActive indicates the session is planning or executing.
	StatusActive Status = "active"
	// StatusWaiting indicates the session is suspended on a clarification.
	StatusWaiting Status = "waiting"
	// StatusCompleted indicates the session produced a result.
	StatusCompleted Status = "completed"
	// StatusAborted indicates the session was terminated without a result.
	StatusAborted Status = "aborted"
)

var (
	// ErrNotFound indicates the session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrExists indicates Create was called for an existing session.
	ErrExists = errors.New("session already exists")
	// ErrTerminal indicates a transition was attempted on a completed or
	// aborted session.
	ErrTerminal = errors.New("session is terminal")
	// ErrNotWaiting indicates the session is not waiting for a clarification.
	ErrNotWaiting = errors.New("session is not waiting for clarification")
)

// Terminal reports whether s is Completed or Aborted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// Live reports whether s is Active or Waiting.
func (s Status) Live() bool {
	return s == StatusActive || s == StatusWaiting
}

// MergeClarification appends a clarification to the canonical query. An
// empty clarification leaves the query unchanged.
func MergeClarification(query, clarification string) string {
	clarification = strings.TrimSpace(clarification)
	if clarification == "" {
		return query
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return clarification
	}
	return query + " " + clarification
}

// CheckTransition returns the error for moving a session from -> to, or nil
// when the transition is allowed. Backends share it so every store enforces
// the same lifecycle.
func CheckTransition(from, to Status) error {
	if from.Terminal() {
		return ErrTerminal
	}
	if to == StatusActive && from != StatusWaiting {
		return ErrNotWaiting
	}
	return nil
}
