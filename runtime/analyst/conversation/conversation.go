// Package conversation records the user turns of a thread and feeds the most
// recent ones back to the planner.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type (
	// Entry is one recorded turn.
	Entry struct {
		ThreadID  string
		Role      string
		Content   string
		Status    Status
		CreatedAt time.Time
	}

	// Status is the outcome recorded with a turn.
	Status string

	// Store appends and lists turns.
	Store interface {
		// Append records e. CreatedAt defaults to now.
		Append(ctx context.Context, e Entry) error
		// Recent returns at most limit entries of threadID, oldest first.
		Recent(ctx context.Context, threadID string, limit int) ([]Entry, error)
	}

	// History adapts a Store to the planner history hook.
	History struct {
		Store Store
	}
)

// RoleUser marks turns written by the user.
const RoleUser = "user"

const (
	StatusRunning               Status = "running"
	StatusCompleted             Status = "completed"
	StatusClarificationRequired Status = "clarification_required"
	StatusAborted               Status = "aborted"
	StatusFailed                Status = "failed"
)

// Validate checks that e can be recorded.
func (e Entry) Validate() error {
	if e.ThreadID == "" {
		return errors.New("thread id is required")
	}
	if e.Role == "" {
		return errors.New("role is required")
	}
	return nil
}

// String renders e for planner prompts.
func (e Entry) String() string {
	if e.Status == "" {
		return fmt.Sprintf("%s: %s", e.Role, e.Content)
	}
	return fmt.Sprintf("%s (%s): %s", e.Role, e.Status, e.Content)
}

// Recent implements the planner history hook.
func (h History) Recent(ctx context.Context, threadID string, limit int) ([]string, error) {
	entries, err := h.Store.Recent(ctx, threadID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.String()
	}
	return out, nil
}
