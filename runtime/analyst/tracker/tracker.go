// Package tracker defines the execution ledger read by polling clients.
//
// The ledger is the observability plane of a session: an append-only list of
// sequence-numbered milestones plus the current status and result. It is
// deliberately independent of the session store so progress reads never
// contend with control-plane writes.
package tracker

import (
	"context"
	"errors"
	"time"
)

type (
	// Tracker records execution progress per session.
	//
	// Milestone sequence numbers start at 1, are strictly increasing and are
	// never reused for a session, including across re-Init. Status writes on a
	// terminal record fail with ErrTerminal until the record is re-Init'ed.
	Tracker interface {
		// Init creates a Running record, or re-arms an existing one (resume)
		// keeping its milestone history and sequence counter.
		Init(ctx context.Context, sessionID string) error
		// AddMilestone appends a milestone and returns its sequence number. It
		// returns ok=false without error when the session is unknown so late
		// writes never create phantom records.
		AddMilestone(ctx context.Context, sessionID, label string) (seq int, ok bool, err error)
		// MarkWaiting suspends the record with the clarification prompt.
		MarkWaiting(ctx context.Context, sessionID, prompt string) error
		// MarkDone completes the record with result.
		MarkDone(ctx context.Context, sessionID string, result Result) error
		// MarkFailed fails the record with a user-facing message.
		MarkFailed(ctx context.Context, sessionID, message string) error
		// MarkAborted aborts the record with a user-facing message.
		MarkAborted(ctx context.Context, sessionID, message string) error
		// Snapshot returns a copy of the record with only the milestones whose
		// sequence number is greater than afterSeq. It returns nil without
		// error when the session is unknown.
		Snapshot(ctx context.Context, sessionID string, afterSeq int) (*Snapshot, error)
	}

	// Status is the lifecycle state of an execution record.
	Status string

	// Milestone is a single progress entry.
	Milestone struct {
		Seq       int       `json:"seq"`
		Label     string    `json:"label"`
		Timestamp time.Time `json:"ts"`
	}

	// Result is the payload attached to a suspended or terminal record.
	Result struct {
		// Summary is a short description of the outcome.
		Summary string `json:"summary,omitempty"`
		// ArtifactID references the terminal node output in the object store.
		ArtifactID string `json:"artifact_id,omitempty"`
		// Message is the user-facing prompt (waiting) or error (failed,
		// aborted).
		Message string `json:"message,omitempty"`
	}

	// Snapshot is a point-in-time copy of an execution record.
	Snapshot struct {
		SessionID  string      `json:"session_id"`
		Status     Status      `json:"status"`
		Result     *Result     `json:"result"`
		Milestones []Milestone `json:"milestones"`
		StartedAt  time.Time   `json:"started_at"`
		UpdatedAt  time.Time   `json:"updated_at"`
	}
)

const (
	// StatusRunning indicates the session is executing.
	StatusRunning Status = "running"
	// StatusWaiting indicates the session awaits a clarification.
	StatusWaiting Status = "waiting"
	// StatusCompleted indicates the session produced a result.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the session failed.
	StatusFailed Status = "failed"
	// StatusAborted indicates the session was aborted (timeout, clarification
	// budget).
	StatusAborted Status = "aborted"
)

var (
	// ErrNotFound indicates a status write referenced an unknown session.
	ErrNotFound = errors.New("execution record not found")
	// ErrTerminal indicates a status write on a terminal record.
	ErrTerminal = errors.New("execution record is terminal")
)

// Terminal reports whether s is Completed, Failed or Aborted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// After returns the milestones of ms with a sequence number greater than
// afterSeq, as a new slice. The result is never nil.
func After(ms []Milestone, afterSeq int) []Milestone {
	out := make([]Milestone, 0, len(ms))
	for _, m := range ms {
		if m.Seq > afterSeq {
			out = append(out, m)
		}
	}
	return out
}
