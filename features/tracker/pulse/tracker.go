// Package pulse decorates a tracker.Tracker so that every milestone and
// status change is also published to a Pulse stream named
// "session/<session_id>". Publishing is best effort: failures are logged and
// never fail the underlying tracker write.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"goa.design/analyst/features/tracker/pulse/clients/pulse"
	"goa.design/analyst/runtime/analyst/telemetry"
	"goa.design/analyst/runtime/analyst/tracker"
)

type (
	// Options configures the publishing tracker.
	Options struct {
		// Tracker is the decorated tracker. Required.
		Tracker tracker.Tracker
		// Client publishes events. Required.
		Client pulse.Client
		// Logger reports publish failures. Defaults to a noop logger.
		Logger telemetry.Logger
	}

	// Tracker publishes progress events after each successful write to the
	// decorated tracker.
	Tracker struct {
		tracker.Tracker
		client pulse.Client
		logger telemetry.Logger
		now    func() time.Time
	}

	// Event is the envelope published on the session stream.
	Event struct {
		// Type is the event name ("milestone" or "status").
		Type string `json:"type"`
		// SessionID identifies the session.
		SessionID string `json:"session_id"`
		// Timestamp is when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Milestone is set on milestone events.
		Milestone *tracker.Milestone `json:"milestone,omitempty"`
		// Status is set on status events.
		Status tracker.Status `json:"status,omitempty"`
		// Result is set on status events that carry one.
		Result *tracker.Result `json:"result,omitempty"`
	}
)

const (
	// EventMilestone is published for each milestone.
	EventMilestone = "milestone"
	// EventStatus is published for each status change.
	EventStatus = "status"
)

// New returns a Tracker decorating opts.Tracker.
func New(opts Options) (*Tracker, error) {
	if opts.Tracker == nil {
		return nil, errors.New("tracker is required")
	}
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Tracker{
		Tracker: opts.Tracker,
		client:  opts.Client,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// StreamName returns the Pulse stream carrying the events of sessionID.
func StreamName(sessionID string) string {
	return "session/" + sessionID
}

// Init implements tracker.Tracker.
func (t *Tracker) Init(ctx context.Context, sessionID string) error {
	if err := t.Tracker.Init(ctx, sessionID); err != nil {
		return err
	}
	t.publish(ctx, Event{Type: EventStatus, SessionID: sessionID, Status: tracker.StatusRunning})
	return nil
}

// AddMilestone implements tracker.Tracker.
func (t *Tracker) AddMilestone(ctx context.Context, sessionID, label string) (int, bool, error) {
	seq, ok, err := t.Tracker.AddMilestone(ctx, sessionID, label)
	if err != nil || !ok {
		return seq, ok, err
	}
	now := t.now()
	t.publish(ctx, Event{
		Type:      EventMilestone,
		SessionID: sessionID,
		Milestone: &tracker.Milestone{Seq: seq, Label: label, Timestamp: now},
	})
	return seq, ok, nil
}

// MarkWaiting implements tracker.Tracker.
func (t *Tracker) MarkWaiting(ctx context.Context, sessionID, prompt string) error {
	return t.status(ctx, sessionID, tracker.StatusWaiting, tracker.Result{Message: prompt},
		t.Tracker.MarkWaiting(ctx, sessionID, prompt))
}

// MarkDone implements tracker.Tracker.
func (t *Tracker) MarkDone(ctx context.Context, sessionID string, result tracker.Result) error {
	return t.status(ctx, sessionID, tracker.StatusCompleted, result,
		t.Tracker.MarkDone(ctx, sessionID, result))
}

// MarkFailed implements tracker.Tracker.
func (t *Tracker) MarkFailed(ctx context.Context, sessionID, message string) error {
	return t.status(ctx, sessionID, tracker.StatusFailed, tracker.Result{Message: message},
		t.Tracker.MarkFailed(ctx, sessionID, message))
}

// MarkAborted implements tracker.Tracker.
func (t *Tracker) MarkAborted(ctx context.Context, sessionID, message string) error {
	return t.status(ctx, sessionID, tracker.StatusAborted, tracker.Result{Message: message},
		t.Tracker.MarkAborted(ctx, sessionID, message))
}

func (t *Tracker) status(ctx context.Context, sessionID string, status tracker.Status, result tracker.Result, err error) error {
	if err != nil {
		return err
	}
	t.publish(ctx, Event{Type: EventStatus, SessionID: sessionID, Status: status, Result: &result})
	return nil
}

func (t *Tracker) publish(ctx context.Context, ev Event) {
	ev.Timestamp = t.now()
	payload, err := json.Marshal(ev)
	if err != nil {
		t.logger.Error(ctx, "marshal progress event", "session_id", ev.SessionID, "err", err)
		return
	}
	str, err := t.client.Stream(StreamName(ev.SessionID))
	if err != nil {
		t.logger.Warn(ctx, "open progress stream", "session_id", ev.SessionID, "err", err)
		return
	}
	if _, err := str.Add(ctx, ev.Type, payload); err != nil {
		t.logger.Warn(ctx, "publish progress event", "session_id", ev.SessionID, "event", ev.Type, "err", err)
	}
}
