package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "goa.design/analyst/features/tracker/mongo/clients/mongo"
	"goa.design/analyst/runtime/analyst/tracker"
)

// Store implements tracker.Tracker by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
	now    func() time.Time
}

// NewStore builds a Mongo-backed tracker using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Init implements tracker.Tracker.
func (s *Store) Init(ctx context.Context, sessionID string) error {
	return s.client.Init(ctx, sessionID, s.now())
}

// AddMilestone implements tracker.Tracker.
func (s *Store) AddMilestone(ctx context.Context, sessionID, label string) (int, bool, error) {
	return s.client.Append(ctx, sessionID, label, s.now())
}

// MarkWaiting implements tracker.Tracker.
func (s *Store) MarkWaiting(ctx context.Context, sessionID, prompt string) error {
	return s.client.SetStatus(ctx, sessionID, tracker.StatusWaiting, &tracker.Result{Message: prompt}, s.now())
}

// MarkDone implements tracker.Tracker.
func (s *Store) MarkDone(ctx context.Context, sessionID string, result tracker.Result) error {
	return s.client.SetStatus(ctx, sessionID, tracker.StatusCompleted, &result, s.now())
}

// MarkFailed implements tracker.Tracker.
func (s *Store) MarkFailed(ctx context.Context, sessionID, message string) error {
	return s.client.SetStatus(ctx, sessionID, tracker.StatusFailed, &tracker.Result{Message: message}, s.now())
}

// MarkAborted implements tracker.Tracker.
func (s *Store) MarkAborted(ctx context.Context, sessionID, message string) error {
	return s.client.SetStatus(ctx, sessionID, tracker.StatusAborted, &tracker.Result{Message: message}, s.now())
}

// Snapshot implements tracker.Tracker.
func (s *Store) Snapshot(ctx context.Context, sessionID string, afterSeq int) (*tracker.Snapshot, error) {
	rec, err := s.client.Load(ctx, sessionID)
	if err != nil || rec == nil {
		return nil, err
	}
	return &tracker.Snapshot{
		SessionID:  rec.SessionID,
		Status:     rec.Status,
		Result:     rec.Result,
		Milestones: tracker.After(rec.Milestones, afterSeq),
		StartedAt:  rec.StartedAt,
		UpdatedAt:  rec.UpdatedAt,
	}, nil
}
