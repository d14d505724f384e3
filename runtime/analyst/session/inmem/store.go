// Package inmem provides an in-memory implementation of session.Store.
//
// It is intended for tests and local development. Production deployments
// should use a shared store (for example features/session/redis).
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/analyst/runtime/analyst/session"
)

type (
	// Store is an in-memory implementation of session.Store.
	// It is safe for concurrent use.
	Store struct {
		mu       sync.RWMutex
		sessions map[key]session.Session
		now      func() time.Time
	}

	key struct {
		thread  string
		session string
	}
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[key]session.Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create implements session.Store.
func (s *Store) Create(_ context.Context, threadID, sessionID, query string) (session.Session, error) {
	if err := validateIDs(threadID, sessionID); err != nil {
		return session.Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{threadID, sessionID}
	if _, ok := s.sessions[k]; ok {
		return session.Session{}, session.ErrExists
	}
	now := s.now()
	out := session.Session{
		ThreadID:  threadID,
		SessionID: sessionID,
		Query:     query,
		Status:    session.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[k] = out
	return out, nil
}

// Get implements session.Store.
func (s *Store) Get(_ context.Context, threadID, sessionID string) (session.Session, error) {
	if err := validateIDs(threadID, sessionID); err != nil {
		return session.Session{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	existing, ok := s.sessions[key{threadID, sessionID}]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return existing, nil
}

// AppendClarification implements session.Store.
func (s *Store) AppendClarification(_ context.Context, threadID, sessionID, text string) (int, error) {
	var count int
	err := s.update(threadID, sessionID, func(sess *session.Session) error {
		if sess.Status.Terminal() {
			return session.ErrTerminal
		}
		if sess.Status != session.StatusWaiting {
			return session.ErrNotWaiting
		}
		sess.Query = session.MergeClarification(sess.Query, text)
		sess.ClarificationCount++
		count = sess.ClarificationCount
		return nil
	})
	return count, err
}

// MarkWaiting implements session.Store.
func (s *Store) MarkWaiting(_ context.Context, threadID, sessionID, prompt, planID string) error {
	return s.update(threadID, sessionID, func(sess *session.Session) error {
		if err := session.CheckTransition(sess.Status, session.StatusWaiting); err != nil {
			return err
		}
		sess.Status = session.StatusWaiting
		sess.PendingPrompt = prompt
		sess.PlanID = planID
		return nil
	})
}

// MarkActive implements session.Store.
func (s *Store) MarkActive(_ context.Context, threadID, sessionID string) error {
	return s.transition(threadID, sessionID, session.StatusActive)
}

// MarkCompleted implements session.Store.
func (s *Store) MarkCompleted(_ context.Context, threadID, sessionID string) error {
	return s.transition(threadID, sessionID, session.StatusCompleted)
}

// MarkAborted implements session.Store.
func (s *Store) MarkAborted(_ context.Context, threadID, sessionID string) error {
	return s.transition(threadID, sessionID, session.StatusAborted)
}

func (s *Store) transition(threadID, sessionID string, to session.Status) error {
	return s.update(threadID, sessionID, func(sess *session.Session) error {
		if err := session.CheckTransition(sess.Status, to); err != nil {
			return err
		}
		sess.Status = to
		sess.PendingPrompt = ""
		return nil
	})
}

func (s *Store) update(threadID, sessionID string, fn func(*session.Session) error) error {
	if err := validateIDs(threadID, sessionID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{threadID, sessionID}
	existing, ok := s.sessions[k]
	if !ok {
		return session.ErrNotFound
	}
	if err := fn(&existing); err != nil {
		return err
	}
	existing.UpdatedAt = s.now()
	s.sessions[k] = existing
	return nil
}

func validateIDs(threadID, sessionID string) error {
	if threadID == "" {
		return errors.New("thread id is required")
	}
	if sessionID == "" {
		return errors.New("session id is required")
	}
	return nil
}
