// Package inmem provides an in-memory conversation.Store.
package inmem

import (
	"context"
	"sync"
	"time"

	"goa.design/analyst/runtime/analyst/conversation"
)

// Store keeps entries per thread in insertion order.
type Store struct {
	mu      sync.RWMutex
	threads map[string][]conversation.Entry
}

// New returns an empty Store.
func New() *Store {
	return &Store{threads: make(map[string][]conversation.Entry)}
}

// Append implements conversation.Store.
func (s *Store) Append(_ context.Context, e conversation.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[e.ThreadID] = append(s.threads[e.ThreadID], e)
	return nil
}

// Recent implements conversation.Store.
func (s *Store) Recent(_ context.Context, threadID string, limit int) ([]conversation.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.threads[threadID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return append([]conversation.Entry(nil), entries...), nil
}
