// Package inmem provides an in-memory implementation of objectstore.Store.
//
// It is intended for tests and local development. Production deployments
// should use a shared store (for example features/objectstore/redis) so
// artifacts survive process restarts and are visible to every instance.
package inmem

import (
	"context"
	"sync"
	"time"

	"goa.design/analyst/runtime/analyst/objectstore"
)

type (
	// Store is an in-memory implementation of objectstore.Store.
	// It is safe for concurrent use.
	Store struct {
		ttl time.Duration
		now func() time.Time

		mu      sync.RWMutex
		objects map[string]entry
	}

	// Option configures a Store.
	Option func(*Store)

	entry struct {
		obj       objectstore.Object
		expiresAt time.Time
	}
)

// WithTTL overrides the object expiry. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		ttl:     objectstore.DefaultTTL,
		now:     time.Now,
		objects: make(map[string]entry),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Save implements objectstore.Store. Expired entries are swept on every save.
func (s *Store) Save(_ context.Context, obj objectstore.Object) (string, error) {
	now := s.now()
	id := objectstore.NewID()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, e := range s.objects {
		if !now.Before(e.expiresAt) {
			delete(s.objects, k)
		}
	}
	for {
		if _, taken := s.objects[id]; !taken {
			break
		}
		id = objectstore.NewID()
	}
	s.objects[id] = entry{obj: obj.Clone(), expiresAt: now.Add(s.ttl)}
	return id, nil
}

// Get implements objectstore.Store.
func (s *Store) Get(_ context.Context, id string) (objectstore.Object, error) {
	s.mu.RLock()
	e, ok := s.objects[id]
	s.mu.RUnlock()
	if !ok {
		return objectstore.Object{}, objectstore.ErrNotFound
	}
	if !s.now().Before(e.expiresAt) {
		s.mu.Lock()
		delete(s.objects, id)
		s.mu.Unlock()
		return objectstore.Object{}, objectstore.ErrNotFound
	}
	return e.obj.Clone(), nil
}

// Len returns the number of stored entries, including expired ones not yet
// swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
