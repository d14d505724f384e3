// Package inmem provides an in-memory implementation of thread.Registry.
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/analyst/runtime/analyst/thread"
)

type (
	// Registry is an in-memory thread.Registry. Each thread is guarded by its
	// own mutex so threads never contend with each other.
	Registry struct {
		quota thread.Quota
		now   func() time.Time

		mu      sync.Mutex
		threads map[string]*state
	}

	state struct {
		mu          sync.Mutex
		active      string
		windowStart time.Time
		count       int
	}
)

// New returns a Registry enforcing quota. Zero quota fields use defaults.
func New(quota thread.Quota) (*Registry, error) {
	if err := quota.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		quota:   quota,
		now:     time.Now,
		threads: make(map[string]*state),
	}, nil
}

// WithClock replaces the time source. Intended for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Admit implements thread.Registry.
func (r *Registry) Admit(_ context.Context, threadID string) (thread.Admission, error) {
	st, err := r.state(threadID)
	if err != nil {
		return thread.Admission{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	var adm thread.Admission
	st.windowStart, adm = r.quota.Step(st.windowStart, st.count, r.now())
	st.count = adm.Count
	return adm, nil
}

// SetActive implements thread.Registry.
func (r *Registry) SetActive(_ context.Context, threadID, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	st, err := r.state(threadID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.active = sessionID
	st.mu.Unlock()
	return nil
}

// GetActive implements thread.Registry.
func (r *Registry) GetActive(_ context.Context, threadID string) (string, bool, error) {
	st, err := r.state(threadID)
	if err != nil {
		return "", false, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.active, st.active != "", nil
}

// ClearActive implements thread.Registry.
func (r *Registry) ClearActive(_ context.Context, threadID string) error {
	st, err := r.state(threadID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.active = ""
	st.mu.Unlock()
	return nil
}

// ClearActiveIf implements thread.Registry.
func (r *Registry) ClearActiveIf(_ context.Context, threadID, sessionID string) (bool, error) {
	st, err := r.state(threadID)
	if err != nil {
		return false, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if sessionID == "" || st.active != sessionID {
		return false, nil
	}
	st.active = ""
	return true, nil
}

func (r *Registry) state(threadID string) (*state, error) {
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.threads[threadID]
	if !ok {
		st = &state{}
		r.threads[threadID] = st
	}
	return st, nil
}
