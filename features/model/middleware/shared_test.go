package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/rmap"

	"goa.design/analyst/features/model"
)

type fakeSharedMap struct {
	mu      sync.Mutex
	values  map[string]string
	events  chan rmap.EventKind
	seedErr error
}

func newFakeSharedMap() *fakeSharedMap {
	return &fakeSharedMap{values: make(map[string]string), events: make(chan rmap.EventKind, 1)}
}

func (m *fakeSharedMap) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *fakeSharedMap) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seedErr != nil {
		return false, m.seedErr
	}
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value
	m.notify()
	return true, nil
}

func (m *fakeSharedMap) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.values[key]
	if cur == test {
		m.values[key] = value
		m.notify()
	}
	return cur, nil
}

func (m *fakeSharedMap) Subscribe() <-chan rmap.EventKind { return m.events }

func (m *fakeSharedMap) set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.notify()
}

func (m *fakeSharedMap) notify() {
	select {
	case m.events <- rmap.EventChange:
	default:
	}
}

func TestSharedBudgetSeedsMap(t *testing.T) {
	m := newFakeSharedMap()
	b, err := newTokenBudget(context.Background(), m, "anthropic:claude", 50000, 0)
	require.NoError(t, err)

	v, ok := m.Get("anthropic:claude")
	require.True(t, ok)
	assert.Equal(t, "50000", v)
	assert.InDelta(t, 50000, b.TokensPerMinute(), 0.1)
}

func TestSharedBudgetAdoptsExistingValue(t *testing.T) {
	m := newFakeSharedMap()
	m.values["k"] = "30000"

	b, err := newTokenBudget(context.Background(), m, "k", 40000, 0)
	require.NoError(t, err)

	assert.InDelta(t, 30000, b.TokensPerMinute(), 0.1)
	assert.Equal(t, "30000", m.values["k"])
}

func TestSharedBudgetSeedFailure(t *testing.T) {
	m := newFakeSharedMap()
	m.seedErr = errors.New("redis down")

	_, err := newTokenBudget(context.Background(), m, "k", 40000, 0)
	require.ErrorContains(t, err, "redis down")
}

func TestThrottlingPropagatesToSharedMap(t *testing.T) {
	m := newFakeSharedMap()
	b, err := newTokenBudget(context.Background(), m, "k", 80000, 0)
	require.NoError(t, err)

	_, _ = b.Middleware()(&fakeClient{err: model.ErrRateLimited}).
		Complete(context.Background(), model.Request{Prompt: "hello"})

	require.Eventually(t, func() bool {
		v, _ := m.Get("k")
		return v == "40000"
	}, time.Second, 5*time.Millisecond)
}

func TestSharedChangesAreFollowed(t *testing.T) {
	m := newFakeSharedMap()
	b, err := newTokenBudget(context.Background(), m, "k", 60000, 0)
	require.NoError(t, err)

	m.set("k", "20000")
	require.Eventually(t, func() bool {
		return b.TokensPerMinute() == 20000
	}, time.Second, 5*time.Millisecond)

	m.set("k", "1")
	require.Eventually(t, func() bool {
		return b.TokensPerMinute() == 6000
	}, time.Second, 5*time.Millisecond, "shared values below the floor are clamped")
}
