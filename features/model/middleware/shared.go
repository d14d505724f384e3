package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"goa.design/pulse/rmap"
)

type (
	// sharedMap is the subset of rmap.Map the shared budget uses.
	sharedMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	rmapShared struct {
		m *rmap.Map
	}

	// sharedBudget is the cluster-wide copy of a budget stored under one key.
	sharedBudget struct {
		m   sharedMap
		key string
	}
)

const (
	sharedUpdateTimeout  = 2 * time.Second
	sharedUpdateAttempts = 3
)

// joinShared seeds key with tpm unless another process already did and
// returns the value in effect.
func joinShared(ctx context.Context, m sharedMap, key string, tpm float64) (*sharedBudget, float64, error) {
	if _, err := m.SetIfNotExists(ctx, key, formatTPM(tpm)); err != nil {
		return nil, 0, fmt.Errorf("seed shared budget %q: %w", key, err)
	}
	s := &sharedBudget{m: m, key: key}
	if cur, ok := s.load(); ok {
		tpm = cur
	}
	return s, tpm, nil
}

func (s *sharedBudget) load() (float64, bool) {
	raw, ok := s.m.Get(s.key)
	if !ok {
		return 0, false
	}
	return parseTPM(raw)
}

// update applies fn with compare-and-set. Lost races are retried a few
// times; the next local adjustment corrects any update given up on.
func (s *sharedBudget) update(fn func(float64) float64) {
	ctx, cancel := context.WithTimeout(context.Background(), sharedUpdateTimeout)
	defer cancel()
	for range sharedUpdateAttempts {
		raw, ok := s.m.Get(s.key)
		if !ok {
			return
		}
		cur, ok := parseTPM(raw)
		if !ok {
			return
		}
		next := formatTPM(fn(cur))
		if next == raw {
			return
		}
		prev, err := s.m.TestAndSet(ctx, s.key, raw, next)
		if err != nil || prev == raw {
			return
		}
	}
}

// watch calls apply with the shared value after every map change until
// events is closed.
func (s *sharedBudget) watch(events <-chan rmap.EventKind, apply func(float64)) {
	for range events {
		if tpm, ok := s.load(); ok {
			apply(tpm)
		}
	}
}

func formatTPM(tpm float64) string {
	return strconv.FormatFloat(tpm, 'f', 0, 64)
}

func parseTPM(raw string) (float64, bool) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func (r rmapShared) Get(key string) (string, bool) { return r.m.Get(key) }

func (r rmapShared) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return r.m.SetIfNotExists(ctx, key, value)
}

func (r rmapShared) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return r.m.TestAndSet(ctx, key, test, value)
}

func (r rmapShared) Subscribe() <-chan rmap.EventKind { return r.m.Subscribe() }
