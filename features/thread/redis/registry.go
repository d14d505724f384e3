// Package redis implements thread.Registry on Redis. Each thread is a hash
// holding the quota window and the active session pointer; admission and
// compare-and-clear run as Lua scripts.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/analyst/runtime/analyst/thread"
)

type (
	// Options configures the registry.
	Options struct {
		// Client is the Redis connection. Required.
		Client *redis.Client
		// Quota bounds admitted messages. Zero fields use defaults.
		Quota thread.Quota
		// Prefix namespaces the keys. Defaults to "analyst:thread:".
		Prefix string
	}

	// Registry is a Redis-backed thread.Registry.
	Registry struct {
		client *redis.Client
		quota  thread.Quota
		prefix string
		now    func() time.Time
	}
)

var (
	// admitScript mirrors thread.Quota.Step. Times are unix milliseconds.
	admitScript = redis.NewScript(`
local start = tonumber(redis.call('HGET', KEYS[1], 'window_start') or '0')
local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
local now = tonumber(ARGV[1])
if start == 0 or now - start > tonumber(ARGV[2]) then
  start = now
  count = 0
end
count = count + 1
redis.call('HSET', KEYS[1], 'window_start', start, 'count', count)
return {start, count}
`)

	clearIfScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'active') == ARGV[1] then
  redis.call('HDEL', KEYS[1], 'active')
  return 1
end
return 0
`)
)

// New returns a Registry using opts.
func New(opts Options) (*Registry, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if err := opts.Quota.Validate(); err != nil {
		return nil, err
	}
	if opts.Prefix == "" {
		opts.Prefix = "analyst:thread:"
	}
	return &Registry{client: opts.Client, quota: opts.Quota, prefix: opts.Prefix, now: time.Now}, nil
}

// WithClock replaces the time source. Intended for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Admit implements thread.Registry.
func (r *Registry) Admit(ctx context.Context, threadID string) (thread.Admission, error) {
	key, err := r.key(threadID)
	if err != nil {
		return thread.Admission{}, err
	}
	res, err := admitScript.Run(ctx, r.client, []string{key},
		r.now().UnixMilli(), r.quota.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return thread.Admission{}, fmt.Errorf("admit message: %w", err)
	}
	if len(res) != 2 {
		return thread.Admission{}, fmt.Errorf("admit message: unexpected reply %v", res)
	}
	start, count := time.UnixMilli(res[0]), int(res[1])
	return thread.Admission{
		Allowed: count <= r.quota.Limit,
		Count:   count,
		ResetAt: start.Add(r.quota.Window),
	}, nil
}

// SetActive implements thread.Registry.
func (r *Registry) SetActive(ctx context.Context, threadID, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	key, err := r.key(threadID)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, key, "active", sessionID).Err(); err != nil {
		return fmt.Errorf("set active session: %w", err)
	}
	return nil
}

// GetActive implements thread.Registry.
func (r *Registry) GetActive(ctx context.Context, threadID string) (string, bool, error) {
	key, err := r.key(threadID)
	if err != nil {
		return "", false, err
	}
	id, err := r.client.HGet(ctx, key, "active").Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get active session: %w", err)
	}
	return id, id != "", nil
}

// ClearActive implements thread.Registry.
func (r *Registry) ClearActive(ctx context.Context, threadID string) error {
	key, err := r.key(threadID)
	if err != nil {
		return err
	}
	if err := r.client.HDel(ctx, key, "active").Err(); err != nil {
		return fmt.Errorf("clear active session: %w", err)
	}
	return nil
}

// ClearActiveIf implements thread.Registry.
func (r *Registry) ClearActiveIf(ctx context.Context, threadID, sessionID string) (bool, error) {
	key, err := r.key(threadID)
	if err != nil {
		return false, err
	}
	if sessionID == "" {
		return false, nil
	}
	n, err := clearIfScript.Run(ctx, r.client, []string{key}, sessionID).Int()
	if err != nil {
		return false, fmt.Errorf("clear active session: %w", err)
	}
	return n == 1, nil
}

// Name implements health.Pinger.
func (r *Registry) Name() string { return "thread-redis" }

// Ping implements health.Pinger.
func (r *Registry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Registry) key(threadID string) (string, error) {
	if threadID == "" {
		return "", errors.New("thread id is required")
	}
	return r.prefix + threadID, nil
}
