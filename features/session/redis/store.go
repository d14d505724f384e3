// Package redis implements session.Store on Redis. Each session is a hash
// keyed by thread and session id; every mutation runs as a Lua script so the
// lifecycle checks and the write happen atomically.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/analyst/runtime/analyst/session"
)

type (
	// Options configures the store.
	Options struct {
		// Client is the Redis connection. Required.
		Client *redis.Client
		// Prefix namespaces the keys. Defaults to "analyst:session:".
		Prefix string
		// TTL expires session hashes after creation. Zero keeps them forever.
		TTL time.Duration
	}

	// Store is a Redis-backed session.Store.
	Store struct {
		client *redis.Client
		prefix string
		ttl    time.Duration
		now    func() time.Time
	}
)

// Script errors, matched against the Lua error replies.
const (
	errReplyNotFound   = "not_found"
	errReplyExists     = "exists"
	errReplyTerminal   = "terminal"
	errReplyNotWaiting = "not_waiting"
)

var (
	createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.error_reply('exists')
end
redis.call('HSET', KEYS[1],
  'thread_id', ARGV[1], 'session_id', ARGV[2], 'query', ARGV[3],
  'status', 'active', 'clarification_count', 0,
  'pending_prompt', '', 'plan_id', '',
  'created_at', ARGV[4], 'updated_at', ARGV[4])
if tonumber(ARGV[5]) > 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[5])
end
return 1
`)

	appendScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return redis.error_reply('not_found')
end
if status == 'completed' or status == 'aborted' then
  return redis.error_reply('terminal')
end
if status ~= 'waiting' then
  return redis.error_reply('not_waiting')
end
local text = string.match(ARGV[1], '^%s*(.-)%s*$')
if text ~= '' then
  local query = string.match(redis.call('HGET', KEYS[1], 'query') or '', '^%s*(.-)%s*$')
  if query ~= '' then
    text = query .. ' ' .. text
  end
  redis.call('HSET', KEYS[1], 'query', text)
end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return redis.call('HINCRBY', KEYS[1], 'clarification_count', 1)
`)

	transitionScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return redis.error_reply('not_found')
end
if status == 'completed' or status == 'aborted' then
  return redis.error_reply('terminal')
end
if ARGV[1] == 'active' and status ~= 'waiting' then
  return redis.error_reply('not_waiting')
end
if ARGV[1] == 'waiting' then
  redis.call('HSET', KEYS[1], 'status', ARGV[1], 'pending_prompt', ARGV[3], 'plan_id', ARGV[4], 'updated_at', ARGV[2])
else
  redis.call('HSET', KEYS[1], 'status', ARGV[1], 'pending_prompt', '', 'updated_at', ARGV[2])
end
return 1
`)
)

// New returns a Store using opts.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.TTL < 0 {
		return nil, errors.New("ttl must be >= 0")
	}
	if opts.Prefix == "" {
		opts.Prefix = "analyst:session:"
	}
	return &Store{
		client: opts.Client,
		prefix: opts.Prefix,
		ttl:    opts.TTL,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Create implements session.Store.
func (s *Store) Create(ctx context.Context, threadID, sessionID, query string) (session.Session, error) {
	if err := validateIDs(threadID, sessionID); err != nil {
		return session.Session{}, err
	}
	now := s.now()
	err := createScript.Run(ctx, s.client, []string{s.key(threadID, sessionID)},
		threadID, sessionID, query, formatTime(now), int64(s.ttl/time.Second)).Err()
	if err != nil {
		return session.Session{}, mapError("create session", err)
	}
	return session.Session{
		ThreadID:  threadID,
		SessionID: sessionID,
		Query:     query,
		Status:    session.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Get implements session.Store.
func (s *Store) Get(ctx context.Context, threadID, sessionID string) (session.Session, error) {
	if err := validateIDs(threadID, sessionID); err != nil {
		return session.Session{}, err
	}
	vals, err := s.client.HGetAll(ctx, s.key(threadID, sessionID)).Result()
	if err != nil {
		return session.Session{}, fmt.Errorf("get session: %w", err)
	}
	if len(vals) == 0 {
		return session.Session{}, session.ErrNotFound
	}
	return decode(vals)
}

// AppendClarification implements session.Store.
func (s *Store) AppendClarification(ctx context.Context, threadID, sessionID, text string) (int, error) {
	if err := validateIDs(threadID, sessionID); err != nil {
		return 0, err
	}
	n, err := appendScript.Run(ctx, s.client, []string{s.key(threadID, sessionID)},
		text, formatTime(s.now())).Int()
	if err != nil {
		return 0, mapError("append clarification", err)
	}
	return n, nil
}

// MarkWaiting implements session.Store.
func (s *Store) MarkWaiting(ctx context.Context, threadID, sessionID, prompt, planID string) error {
	return s.transition(ctx, threadID, sessionID, session.StatusWaiting, prompt, planID)
}

// MarkActive implements session.Store.
func (s *Store) MarkActive(ctx context.Context, threadID, sessionID string) error {
	return s.transition(ctx, threadID, sessionID, session.StatusActive, "", "")
}

// MarkCompleted implements session.Store.
func (s *Store) MarkCompleted(ctx context.Context, threadID, sessionID string) error {
	return s.transition(ctx, threadID, sessionID, session.StatusCompleted, "", "")
}

// MarkAborted implements session.Store.
func (s *Store) MarkAborted(ctx context.Context, threadID, sessionID string) error {
	return s.transition(ctx, threadID, sessionID, session.StatusAborted, "", "")
}

// Name implements health.Pinger.
func (s *Store) Name() string { return "session-redis" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) transition(ctx context.Context, threadID, sessionID string, to session.Status, prompt, planID string) error {
	if err := validateIDs(threadID, sessionID); err != nil {
		return err
	}
	err := transitionScript.Run(ctx, s.client, []string{s.key(threadID, sessionID)},
		string(to), formatTime(s.now()), prompt, planID).Err()
	if err != nil {
		return mapError("mark session "+string(to), err)
	}
	return nil
}

func (s *Store) key(threadID, sessionID string) string {
	return s.prefix + threadID + ":" + sessionID
}

func mapError(op string, err error) error {
	switch err.Error() {
	case errReplyNotFound:
		return session.ErrNotFound
	case errReplyExists:
		return session.ErrExists
	case errReplyTerminal:
		return session.ErrTerminal
	case errReplyNotWaiting:
		return session.ErrNotWaiting
	}
	return fmt.Errorf("%s: %w", op, err)
}

func decode(vals map[string]string) (session.Session, error) {
	count, err := strconv.Atoi(vals["clarification_count"])
	if err != nil {
		return session.Session{}, fmt.Errorf("decode clarification count: %w", err)
	}
	created, err := parseTime(vals["created_at"])
	if err != nil {
		return session.Session{}, err
	}
	updated, err := parseTime(vals["updated_at"])
	if err != nil {
		return session.Session{}, err
	}
	return session.Session{
		ThreadID:           vals["thread_id"],
		SessionID:          vals["session_id"],
		Query:              vals["query"],
		Status:             session.Status(vals["status"]),
		ClarificationCount: count,
		PendingPrompt:      vals["pending_prompt"],
		PlanID:             vals["plan_id"],
		CreatedAt:          created,
		UpdatedAt:          updated,
	}, nil
}

func formatTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode timestamp %q: %w", v, err)
	}
	return t, nil
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
