// Package redis implements objectstore.Store on Redis. Each object is a
// single key written with SET NX EX so expiry is enforced by Redis itself.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/analyst/runtime/analyst/objectstore"
)

type (
	// Options configures the store.
	Options struct {
		// Client is the Redis connection. Required.
		Client *redis.Client
		// TTL is the expiry of every saved object. Defaults to
		// objectstore.DefaultTTL.
		TTL time.Duration
		// Prefix namespaces the keys. Defaults to "analyst:obj:".
		Prefix string
	}

	// Store is a Redis-backed objectstore.Store.
	Store struct {
		client *redis.Client
		ttl    time.Duration
		prefix string
	}

	record struct {
		ContentType string `json:"content_type"`
		Data        []byte `json:"data"`
	}
)

const maxIDAttempts = 5

// New returns a Store using opts.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = objectstore.DefaultTTL
	}
	if opts.Prefix == "" {
		opts.Prefix = "analyst:obj:"
	}
	return &Store{client: opts.Client, ttl: opts.TTL, prefix: opts.Prefix}, nil
}

// Save implements objectstore.Store.
func (s *Store) Save(ctx context.Context, obj objectstore.Object) (string, error) {
	val, err := json.Marshal(record{ContentType: obj.ContentType, Data: obj.Data})
	if err != nil {
		return "", fmt.Errorf("encode object: %w", err)
	}
	for range maxIDAttempts {
		id := objectstore.NewID()
		ok, err := s.client.SetNX(ctx, s.prefix+id, val, s.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("save object: %w", err)
		}
		if ok {
			return id, nil
		}
	}
	return "", errors.New("save object: could not allocate a free id")
}

// Get implements objectstore.Store.
func (s *Store) Get(ctx context.Context, id string) (objectstore.Object, error) {
	if !objectstore.IsID(id) {
		return objectstore.Object{}, objectstore.ErrNotFound
	}
	val, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return objectstore.Object{}, objectstore.ErrNotFound
	}
	if err != nil {
		return objectstore.Object{}, fmt.Errorf("get object %s: %w", id, err)
	}
	var rec record
	if err := json.Unmarshal(val, &rec); err != nil {
		return objectstore.Object{}, fmt.Errorf("decode object %s: %w", id, err)
	}
	return objectstore.Object{ContentType: rec.ContentType, Data: rec.Data}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return "objectstore-redis" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
