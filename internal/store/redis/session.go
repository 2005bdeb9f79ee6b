// Package redis stores the session record in a Redis hash.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orguetta/finely/internal/store"
)

const keyPrefix = "finely:session:"

// SessionStore implements store.Store with one hash per session name. The
// hash expires ttl after the last Save.
type SessionStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewSessionStore creates a Redis-backed store for the named session.
func NewSessionStore(client *redis.Client, name string, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, key: keyPrefix + name, ttl: ttl}
}

// Load implements store.Store.
func (s *SessionStore) Load(ctx context.Context) (store.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return store.Record{}, fmt.Errorf("redis hgetall session: %w", err)
	}
	return store.RecordFromFields(fields), nil
}

// Save implements store.Store. The fields and the TTL are written in one
// MULTI/EXEC transaction.
func (s *SessionStore) Save(ctx context.Context, rec store.Record) error {
	fields := rec.Fields()
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, 2*len(fields))
	for k, v := range fields {
		args = append(args, k, v)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key, args...)
		if s.ttl > 0 {
			pipe.Expire(ctx, s.key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save session: %w", err)
	}
	return nil
}

// Clear implements store.Store.
func (s *SessionStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis del session: %w", err)
	}
	return nil
}

// Ping implements store.Store.
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
