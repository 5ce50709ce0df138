package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store against a Redis list per key. The atomic drain
// relies on LRANGE+DEL sequenced inside one MULTI/EXEC transaction: Redis
// executes the queued commands without interleaving other clients, so a
// producer's RPUSH lands either entirely before the drain (drained this
// cycle) or entirely after it (next cycle).
type RedisStore struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

// NewRedisStore wraps an existing Redis client. The caller owns the client's
// lifecycle; one client is constructed at startup and shared.
func NewRedisStore(rdb redis.UniversalClient, logger *slog.Logger) *RedisStore {
	return &RedisStore{rdb: rdb, logger: logger}
}

// Len returns the list length at key. A missing key has length zero.
func (s *RedisStore) Len(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, transient("reading length of", key, err)
	}

	return n, nil
}

// AppendMany RPUSHes all entries in order. A single variadic RPUSH keeps the
// append atomic with respect to a concurrent drain.
func (s *RedisStore) AppendMany(ctx context.Context, key string, entries []string) error {
	if len(entries) == 0 {
		return nil
	}

	vals := make([]interface{}, len(entries))
	for i, e := range entries {
		vals[i] = e
	}

	if err := s.rdb.RPush(ctx, key, vals...).Err(); err != nil {
		return transient("appending to", key, err)
	}

	return nil
}

// ReadAll returns the full list, oldest first, without mutating it.
func (s *RedisStore) ReadAll(ctx context.Context, key string) ([]string, error) {
	entries, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, transient("reading", key, err)
	}

	return entries, nil
}

// DeleteAll removes the key.
func (s *RedisStore) DeleteAll(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return transient("deleting", key, err)
	}

	return nil
}

// DrainAll reads and empties the key in one Redis transaction. Returns the
// entries oldest first; an empty or missing key yields an empty slice and
// no error.
func (s *RedisStore) DrainAll(ctx context.Context, key string) ([]string, error) {
	var rangeCmd *redis.StringSliceCmd

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rangeCmd = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)

		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, transient("draining", key, err)
	}

	entries := rangeCmd.Val()

	s.logger.Debug("queue drained",
		slog.String("key", key),
		slog.Int("entries", len(entries)),
	)

	return entries, nil
}

// transient wraps a store error so callers can classify it with
// errors.Is(err, ErrTransient) while keeping the cause chain intact.
func transient(op, key string, err error) error {
	return fmt.Errorf("queue: %s %s: %w", op, key, errors.Join(ErrTransient, err))
}
