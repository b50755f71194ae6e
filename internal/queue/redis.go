package queue

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one hash per path, field = item id.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "poolwatch"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// Key returns the hash key holding path.
func (s *RedisStore) Key(path string) string {
	return s.prefix + ":" + path
}

func (s *RedisStore) Push(ctx context.Context, path string, item json.RawMessage) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	if err := s.rdb.HSet(ctx, s.Key(path), id.String(), []byte(item)).Err(); err != nil {
		return "", err
	}
	return id.String(), nil
}

func (s *RedisStore) Get(ctx context.Context, path, id string) (json.RawMessage, error) {
	b, err := s.rdb.HGet(ctx, s.Key(path), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

func (s *RedisStore) ReadAll(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	all, err := s.rdb.HGetAll(ctx, s.Key(path)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(all))
	for id, v := range all {
		out[id] = json.RawMessage(v)
	}
	return out, nil
}

func (s *RedisStore) Remove(ctx context.Context, path, id string) error {
	return s.rdb.HDel(ctx, s.Key(path), id).Err()
}

// SetField is an optimistic read-modify-write; a concurrent change to the
// hash aborts the transaction with redis.TxFailedErr.
func (s *RedisStore) SetField(ctx context.Context, path, id, field string, value any) error {
	key := s.Key(path)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, id).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		updated, err := WithField(cur, field, value)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, id, []byte(updated))
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
