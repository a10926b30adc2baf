// ABOUTME: Redis backend for session storage, shared across gateway instances.
// ABOUTME: TTL is enforced by Redis itself, so CleanupExpired has nothing to do.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisSessionPrefix = "familiar:session:"
	redisClientPrefix  = "familiar:client:"
)

// RedisStorage persists sessions as JSON values with a key TTL, plus a
// per-client set used for quota lookups.
type RedisStorage struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisStorage connects to Redis and verifies it with a ping.
func NewRedisStorage(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}

	logger.Info("redis session storage ready", "addr", addr, "db", db)
	return &RedisStorage{client: client, logger: logger}, nil
}

func sessionKey(id string) string { return redisSessionPrefix + id }

func clientKey(clientID string) string { return redisClientPrefix + clientID }

func (r *RedisStorage) Get(ctx context.Context, id string) (*Session, error) {
	data, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	return &sess, nil
}

func (r *RedisStorage) Set(ctx context.Context, sess *Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", sess.ID, err)
	}

	if err := r.client.Set(ctx, sessionKey(sess.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	if err := r.client.SAdd(ctx, clientKey(sess.ClientID), sess.ID).Err(); err != nil {
		return fmt.Errorf("redis client index: %w", err)
	}
	// The index set rides the same TTL so abandoned clients don't accumulate.
	if err := r.client.Expire(ctx, clientKey(sess.ClientID), ttl).Err(); err != nil {
		return fmt.Errorf("redis client index ttl: %w", err)
	}
	return nil
}

func (r *RedisStorage) Delete(ctx context.Context, id string) error {
	// Look the session up first so its client index entry can be removed too.
	sess, err := r.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	if err := r.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	if err := r.client.SRem(ctx, clientKey(sess.ClientID), id).Err(); err != nil {
		return fmt.Errorf("redis client index: %w", err)
	}
	return nil
}

func (r *RedisStorage) List(ctx context.Context, clientID string) ([]string, error) {
	if clientID != "" {
		members, err := r.client.SMembers(ctx, clientKey(clientID)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis smembers: %w", err)
		}
		// The index can hold ids whose sessions already expired; filter to
		// live records only.
		ids := make([]string, 0, len(members))
		for _, id := range members {
			n, err := r.client.Exists(ctx, sessionKey(id)).Result()
			if err != nil {
				return nil, fmt.Errorf("redis exists: %w", err)
			}
			if n > 0 {
				ids = append(ids, id)
			} else {
				_ = r.client.SRem(ctx, clientKey(clientID), id).Err()
			}
		}
		return ids, nil
	}

	var ids []string
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, redisSessionPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		for _, key := range keys {
			ids = append(ids, key[len(redisSessionPrefix):])
		}
		if next == 0 {
			return ids, nil
		}
		cursor = next
	}
}

// CleanupExpired is a no-op: Redis expires session keys itself.
func (r *RedisStorage) CleanupExpired(context.Context, time.Duration) (int, error) {
	return 0, nil
}

func (r *RedisStorage) Close() error { return r.client.Close() }
