package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/web3guy0/polylearn/types"
)

// RedisStateStore keeps the derived caches in redis so several sweepers can share them
type RedisStateStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStateStore parses a redis URL (redis://host:6379/0) and pings the server
func NewRedisStateStore(ctx context.Context, url, prefix string) (*RedisStateStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStateStoreFromClient(client, prefix), nil
}

// NewRedisStateStoreFromClient wraps an existing client
func NewRedisStateStoreFromClient(client *redis.Client, prefix string) *RedisStateStore {
	if prefix == "" {
		prefix = "polylearn"
	}
	return &RedisStateStore{client: client, prefix: prefix}
}

var _ StateStore = (*RedisStateStore)(nil)

func (r *RedisStateStore) key(name string) string {
	return r.prefix + ":state:" + name
}

func (r *RedisStateStore) get(ctx context.Context, name string) ([]byte, error) {
	raw, err := r.client.Get(ctx, r.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", name, err)
	}
	return raw, nil
}

func (r *RedisStateStore) set(ctx context.Context, name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := r.client.Set(ctx, r.key(name), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", name, err)
	}
	return nil
}

func (r *RedisStateStore) LoadBlackout(ctx context.Context) (*types.BlackoutState, error) {
	raw, err := r.get(ctx, "blackout")
	if err != nil {
		return nil, err
	}
	return decodeBlackout(raw)
}

func (r *RedisStateStore) SaveBlackout(ctx context.Context, s *types.BlackoutState) error {
	return r.set(ctx, "blackout", s)
}

func (r *RedisStateStore) LoadPatterns(ctx context.Context) (*types.PatternState, error) {
	raw, err := r.get(ctx, "patterns")
	if err != nil {
		return nil, err
	}
	return decodePatterns(raw)
}

func (r *RedisStateStore) SavePatterns(ctx context.Context, s *types.PatternState) error {
	return r.set(ctx, "patterns", s)
}

// Close releases the client
func (r *RedisStateStore) Close() error {
	return r.client.Close()
}
