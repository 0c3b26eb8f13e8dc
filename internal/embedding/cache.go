package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores vectors by content hash so repeated content skips the provider
type Cache interface {
	Get(ctx context.Context, hash string) ([]float64, bool, error)
	Set(ctx context.Context, hash string, emb []float64) error
}

// RedisCache is a Cache backed by Redis string keys with a TTL
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects using a redis:// URL
func NewRedisCache(ctx context.Context, url string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisCache{client: client, prefix: "patterngraph:emb:", ttl: ttl}, nil
}

// Get returns the cached vector for hash, if any
func (c *RedisCache) Get(ctx context.Context, hash string) ([]float64, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+hash).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var emb []float64
	if err := json.Unmarshal(data, &emb); err != nil {
		return nil, false, fmt.Errorf("decode cached embedding: %w", err)
	}
	return emb, len(emb) > 0, nil
}

// Set stores the vector for hash
func (c *RedisCache) Set(ctx context.Context, hash string, emb []float64) error {
	data, err := json.Marshal(emb)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+hash, data, c.ttl).Err()
}

// Close closes the client
func (c *RedisCache) Close() error {
	return c.client.Close()
}
