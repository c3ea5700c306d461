package search

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"charactersearch/searchservice/internal/domain"
)

const redisCachePrefix = "charsearch:cache:"

// RedisCacheBackend stores query results in Redis with JSON serialization.
// A zero TTL keeps entries until they are evicted by Redis itself.
type RedisCacheBackend struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCacheBackend(client *redis.Client, ttl time.Duration) *RedisCacheBackend {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisCacheBackend{client: client, ttl: ttl}
}

func (r *RedisCacheBackend) Get(ctx context.Context, key string) ([]domain.Character, bool, error) {
	data, err := r.client.Get(ctx, redisCachePrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var results []domain.Character
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, false, err
	}
	if results == nil {
		results = []domain.Character{}
	}
	return results, true, nil
}

func (r *RedisCacheBackend) Set(ctx context.Context, key string, results []domain.Character) error {
	if results == nil {
		results = []domain.Character{}
	}
	data, err := json.Marshal(results)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisCachePrefix+key, data, r.ttl).Err()
}

func (r *RedisCacheBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCacheBackend) Close() error {
	return r.client.Close()
}
