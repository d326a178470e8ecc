package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alfredjeanlab/eventpoller/internal/model"
)

// Cache stores commit details, which never change for a given repo and SHA.
type Cache interface {
	Get(ctx context.Context, ref CommitRef) (*model.CommitDetail, bool, error)
	Set(ctx context.Context, ref CommitRef, d *model.CommitDetail) error
}

// RedisCache is a Cache backed by Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to the Redis server at url (redis://host:port/db)
// and verifies the connection.
func NewRedisCache(ctx context.Context, url string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

// CommitKey is the cache key of one commit.
func CommitKey(ref CommitRef) string {
	return fmt.Sprintf("enrich:commit:%s/%s@%s", ref.Owner, ref.Repo, ref.SHA)
}

func (c *RedisCache) Get(ctx context.Context, ref CommitRef) (*model.CommitDetail, bool, error) {
	key := CommitKey(ref)
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get key %s: %w", key, err)
	}
	var d model.CommitDetail
	if err := json.Unmarshal(data, &d); err != nil {
		// Treat undecodable entries as a miss and drop them.
		c.client.Del(ctx, key)
		return nil, false, nil
	}
	return &d, true, nil
}

func (c *RedisCache) Set(ctx context.Context, ref CommitRef, d *model.CommitDetail) error {
	key := CommitKey(ref)
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal value for key %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("set key %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
