/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
	"github.com/storesync/replicator/config"
	redis_db "github.com/storesync/replicator/internal/redis-db"
)

// Cache is the read-through store used for node and endpoint lookups.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error // Store value under key for ttl
	Get(ctx context.Context, key string, data interface{}) error                     // Decode into data; a miss leaves data untouched and returns nil
	Delete(ctx context.Context, key string) error                                     // Drop key from both tiers
}

// RedisCache pairs redis with a local TinyLFU tier.
type RedisCache struct {
	cache *cache.Cache
}

const cacheSize = 16384

// NewCache connects to the configured redis.
func NewCache() (Cache, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	client, err := redis_db.NewRedisClient([]string{cfg.Redis.Dns}, cfg.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	return NewRedisCache(client.Client()), nil
}

// NewRedisCache wraps an existing client. Local entries live for at most 30s so
// mode flips made by another process become visible quickly.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	c := cache.New(&cache.Options{
		Redis:      client,
		LocalCache: cache.NewTinyLFU(cacheSize, 30*time.Second),
	})
	return &RedisCache{cache: c}
}

func (r *RedisCache) Set(ctx context.Context, key string, data interface{}, ttl time.Duration) error {
	return r.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: data,
		TTL:   ttl,
	})
}

func (r *RedisCache) Get(ctx context.Context, key string, data interface{}) error {
	err := r.cache.Get(ctx, key, data)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	err := r.cache.Delete(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}

func NodeKey(nodeID int64) string {
	return fmt.Sprintf("replicator:node:%d", nodeID)
}

func EndpointKey(nodeID int64) string {
	return fmt.Sprintf("replicator:endpoint:%d", nodeID)
}
