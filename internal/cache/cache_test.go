package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/storesync/replicator/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedNode struct {
	ID   int64
	Mode string
}

func newTestCache(t *testing.T) *RedisCache {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client)
}

func TestSetAndGet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	node := cachedNode{ID: 3, Mode: "SYNC"}
	require.NoError(t, c.Set(ctx, NodeKey(3), node, time.Minute))

	var got cachedNode
	assert.NoError(t, c.Get(ctx, NodeKey(3), &got))
	assert.Equal(t, node, got)
}

func TestGetMissLeavesValueEmpty(t *testing.T) {
	c := newTestCache(t)

	var got cachedNode
	err := c.Get(context.Background(), NodeKey(99), &got)
	assert.NoError(t, err)
	assert.Empty(t, got)
}

func TestDelete(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, EndpointKey(5), cachedNode{ID: 5}, time.Minute))
	assert.NoError(t, c.Delete(ctx, EndpointKey(5)))

	var got cachedNode
	assert.NoError(t, c.Get(ctx, EndpointKey(5), &got))
	assert.Empty(t, got)

	assert.NoError(t, c.Delete(ctx, "replicator:missing"))
}

func TestNewCacheFromConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	cnf := config.MockDefaults()
	cnf.Redis.Dns = mr.Addr()
	config.MockConfig(cnf)

	c, err := NewCache()
	require.NoError(t, err)
	assert.NoError(t, c.Set(context.Background(), NodeKey(1), cachedNode{ID: 1}, time.Minute))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "replicator:node:4", NodeKey(4))
	assert.Equal(t, "replicator:endpoint:4", EndpointKey(4))
}
