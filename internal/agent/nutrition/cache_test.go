package nutrition

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	c := NewRedisCache(rdb, 7*24*time.Hour)
	_, ok, err := c.Get(ctx, "usda:rice:raw")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "usda:rice:raw", []byte(`{"name":"Rice"}`)))
	b, ok, err := c.Get(ctx, "usda:rice:raw")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"name":"Rice"}`, string(b))
	assert.Equal(t, 7*24*time.Hour, mr.TTL("usda:rice:raw"))

	mr.FastForward(7*24*time.Hour + time.Second)
	_, ok, err = c.Get(ctx, "usda:rice:raw")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2, time.Hour)

	in := []byte("v1")
	require.NoError(t, c.Set(ctx, "a", in))
	in[0] = 'x'

	b, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", string(b), "stored values are copies")

	require.NoError(t, c.Set(ctx, "b", []byte("v2")))
	require.NoError(t, c.Set(ctx, "c", []byte("v3")))
	_, ok, _ = c.Get(ctx, "a")
	assert.False(t, ok, "oldest entry is evicted past capacity")
}
