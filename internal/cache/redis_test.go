package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/apikeys/internal/domain/apikey"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return NewRedis(client, ""), mr
}

func TestRedis_GetSet(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)

	_, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k1", "ABCDEFGH", true, time.Minute, 0))

	valid, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, valid)

	assert.Equal(t, time.Minute, mr.TTL(DefaultNamespace+"v:k1"))
	idx, err := mr.Get(DefaultNamespace + "p:ABCDEFGH")
	require.NoError(t, err)
	assert.Equal(t, "k1", idx)

	mr.FastForward(time.Minute)
	_, ok, err = c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_NegativeVerdict(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestRedis(t)

	require.NoError(t, c.Set(ctx, "k1", "ABCDEFGH", false, time.Minute, 0))

	valid, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, valid)
}

func TestRedis_NonPositiveTTLIsNotStored(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)

	require.NoError(t, c.Set(ctx, "k1", "ABCDEFGH", true, 0, 0))
	assert.Empty(t, mr.Keys())
}

func TestRedis_InvalidateByPrefix(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)

	require.NoError(t, c.Set(ctx, "k1", "AAAAAAAA", true, time.Hour, 0))
	require.NoError(t, c.Set(ctx, "k2", "BBBBBBBB", true, time.Hour, 0))

	require.NoError(t, c.InvalidateByPrefix(ctx, "AAAAAAAA"))

	_, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists(DefaultNamespace+"p:AAAAAAAA"))

	_, ok, err = c.Get(ctx, "k2")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.InvalidateByPrefix(ctx, "CCCCCCCC"))
}

func TestRedis_SetAfterInvalidationIsDropped(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)

	gen, err := c.Generation(ctx, "AAAAAAAA")
	require.NoError(t, err)
	assert.Zero(t, gen)

	require.NoError(t, c.InvalidateByPrefix(ctx, "AAAAAAAA"))
	require.NoError(t, c.Set(ctx, "k1", "AAAAAAAA", true, time.Hour, gen))

	_, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists(DefaultNamespace+"p:AAAAAAAA"))

	gen, err = c.Generation(ctx, "AAAAAAAA")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
	assert.Equal(t, generationTTL, mr.TTL(DefaultNamespace+"g:AAAAAAAA"))

	require.NoError(t, c.Set(ctx, "k1", "AAAAAAAA", true, time.Hour, gen))
	valid, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, valid)
}

func TestRedis_Namespace(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a := NewRedis(client, "a:")
	b := NewRedis(client, "b:")

	require.NoError(t, a.Set(ctx, "k1", "ABCDEFGH", true, time.Hour, 0))
	_, ok, err := b.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_ServerDown(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedis(t)
	mr.Close()

	_, ok, err := c.Get(ctx, "k1")
	require.Error(t, err)
	assert.False(t, ok)
	require.Error(t, c.Set(ctx, "k1", "ABCDEFGH", true, time.Minute, 0))
	require.Error(t, c.Ping(ctx))
}

func TestNewRedisClient_BadURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "://nope")
	require.Error(t, err)
}

func TestRedis_RevokeScenario(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestRedis(t)
	l := Invalidator(c)

	key := apikey.CacheKey("AAAAAAAA.secret")
	require.NoError(t, c.Set(ctx, key, "AAAAAAAA", true, time.Hour, 0))
	require.NoError(t, l(ctx, apikey.Event{Type: apikey.EventSaved, Key: &apikey.Key{Prefix: "AAAAAAAA", Revoked: true}}))

	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}
