package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheSetNXClaim(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "task:t1:claimed", "worker-a", 60*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "task:t1:claimed", "worker-b", 60*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second claimant must lose the race")

	v, err := c.Get(ctx, "task:t1:claimed")
	require.NoError(t, err)
	assert.Equal(t, "worker-a", v)
}

func TestMemoryCacheGetNotFound(t *testing.T) {
	c := NewMemoryCache()
	_, err := c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCacheHash(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	require.NoError(t, c.HSet(ctx, "pending_questions", "q1", "{}"))
	v, err := c.HGet(ctx, "pending_questions", "q1")
	require.NoError(t, err)
	assert.Equal(t, "{}", v)

	require.NoError(t, c.HDel(ctx, "pending_questions", "q1"))
	_, err = c.HGet(ctx, "pending_questions", "q1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCacheList(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	require.NoError(t, c.LPush(ctx, "task:t1:timeline", "c"))
	require.NoError(t, c.LPush(ctx, "task:t1:timeline", "b"))
	require.NoError(t, c.LPush(ctx, "task:t1:timeline", "a"))

	vals, err := c.LRange(ctx, "task:t1:timeline", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, vals)
}

func TestMemoryCacheSet(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	require.NoError(t, c.SAdd(ctx, "workers:active", "w1"))
	require.NoError(t, c.SAdd(ctx, "workers:active", "w2"))

	members, err := c.SMembers(ctx, "workers:active")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"w1", "w2"}, members)

	require.NoError(t, c.SRem(ctx, "workers:active", "w1"))
	members, err = c.SMembers(ctx, "workers:active")
	require.NoError(t, err)
	assert.Equal(t, []string{"w2"}, members)
}
