package oidcproxy

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryReplayCache(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := NewMemoryReplayCache(WithReplayClock(clock.Now), WithReplayCleanupInterval(0))
	defer c.Close()

	replayed, err := c.CheckAndStore(ctx, "jti-1", 70*time.Second)
	require.NoError(t, err)
	assert.False(t, replayed)

	replayed, err = c.CheckAndStore(ctx, "jti-1", 70*time.Second)
	require.NoError(t, err)
	assert.True(t, replayed)

	// 窗口结束后同一 jti 可以再次出现
	clock.Advance(70 * time.Second)
	replayed, err = c.CheckAndStore(ctx, "jti-1", 70*time.Second)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, 1, c.Len())
}

func TestMemoryReplayCache_InvalidJTI(t *testing.T) {
	c := NewMemoryReplayCache(WithReplayCleanupInterval(0))
	defer c.Close()

	_, err := c.CheckAndStore(context.Background(), "", time.Minute)
	assert.ErrorIs(t, err, ErrInvalidJTI)
	_, err = c.CheckAndStore(context.Background(), strings.Repeat("j", MaxJTILength+1), time.Minute)
	assert.ErrorIs(t, err, ErrInvalidJTI)
}

func TestMemoryReplayCache_Full(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryReplayCache(WithReplayMaxEntries(2), WithReplayCleanupInterval(0))
	defer c.Close()

	for _, jti := range []string{"a", "b"} {
		_, err := c.CheckAndStore(ctx, jti, time.Minute)
		require.NoError(t, err)
	}
	_, err := c.CheckAndStore(ctx, "c", time.Minute)
	assert.ErrorIs(t, err, ErrReplayCacheFull)

	// 已知 jti 仍然能识别为重放
	replayed, err := c.CheckAndStore(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, replayed)
}

func TestMemoryReplayCache_Cleanup(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := NewMemoryReplayCache(WithReplayClock(clock.Now), WithReplayCleanupInterval(0))
	defer c.Close()

	_, _ = c.CheckAndStore(ctx, "short", time.Second)
	_, _ = c.CheckAndStore(ctx, "long", time.Hour)
	clock.Advance(time.Minute)

	deleted, err := c.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, 1, c.Len())
}

func TestMemoryReplayCache_Concurrent(t *testing.T) {
	c := NewMemoryReplayCache()
	defer c.Close()

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			replayed, err := c.CheckAndStore(context.Background(), "same", time.Minute)
			if err == nil && !replayed {
				firsts.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), firsts.Load())
}

func TestMemoryReplayCache_CloseIdempotent(t *testing.T) {
	c := NewMemoryReplayCache(WithReplayCleanupInterval(time.Millisecond))
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestStoreReplayCache(t *testing.T) {
	ctx := context.Background()
	_, err := NewStoreReplayCache(nil, "")
	assert.ErrorIs(t, err, ErrStoreRequired)

	store := NewMemoryStore[JTISet]()
	c, err := NewStoreReplayCache(store, "")
	require.NoError(t, err)
	clock := newFakeClock()
	c.now = clock.Now

	replayed, err := c.CheckAndStore(ctx, "x", time.Minute)
	require.NoError(t, err)
	assert.False(t, replayed)

	replayed, err = c.CheckAndStore(ctx, "x", time.Minute)
	require.NoError(t, err)
	assert.True(t, replayed)

	_, err = c.CheckAndStore(ctx, "y", time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	replayed, err = c.CheckAndStore(ctx, "z", time.Minute)
	require.NoError(t, err)
	assert.False(t, replayed)

	// 过期 jti 在写入时被剔除
	set, err := store.Get(ctx, DefaultReplayKey)
	require.NoError(t, err)
	assert.Len(t, set, 1)
	assert.Contains(t, set, "z")

	_, err = c.CheckAndStore(ctx, "", time.Minute)
	assert.ErrorIs(t, err, ErrInvalidJTI)
}
