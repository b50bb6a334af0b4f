package oidcproxy

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCleaner struct {
	calls   atomic.Int32
	deleted int64
	err     error
}

func (c *countingCleaner) Cleanup(context.Context) (int64, error) {
	c.calls.Add(1)
	return c.deleted, c.err
}

func TestGCWorker_RunOnce(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryStore[string](WithMemoryTTL(time.Minute), WithMemoryClock(clock.Now))
	require.NoError(t, store.Set(ctx, "a", "1"))
	require.NoError(t, store.Set(ctx, "b", "2"))
	clock.Advance(2 * time.Minute)
	require.NoError(t, store.Set(ctx, "c", "3"))

	failing := &countingCleaner{err: errors.New("boom")}
	other := &countingCleaner{deleted: 3}

	w := NewGCWorker(0, nil, nil, failing, store, other)
	assert.Equal(t, int64(5), w.RunOnce(ctx), "a failing cleaner does not stop the others")
	assert.Equal(t, int32(1), failing.calls.Load())

	ok, err := store.Has(ctx, "c")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGCWorker_StartStop(t *testing.T) {
	c := &countingCleaner{}
	w := NewGCWorker(10*time.Millisecond, nil, nil, c)
	w.Start(context.Background())

	assert.Eventually(t, func() bool { return c.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	w.Stop()
	w.Stop()

	// 停止后不再执行
	time.Sleep(20 * time.Millisecond)
	n := c.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, c.calls.Load())
}

func TestGCWorker_NoCleaners(t *testing.T) {
	w := NewGCWorker(time.Millisecond, nil, nil)
	w.Start(context.Background())
	w.Stop()
	assert.Zero(t, w.RunOnce(context.Background()))
}
