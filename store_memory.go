package oidcproxy

import (
	"context"
	"errors"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

type memoryEntry[V any] struct {
	value     V
	expiresAt time.Time // 零值表示永不过期
}

func (e memoryEntry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore 是基于 xsync.Map 的进程内 Store 实现。
// 所有 read-modify-write 都通过 Map.Compute 在单个桶锁内完成。
type MemoryStore[V any] struct {
	entries *xsync.Map[string, memoryEntry[V]]
	ttl     time.Duration
	now     func() time.Time
}

var (
	_ Store[bool] = (*MemoryStore[bool])(nil)
	_ Cleaner     = (*MemoryStore[bool])(nil)
)

// MemoryStoreOption 配置 MemoryStore
type MemoryStoreOption func(*memoryStoreConfig)

type memoryStoreConfig struct {
	ttl time.Duration
	now func() time.Time
}

// WithMemoryTTL 设置条目的存活时间，0 表示永不过期
func WithMemoryTTL(ttl time.Duration) MemoryStoreOption {
	return func(c *memoryStoreConfig) { c.ttl = ttl }
}

// WithMemoryClock 替换时钟，仅用于测试
func WithMemoryClock(now func() time.Time) MemoryStoreOption {
	return func(c *memoryStoreConfig) { c.now = now }
}

// NewMemoryStore 创建内存存储
func NewMemoryStore[V any](opts ...MemoryStoreOption) *MemoryStore[V] {
	cfg := memoryStoreConfig{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &MemoryStore[V]{
		entries: xsync.NewMap[string, memoryEntry[V]](),
		ttl:     cfg.ttl,
		now:     cfg.now,
	}
}

func (s *MemoryStore[V]) newEntry(value V) memoryEntry[V] {
	e := memoryEntry[V]{value: value}
	if s.ttl > 0 {
		e.expiresAt = s.now().Add(s.ttl)
	}
	return e
}

// Get 实现 Store 接口
func (s *MemoryStore[V]) Get(_ context.Context, key string) (V, error) {
	var zero V
	e, ok := s.entries.Load(key)
	if !ok || e.expired(s.now()) {
		return zero, ErrEntryNotFound
	}
	return e.value, nil
}

// Set 实现 Store 接口
func (s *MemoryStore[V]) Set(_ context.Context, key string, value V) error {
	s.entries.Store(key, s.newEntry(value))
	return nil
}

// Has 实现 Store 接口
func (s *MemoryStore[V]) Has(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if errors.Is(err, ErrEntryNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Delete 实现 Store 接口
func (s *MemoryStore[V]) Delete(_ context.Context, key string) (bool, error) {
	e, ok := s.entries.LoadAndDelete(key)
	return ok && !e.expired(s.now()), nil
}

// Entries 实现 Store 接口
func (s *MemoryStore[V]) Entries(_ context.Context) (map[string]V, error) {
	now := s.now()
	out := make(map[string]V)
	s.entries.Range(func(key string, e memoryEntry[V]) bool {
		if !e.expired(now) {
			out[key] = e.value
		}
		return true
	})
	return out, nil
}

// Take 实现 Store 接口
func (s *MemoryStore[V]) Take(_ context.Context, key string) (V, error) {
	var (
		taken V
		found bool
	)
	now := s.now()
	s.entries.Compute(key, func(old memoryEntry[V], loaded bool) (memoryEntry[V], xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		if !old.expired(now) {
			taken, found = old.value, true
		}
		return old, xsync.DeleteOp
	})
	if !found {
		return taken, ErrEntryNotFound
	}
	return taken, nil
}

// SetIfAbsent 实现 Store 接口
func (s *MemoryStore[V]) SetIfAbsent(_ context.Context, key string, value V) (bool, error) {
	stored := false
	now := s.now()
	s.entries.Compute(key, func(old memoryEntry[V], loaded bool) (memoryEntry[V], xsync.ComputeOp) {
		if loaded && !old.expired(now) {
			return old, xsync.CancelOp
		}
		stored = true
		return s.newEntry(value), xsync.UpdateOp
	})
	return stored, nil
}

// Update 实现 Store 接口
func (s *MemoryStore[V]) Update(_ context.Context, key string, fn func(old V, found bool) (V, error)) (V, error) {
	var (
		result V
		fnErr  error
	)
	now := s.now()
	s.entries.Compute(key, func(old memoryEntry[V], loaded bool) (memoryEntry[V], xsync.ComputeOp) {
		found := loaded && !old.expired(now)
		var current V
		if found {
			current = old.value
		}
		next, err := fn(current, found)
		if err != nil {
			fnErr = err
			return old, xsync.CancelOp
		}
		result = next
		return s.newEntry(next), xsync.UpdateOp
	})
	return result, fnErr
}

// Cleanup 删除所有已过期条目
func (s *MemoryStore[V]) Cleanup(_ context.Context) (int64, error) {
	var deleted int64
	now := s.now()
	s.entries.Range(func(key string, e memoryEntry[V]) bool {
		if e.expired(now) {
			s.entries.Compute(key, func(old memoryEntry[V], loaded bool) (memoryEntry[V], xsync.ComputeOp) {
				if loaded && old.expired(now) {
					deleted++
					return old, xsync.DeleteOp
				}
				return old, xsync.CancelOp
			})
		}
		return true
	})
	return deleted, nil
}
