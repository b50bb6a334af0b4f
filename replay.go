package oidcproxy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

const (
	// DefaultReplayMaxEntries 内存 replay 缓存的最大条目数
	DefaultReplayMaxEntries = 100_000

	// DefaultReplayCleanupInterval 过期 jti 的清理间隔
	DefaultReplayCleanupInterval = 30 * time.Second

	// MaxJTILength jti 的最大长度 (字节)
	MaxJTILength = 1024
)

func validJTI(jti string) bool {
	return jti != "" && len(jti) <= MaxJTILength
}

// ---------------------------------------------------------------------------
// MemoryReplayCache
// ---------------------------------------------------------------------------

// MemoryReplayCache 是进程内的时间有界 jti 集合。
// 条目在 ttl 之后失效，后台 goroutine 定期清理。
type MemoryReplayCache struct {
	entries    *xsync.Map[string, time.Time]
	count      atomic.Int64
	maxEntries int64
	now        func() time.Time

	interval  time.Duration
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

var _ ReplayCache = (*MemoryReplayCache)(nil)

// MemoryReplayCacheOption 配置 MemoryReplayCache
type MemoryReplayCacheOption func(*MemoryReplayCache)

// WithReplayMaxEntries 设置最大条目数
func WithReplayMaxEntries(n int) MemoryReplayCacheOption {
	return func(c *MemoryReplayCache) { c.maxEntries = int64(n) }
}

// WithReplayCleanupInterval 设置清理间隔，<=0 关闭后台清理
func WithReplayCleanupInterval(d time.Duration) MemoryReplayCacheOption {
	return func(c *MemoryReplayCache) { c.interval = d }
}

// WithReplayClock 替换时钟，仅用于测试
func WithReplayClock(now func() time.Time) MemoryReplayCacheOption {
	return func(c *MemoryReplayCache) { c.now = now }
}

// NewMemoryReplayCache 创建内存 replay 缓存，调用方负责 Close
func NewMemoryReplayCache(opts ...MemoryReplayCacheOption) *MemoryReplayCache {
	c := &MemoryReplayCache{
		entries:    xsync.NewMap[string, time.Time](),
		maxEntries: DefaultReplayMaxEntries,
		now:        time.Now,
		interval:   DefaultReplayCleanupInterval,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.interval > 0 {
		go c.cleanupLoop()
	} else {
		close(c.doneCh)
	}
	return c
}

// CheckAndStore 实现 ReplayCache 接口
func (c *MemoryReplayCache) CheckAndStore(_ context.Context, jti string, ttl time.Duration) (bool, error) {
	if !validJTI(jti) {
		return false, ErrInvalidJTI
	}

	now := c.now()
	var (
		replayed bool
		full     bool
	)
	c.entries.Compute(jti, func(expiresAt time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
		if loaded && now.Before(expiresAt) {
			replayed = true
			return expiresAt, xsync.CancelOp
		}
		if !loaded {
			if c.count.Load() >= c.maxEntries {
				full = true
				return expiresAt, xsync.CancelOp
			}
			c.count.Add(1)
		}
		return now.Add(ttl), xsync.UpdateOp
	})
	if full {
		return false, ErrReplayCacheFull
	}
	return replayed, nil
}

// Len 返回当前条目数 (包括尚未清理的过期条目)
func (c *MemoryReplayCache) Len() int {
	return int(c.count.Load())
}

// Cleanup 删除过期条目
func (c *MemoryReplayCache) Cleanup(_ context.Context) (int64, error) {
	now := c.now()
	var deleted int64
	c.entries.Range(func(jti string, expiresAt time.Time) bool {
		if now.Before(expiresAt) {
			return true
		}
		c.entries.Compute(jti, func(current time.Time, loaded bool) (time.Time, xsync.ComputeOp) {
			if loaded && !now.Before(current) {
				deleted++
				c.count.Add(-1)
				return current, xsync.DeleteOp
			}
			return current, xsync.CancelOp
		})
		return true
	})
	return deleted, nil
}

func (c *MemoryReplayCache) cleanupLoop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = c.Cleanup(context.Background())
		case <-c.stopCh:
			return
		}
	}
}

// Close 停止后台清理
func (c *MemoryReplayCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		<-c.doneCh
	})
	return nil
}

// ---------------------------------------------------------------------------
// StoreReplayCache
// ---------------------------------------------------------------------------

// JTISet 是存放在单个 Store 条目中的 jti 集合，值为过期的 unix 毫秒时间
type JTISet map[string]int64

// StoreReplayCache 把已见过的 jti 作为一个整体条目放在任意 Store 中。
// 每次写入都在 Update 内原子地剔除过期 jti，集合大小受新鲜度窗口约束。
type StoreReplayCache struct {
	store Store[JTISet]
	key   string
	now   func() time.Time
}

var _ ReplayCache = (*StoreReplayCache)(nil)

// DefaultReplayKey 是 jti 集合在 Store 中的键
const DefaultReplayKey = "jtis"

// NewStoreReplayCache 基于 Store 创建 replay 缓存
func NewStoreReplayCache(store Store[JTISet], key string) (*StoreReplayCache, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if key == "" {
		key = DefaultReplayKey
	}
	return &StoreReplayCache{store: store, key: key, now: time.Now}, nil
}

// CheckAndStore 实现 ReplayCache 接口
func (c *StoreReplayCache) CheckAndStore(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if !validJTI(jti) {
		return false, ErrInvalidJTI
	}
	now := c.now().UnixMilli()
	replayed := false
	_, err := c.store.Update(ctx, c.key, func(old JTISet, _ bool) (JTISet, error) {
		replayed = false
		next := make(JTISet, len(old)+1)
		for k, exp := range old {
			if exp > now {
				next[k] = exp
			}
		}
		if _, seen := next[jti]; seen {
			replayed = true
			return next, nil
		}
		next[jti] = now + ttl.Milliseconds()
		return next, nil
	})
	if err != nil {
		return false, err
	}
	return replayed, nil
}
