package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/oy3o/oidcproxy"
)

const (
	// Key Prefixes
	PrefixPKCE   = "oidcproxy:pkce:"
	PrefixState  = "oidcproxy:state:"
	PrefixClient = "oidcproxy:client:"
	PrefixDPoP   = "oidcproxy:dpop:jti:" // DPoP JTI 防重放
	PrefixReplay = "oidcproxy:dpop:set:" // dpop.replay=store 时的 jti 集合

	// maxTxRetries 是 Update 在 WATCH 冲突时的重试次数
	maxTxRetries = 16
	scanCount    = 100
)

// takeScript 原子性地获取并删除
var takeScript = redis.NewScript(`
	local val = redis.call("GET", KEYS[1])
	if val then
		redis.call("DEL", KEYS[1])
	end
	return val
`)

// RedisStore 是 oidcproxy.Store 的 Redis 实现，值用 JSON 序列化。
type RedisStore[V any] struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ oidcproxy.Store[bool] = (*RedisStore[bool])(nil)

// NewRedisStore 创建存储，prefix 区分命名空间，ttl 为 0 时条目不过期
func NewRedisStore[V any](client redis.UniversalClient, prefix string, ttl time.Duration) (*RedisStore[V], error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	return &RedisStore[V]{client: client, prefix: prefix, ttl: ttl}, nil
}

func (r *RedisStore[V]) key(k string) string {
	return r.prefix + k
}

func (r *RedisStore[V]) decode(val string) (V, error) {
	var v V
	if err := sonic.UnmarshalString(val, &v); err != nil {
		return v, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return v, nil
}

// Get 实现 Store 接口
func (r *RedisStore[V]) Get(ctx context.Context, key string) (V, error) {
	var zero V
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return zero, oidcproxy.ErrEntryNotFound
	}
	if err != nil {
		return zero, err
	}
	return r.decode(val)
}

// Set 实现 Store 接口
func (r *RedisStore[V]) Set(ctx context.Context, key string, value V) error {
	data, err := sonic.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return r.client.Set(ctx, r.key(key), data, r.ttl).Err()
}

// Has 实现 Store 接口
func (r *RedisStore[V]) Has(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete 实现 Store 接口
func (r *RedisStore[V]) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, r.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Entries 用 SCAN 遍历命名空间并批量 MGET
func (r *RedisStore[V]) Entries(ctx context.Context) (map[string]V, error) {
	out := make(map[string]V)
	var cursor uint64
	for {
		var (
			keys []string
			err  error
		)
		keys, cursor, err = r.client.Scan(ctx, cursor, r.prefix+"*", scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		if len(keys) > 0 {
			vals, err := r.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("mget failed: %w", err)
			}
			for i, val := range vals {
				// 在 SCAN 与 MGET 之间过期的键
				if val == nil {
					continue
				}
				s, ok := val.(string)
				if !ok {
					return nil, ErrInvalidDataType
				}
				v, err := r.decode(s)
				if err != nil {
					return nil, err
				}
				out[keys[i][len(r.prefix):]] = v
			}
		}

		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// Take 使用 Lua 脚本保证 GET 和 DEL 的原子性
func (r *RedisStore[V]) Take(ctx context.Context, key string) (V, error) {
	var zero V
	result, err := takeScript.Run(ctx, r.client, []string{r.key(key)}).Result()

	// 优先检查系统错误，防止被 nil result 掩盖
	if err != nil && !errors.Is(err, redis.Nil) {
		return zero, fmt.Errorf("redis error: %w", err)
	}
	if errors.Is(err, redis.Nil) || result == nil {
		return zero, oidcproxy.ErrEntryNotFound
	}

	s, ok := result.(string)
	if !ok {
		return zero, ErrInvalidDataType
	}
	return r.decode(s)
}

// SetIfAbsent 使用 SETNX
func (r *RedisStore[V]) SetIfAbsent(ctx context.Context, key string, value V) (bool, error) {
	data, err := sonic.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to marshal value: %w", err)
	}
	return r.client.SetNX(ctx, r.key(key), data, r.ttl).Result()
}

// Update 使用 WATCH/MULTI 乐观事务，冲突时重试
func (r *RedisStore[V]) Update(ctx context.Context, key string, fn func(old V, found bool) (V, error)) (V, error) {
	var result V
	k := r.key(key)

	txf := func(tx *redis.Tx) error {
		var (
			current V
			found   bool
		)
		val, err := tx.Get(ctx, k).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if current, err = r.decode(val); err != nil {
				return err
			}
			found = true
		}

		next, err := fn(current, found)
		if err != nil {
			return err
		}
		data, err := sonic.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, data, r.ttl)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for range maxTxRetries {
		err := r.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return result, err
	}
	return result, ErrTxConflict
}

// ---------------------------------------------------------------------------
// ReplayCache
// ---------------------------------------------------------------------------

// RedisReplayCache 用 SETNX 实现 DPoP jti 防重放，条目随 TTL 自动过期
type RedisReplayCache struct {
	client redis.UniversalClient
	prefix string
}

var _ oidcproxy.ReplayCache = (*RedisReplayCache)(nil)

// NewRedisReplayCache 创建 replay 缓存，prefix 为空时使用 PrefixDPoP
func NewRedisReplayCache(client redis.UniversalClient, prefix string) (*RedisReplayCache, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if prefix == "" {
		prefix = PrefixDPoP
	}
	return &RedisReplayCache{client: client, prefix: prefix}, nil
}

// CheckAndStore 实现 ReplayCache 接口
func (r *RedisReplayCache) CheckAndStore(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if jti == "" || len(jti) > oidcproxy.MaxJTILength {
		return false, oidcproxy.ErrInvalidJTI
	}
	stored, err := r.client.SetNX(ctx, r.prefix+jti, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis error: %w", err)
	}
	return !stored, nil
}
