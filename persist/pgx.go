package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/bytedance/sonic"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/oy3o/oidcproxy"
)

// -----------------------------------------------------------------------------
// 基础设施与类型定义
// -----------------------------------------------------------------------------

// psql 全局复用的 SQL 构建器，预设为 PostgreSQL 格式 ($1, $2...)
var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

const (
	tableKV  = "oidcproxy_kv"
	tableJTI = "oidcproxy_dpop_jti"
)

// 各类关联数据的命名空间
const (
	NamespacePKCE   = "pkce"
	NamespaceState  = "state"
	NamespaceClient = "client"
	NamespaceJTI    = "jti"
)

// DBTX 定义了 pgxpool.Pool 和 pgx.Tx 共有的方法，用于统一读写操作接口
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// DB 是可以开启事务的 DBTX，*pgxpool.Pool 满足它
type DB interface {
	DBTX
	Begin(context.Context) (pgx.Tx, error)
}

// kvRow 是 oidcproxy_kv 的一行
type kvRow struct {
	Key       string     `db:"entry_key"`
	Value     []byte     `db:"value"`
	ExpiresAt *time.Time `db:"expires_at"`
}

// PgxStore 是 oidcproxy.Store 的 PostgreSQL 实现。
// 所有命名空间共享一张表，值以 jsonb 存储。
type PgxStore[V any] struct {
	db        DB
	namespace string
	ttl       time.Duration
	now       func() time.Time
}

var (
	_ oidcproxy.Store[bool] = (*PgxStore[bool])(nil)
	_ oidcproxy.Cleaner     = (*PgxStore[bool])(nil)
)

// NewPgxStore 创建存储，ttl 为 0 时条目不过期
func NewPgxStore[V any](db DB, namespace string, ttl time.Duration) (*PgxStore[V], error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	if namespace == "" {
		return nil, ErrNamespaceRequired
	}
	return &PgxStore[V]{db: db, namespace: namespace, ttl: ttl, now: time.Now}, nil
}

func (s *PgxStore[V]) expiresAt(now time.Time) *time.Time {
	if s.ttl <= 0 {
		return nil
	}
	t := now.Add(s.ttl)
	return &t
}

// live 匹配本命名空间中未过期的条目
func (s *PgxStore[V]) live(now time.Time) squirrel.And {
	return squirrel.And{
		squirrel.Eq{"namespace": s.namespace},
		squirrel.Or{
			squirrel.Eq{"expires_at": nil},
			squirrel.Gt{"expires_at": now},
		},
	}
}

func (s *PgxStore[V]) decode(data []byte) (V, error) {
	var v V
	if err := sonic.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return v, nil
}

// Get 实现 Store 接口
func (s *PgxStore[V]) Get(ctx context.Context, key string) (V, error) {
	return s.get(ctx, s.db, key, false)
}

func (s *PgxStore[V]) get(ctx context.Context, db DBTX, key string, lock bool) (V, error) {
	var (
		zero V
		row  kvRow
	)
	b := psql.Select("entry_key", "value", "expires_at").
		From(tableKV).
		Where(s.live(s.now())).
		Where(squirrel.Eq{"entry_key": key})
	if lock {
		b = b.Suffix("FOR UPDATE")
	}
	query, args, err := b.ToSql()
	if err != nil {
		return zero, err
	}

	if err := pgxscan.Get(ctx, db, &row, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return zero, oidcproxy.ErrEntryNotFound
		}
		return zero, err
	}
	return s.decode(row.Value)
}

// Set 实现 Store 接口 (Upsert)
func (s *PgxStore[V]) Set(ctx context.Context, key string, value V) error {
	return s.set(ctx, s.db, key, value)
}

func (s *PgxStore[V]) set(ctx context.Context, db DBTX, key string, value V) error {
	data, err := sonic.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	query, args, err := psql.Insert(tableKV).
		Columns("namespace", "entry_key", "value", "expires_at").
		Values(s.namespace, key, data, s.expiresAt(s.now())).
		Suffix("ON CONFLICT (namespace, entry_key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at").
		ToSql()
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, query, args...)
	return err
}

// Has 实现 Store 接口
func (s *PgxStore[V]) Has(ctx context.Context, key string) (bool, error) {
	query, args, err := psql.Select("count(*)").
		From(tableKV).
		Where(s.live(s.now())).
		Where(squirrel.Eq{"entry_key": key}).
		ToSql()
	if err != nil {
		return false, err
	}
	var n int64
	if err := s.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete 实现 Store 接口。已过期的行留给 Cleanup。
func (s *PgxStore[V]) Delete(ctx context.Context, key string) (bool, error) {
	query, args, err := psql.Delete(tableKV).
		Where(s.live(s.now())).
		Where(squirrel.Eq{"entry_key": key}).
		ToSql()
	if err != nil {
		return false, err
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Entries 实现 Store 接口
func (s *PgxStore[V]) Entries(ctx context.Context) (map[string]V, error) {
	var rows []kvRow
	query, args, err := psql.Select("entry_key", "value", "expires_at").
		From(tableKV).
		Where(s.live(s.now())).
		ToSql()
	if err != nil {
		return nil, err
	}
	if err := pgxscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, err
	}

	out := make(map[string]V, len(rows))
	for _, row := range rows {
		v, err := s.decode(row.Value)
		if err != nil {
			return nil, err
		}
		out[row.Key] = v
	}
	return out, nil
}

// Take 使用 DELETE ... RETURNING 原子性地获取并删除
func (s *PgxStore[V]) Take(ctx context.Context, key string) (V, error) {
	var (
		zero V
		row  kvRow
	)
	now := s.now()
	query, args, err := psql.Delete(tableKV).
		Where(squirrel.Eq{"namespace": s.namespace, "entry_key": key}).
		Suffix("RETURNING entry_key, value, expires_at").
		ToSql()
	if err != nil {
		return zero, err
	}

	if err := pgxscan.Get(ctx, s.db, &row, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return zero, oidcproxy.ErrEntryNotFound
		}
		return zero, err
	}
	// 过期的行同样被删除，但不返回
	if row.ExpiresAt != nil && !row.ExpiresAt.After(now) {
		return zero, oidcproxy.ErrEntryNotFound
	}
	return s.decode(row.Value)
}

// SetIfAbsent 使用 INSERT ... ON CONFLICT，已过期的行视为不存在
func (s *PgxStore[V]) SetIfAbsent(ctx context.Context, key string, value V) (bool, error) {
	data, err := sonic.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to marshal value: %w", err)
	}
	now := s.now()
	query, args, err := psql.Insert(tableKV).
		Columns("namespace", "entry_key", "value", "expires_at").
		Values(s.namespace, key, data, s.expiresAt(now)).
		Suffix("ON CONFLICT (namespace, entry_key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at "+
			"WHERE "+tableKV+".expires_at IS NOT NULL AND "+tableKV+".expires_at <= ?", now).
		ToSql()
	if err != nil {
		return false, err
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Update 在事务中持有键上的 advisory lock 完成 read-modify-write。
// 键不存在时 FOR UPDATE 锁不住任何行，所以需要 advisory lock。
func (s *PgxStore[V]) Update(ctx context.Context, key string, fn func(old V, found bool) (V, error)) (V, error) {
	var result V
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", s.namespace+":"+key); err != nil {
			return fmt.Errorf("failed to acquire advisory lock: %w", err)
		}

		current, err := s.get(ctx, tx, key, true)
		found := err == nil
		if err != nil && !errors.Is(err, oidcproxy.ErrEntryNotFound) {
			return err
		}

		next, err := fn(current, found)
		if err != nil {
			return err
		}
		if err := s.set(ctx, tx, key, next); err != nil {
			return err
		}
		result = next
		return nil
	})
	return result, err
}
