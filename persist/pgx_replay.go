package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/oy3o/oidcproxy"
)

// PgxReplayCache 用 insert-if-absent 实现 DPoP jti 防重放。
// 已过期的 jti 行可以被重新写入，不必等 Cleanup。
type PgxReplayCache struct {
	db  DB
	now func() time.Time
}

var (
	_ oidcproxy.ReplayCache = (*PgxReplayCache)(nil)
	_ oidcproxy.Cleaner     = (*PgxReplayCache)(nil)
)

// NewPgxReplayCache 创建 replay 缓存
func NewPgxReplayCache(db DB) (*PgxReplayCache, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	return &PgxReplayCache{db: db, now: time.Now}, nil
}

// CheckAndStore 实现 ReplayCache 接口
func (c *PgxReplayCache) CheckAndStore(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if jti == "" || len(jti) > oidcproxy.MaxJTILength {
		return false, oidcproxy.ErrInvalidJTI
	}
	now := c.now()
	query, args, err := psql.Insert(tableJTI).
		Columns("jti", "expires_at").
		Values(jti, now.Add(ttl)).
		Suffix("ON CONFLICT (jti) DO UPDATE SET expires_at = EXCLUDED.expires_at "+
			"WHERE "+tableJTI+".expires_at <= ?", now).
		ToSql()
	if err != nil {
		return false, err
	}

	tag, err := c.db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to record jti: %w", err)
	}
	// 没有插入也没有覆盖过期行，说明 jti 仍在窗口内
	return tag.RowsAffected() == 0, nil
}
