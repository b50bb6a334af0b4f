package persist

import (
	"context"
	"time"

	"github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/oy3o/oidcproxy"
)

// Cleanup 物理删除本命名空间中已过期的条目，返回删除数量
func (s *PgxStore[V]) Cleanup(ctx context.Context) (int64, error) {
	return cleanup(ctx, s.db, "OIDCProxy.CleanKV",
		psql.Delete(tableKV).Where(squirrel.And{
			squirrel.Eq{"namespace": s.namespace},
			squirrel.LtOrEq{"expires_at": s.now()},
		}),
		attribute.String("namespace", s.namespace),
	)
}

// Cleanup 删除已过期的 jti
func (c *PgxReplayCache) Cleanup(ctx context.Context) (int64, error) {
	return cleanup(ctx, c.db, "OIDCProxy.CleanJTI",
		psql.Delete(tableJTI).Where(squirrel.LtOrEq{"expires_at": c.now()}),
	)
}

func cleanup(ctx context.Context, db DBTX, name string, del squirrel.DeleteBuilder, attrs ...attribute.KeyValue) (int64, error) {
	ctx, span := otel.Tracer(oidcproxy.InstrumentationScope).Start(ctx, name)
	defer span.End()
	span.SetAttributes(attrs...)
	span.SetAttributes(attribute.String("cleanup_time", time.Now().Format(time.RFC3339)))

	query, args, err := del.ToSql()
	if err != nil {
		return 0, err
	}
	tag, err := db.Exec(ctx, query, args...)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(attribute.Int64("total_deleted", tag.RowsAffected()))
	return tag.RowsAffected(), nil
}
