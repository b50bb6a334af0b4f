package oidcproxy

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// GCWorker 垃圾回收 Worker
// 定期调用各存储的 Cleanup() 清理过期条目
type GCWorker struct {
	cleaners []Cleaner
	interval time.Duration
	logger   zerolog.Logger
	metrics  *Metrics
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewGCWorker 创建 GC Worker
// interval: 清理间隔，<= 0 时为 1 分钟
func NewGCWorker(interval time.Duration, logger *zerolog.Logger, metrics *Metrics, cleaners ...Cleaner) *GCWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	w := &GCWorker{
		cleaners: cleaners,
		interval: interval,
		logger:   zerolog.Nop(),
		metrics:  metrics,
		stopCh:   make(chan struct{}),
	}
	if logger != nil {
		w.logger = *logger
	}
	return w
}

// Start 启动 GC Worker (非阻塞)
func (w *GCWorker) Start(ctx context.Context) {
	if len(w.cleaners) == 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		// 启动时立即执行一次清理
		w.RunOnce(ctx)

		for {
			select {
			case <-ticker.C:
				w.RunOnce(ctx)
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop 停止 GC Worker，可重复调用
func (w *GCWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// RunOnce 对所有存储执行一次清理，返回删除总数。
// 单个存储失败不会中断其余存储的清理。
func (w *GCWorker) RunOnce(ctx context.Context) int64 {
	// 使用独立的超时上下文，避免长时间阻塞
	cleanupCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	cleanupCtx, span := tracer().Start(cleanupCtx, "OIDCProxy.GCWorker")
	defer span.End()

	var total int64
	for _, c := range w.cleaners {
		deleted, err := c.Cleanup(cleanupCtx)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			w.logger.Error().Err(err).Msg("store cleanup failed")
			continue
		}
		total += deleted
	}
	span.SetAttributes(attribute.Int64("deleted", total))
	w.metrics.cleanup(cleanupCtx, total)
	if total > 0 {
		w.logger.Debug().Int64("deleted", total).Msg("expired store entries removed")
	}
	return total
}
