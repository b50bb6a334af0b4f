package oidcproxy

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationScope 是本模块的 meter / tracer 名称
const InstrumentationScope = "github.com/oy3o/oidcproxy"

func tracer() trace.Tracer {
	return otel.Tracer(InstrumentationScope)
}

// Metrics 汇总代理的计数器。
// 零值与 nil 都可以安全调用，此时不记录任何数据。
type Metrics struct {
	pkceVerifications metric.Int64Counter
	dpopProofs        metric.Int64Counter
	registrations     metric.Int64Counter
	cleanupDeleted    metric.Int64Counter
}

// NewMetrics 在给定的 MeterProvider 上注册计数器，provider 为 nil 时使用全局 provider。
// 通常在 main 中调用一次，然后注入到各个 Handler。
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(InstrumentationScope)

	var (
		m   Metrics
		err error
	)
	if m.pkceVerifications, err = meter.Int64Counter("oidcproxy.pkce.verification.total",
		metric.WithDescription("PKCE verifier checks at the token endpoint. Outcome via attribute result."),
		metric.WithUnit("{verification}")); err != nil {
		return nil, err
	}
	if m.dpopProofs, err = meter.Int64Counter("oidcproxy.dpop.proof.total",
		metric.WithDescription("DPoP proofs verified. Outcome via attribute result."),
		metric.WithUnit("{proof}")); err != nil {
		return nil, err
	}
	if m.registrations, err = meter.Int64Counter("oidcproxy.client.registration.total",
		metric.WithDescription("Dynamic client registrations performed against the upstream."),
		metric.WithUnit("{registration}")); err != nil {
		return nil, err
	}
	if m.cleanupDeleted, err = meter.Int64Counter("oidcproxy.store.cleanup.deleted",
		metric.WithDescription("Expired store entries removed by the GC worker."),
		metric.WithUnit("{entry}")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) pkce(ctx context.Context, result string) {
	if m == nil || m.pkceVerifications == nil {
		return
	}
	m.pkceVerifications.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) dpop(ctx context.Context, result string) {
	if m == nil || m.dpopProofs == nil {
		return
	}
	m.dpopProofs.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) registration(ctx context.Context, kind string) {
	if m == nil || m.registrations == nil {
		return
	}
	m.registrations.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) cleanup(ctx context.Context, deleted int64) {
	if m == nil || m.cleanupDeleted == nil {
		return
	}
	m.cleanupDeleted.Add(ctx, deleted)
}
