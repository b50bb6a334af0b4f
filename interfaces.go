package oidcproxy

import (
	"context"
	"io"
	"time"
)

// ---------------------------------------------------------------------------
// Pipeline Interfaces
// ---------------------------------------------------------------------------

// Handler 是管道中的一个阶段。
// 同一个 Handler 实例会被大量并发请求共享，实现必须是无状态、可重入的；
// 跨请求的状态只能放在注入的 Store 中。
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc 允许普通函数作为 Handler 使用
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// Handle 实现 Handler 接口
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Middleware 包装下一个 Handler。
// 调用 next 之前的代码处理请求，之后的代码处理上游响应。
type Middleware func(next Handler) Handler

// ---------------------------------------------------------------------------
// Storage Interfaces
// ---------------------------------------------------------------------------

// Store 是所有关联数据(PKCE challenge、state、客户端注册缓存)共用的键值存储抽象。
// 实现可以是内存、Redis 或 PostgreSQL，但必须满足同样的原子性约定。
type Store[V any] interface {
	// Get 获取值，键不存在时返回 ErrEntryNotFound
	Get(ctx context.Context, key string) (V, error)

	// Set 写入或覆盖
	Set(ctx context.Context, key string, value V) error

	// Has 判断键是否存在
	Has(ctx context.Context, key string) (bool, error)

	// Delete 删除键，返回删除前是否存在
	Delete(ctx context.Context, key string) (bool, error)

	// Entries 返回当前所有未过期的条目快照
	Entries(ctx context.Context) (map[string]V, error)

	// Take 原子性地读取并删除。
	// 两个并发调用方针对同一个键，最多只有一个能拿到值。
	Take(ctx context.Context, key string) (V, error)

	// SetIfAbsent 仅当键不存在时写入，返回是否写入成功
	SetIfAbsent(ctx context.Context, key string, value V) (bool, error)

	// Update 原子性的 read-modify-write。
	// fn 返回 error 时放弃写入并原样返回该 error。
	Update(ctx context.Context, key string, fn func(old V, found bool) (V, error)) (V, error)
}

// Cleaner 由支持过期的存储实现，供 GCWorker 定期调用
type Cleaner interface {
	// Cleanup 删除过期条目，返回删除数量
	Cleanup(ctx context.Context) (int64, error)
}

// ReplayCache 定义了 DPoP JTI 防重放缓存接口。
// 条目保留时间不应超过 proof 的新鲜度窗口。
type ReplayCache interface {
	// CheckAndStore 原子性地检查 JTI 是否已使用，若未使用则存储
	// 返回 true 表示 JTI 已存在 (重放)，false 表示首次使用
	CheckAndStore(ctx context.Context, jti string, ttl time.Duration) (bool, error)
}

// ---------------------------------------------------------------------------
// Collaborator Interfaces
// ---------------------------------------------------------------------------

// Signer 是签名服务：用代理自己的密钥签发 JWT，并验证自己签发的 JWT。
type Signer interface {
	// Sign 使用 header 中的 typ 等字段和 payload 生成紧凑 JWT。
	// alg 与 kid 由签名密钥决定，会覆盖 header 中的同名字段。
	Sign(ctx context.Context, header, payload map[string]any) (string, error)

	// Verify 校验签名并返回解码后的 {header, payload}
	Verify(ctx context.Context, token string) (*DecodedToken, error)
}

// Triple 是 RDF 三元组的最小表示，IRI 不带尖括号，字面量为其词法值。
type Triple struct {
	Subject   string
	Predicate string
	Object    string
}

// TripleParser 是 RDF 解析器，把文档解析为三元组列表。
// baseURI 用于解析文档中的相对 IRI。
type TripleParser interface {
	Parse(ctx context.Context, body io.Reader, baseURI string) ([]Triple, error)
}

// WebIDResolver 获取客户端的 WebID 文档并校验其中声明的注册元数据
type WebIDResolver interface {
	Resolve(ctx context.Context, req *ResolveRequest) (*ClientMetadata, error)
}

// Registrar 调用上游的动态注册端点 (RFC 7591)
type Registrar interface {
	Register(ctx context.Context, metadata *ClientMetadata) (*ClientRegistration, error)
}
