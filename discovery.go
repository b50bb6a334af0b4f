package oidcproxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	// ScopeWebID 是 Solid-OIDC 定义的 scope
	ScopeWebID = "webid"

	wellKnownPath = "/.well-known/openid-configuration"
)

// ErrCircuitBreakerOpen 远程 JWKS 连续失败，暂停请求
var ErrCircuitBreakerOpen = errors.New("jwks circuit breaker is open")

// Discovery 是上游 OpenID Provider 的元数据 (RFC 8414, OIDC Discovery 1.0)。
// 类型化字段只覆盖代理需要的端点，完整文档保留在 raw 中用于改写转发。
type Discovery struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	JWKSURI                       string   `json:"jwks_uri"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`

	raw map[string]any
}

// Discover 从给定的 Issuer URL 获取 OIDC 配置信息。
// 它会自动追加 /.well-known/openid-configuration。
func Discover(ctx context.Context, issuer string, httpClient *http.Client) (*Discovery, error) {
	ctx, span := tracer().Start(ctx, "OIDCProxy.Discover", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("issuer", issuer))

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(issuer, "/")+wellKnownPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}
	req.Header.Set("Accept", ContentTypeJSON)

	resp, err := httpClient.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: discovery request failed: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: discovery failed with status code %d", ErrUpstream, resp.StatusCode)
	}

	raw := make(map[string]any)
	if err := DecodeJSON(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("%w: failed to decode discovery document: %v", ErrUpstream, err)
	}
	b, err := sonic.Marshal(raw)
	if err != nil {
		return nil, err
	}
	config := Discovery{raw: raw}
	if err := sonic.Unmarshal(b, &config); err != nil {
		return nil, fmt.Errorf("%w: malformed discovery document: %v", ErrUpstream, err)
	}

	// 确保返回的 Issuer 与请求的一致 (允许末尾斜杠差异)
	if strings.TrimSuffix(config.Issuer, "/") != strings.TrimSuffix(issuer, "/") {
		return nil, fmt.Errorf("%w: issuer mismatch (expected %s, got %s)", ErrUpstream, issuer, config.Issuer)
	}
	return &config, nil
}

// ProxyEndpoints 是代理自己对外暴露的端点
type ProxyEndpoints struct {
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	JWKSURI               string
	DPoP                  bool
}

// ForProxy 返回改写后的发现文档：端点指向代理，去掉上游注册端点，
// 并声明代理补齐的 Solid-OIDC 能力。
func (d *Discovery) ForProxy(p ProxyEndpoints) map[string]any {
	doc := make(map[string]any, len(d.raw)+4)
	for k, v := range d.raw {
		doc[k] = v
	}
	doc["issuer"] = p.Issuer
	doc["authorization_endpoint"] = p.AuthorizationEndpoint
	doc["token_endpoint"] = p.TokenEndpoint
	doc["jwks_uri"] = p.JWKSURI
	delete(doc, "registration_endpoint")

	doc["solid_oidc_supported"] = "https://solidproject.org/TR/solid-oidc"
	doc["code_challenge_methods_supported"] = []string{CodeChallengeMethodS256, CodeChallengeMethodPlain}
	if p.DPoP {
		doc["dpop_signing_alg_values_supported"] = DPoPSigningAlgorithms
	}

	scopes := append([]string(nil), d.ScopesSupported...)
	if !contains(scopes, ScopeWebID) {
		scopes = append(scopes, ScopeWebID)
	}
	doc["scopes_supported"] = scopes
	return doc
}

// RemoteKeySetOption allows configuring RemoteKeySet
type RemoteKeySetOption func(*RemoteKeySet)

// WithCacheDuration sets the default cache duration
func WithCacheDuration(d time.Duration) RemoteKeySetOption {
	return func(r *RemoteKeySet) {
		r.cacheDuration = d
	}
}

// WithKeySetLogger sets the logger used by background refreshes
func WithKeySetLogger(l zerolog.Logger) RemoteKeySetOption {
	return func(r *RemoteKeySet) {
		r.logger = l
	}
}

// RemoteKeySet 从上游 JWKS URI 获取公钥并校验上游签发的 token。
// 它支持 Stale-While-Revalidate 缓存机制。
type RemoteKeySet struct {
	jwksURI    string
	httpClient *http.Client
	ctx        context.Context
	logger     zerolog.Logger

	cachedKeys    *xsync.Map[string, jwk.Key]
	expiry        atomic.Value // 存储 time.Time，线程安全
	cacheDuration time.Duration

	// 用于防止缓存击穿
	requestGroup singleflight.Group

	stopChan chan struct{}
	stopOnce sync.Once

	// 断路器状态
	failureCount       atomic.Int64
	lastFailureTime    atomic.Value // time.Time
	circuitBreakerOpen atomic.Bool
}

// NewRemoteKeySet 创建一个新的远程密钥集。
// ctx: 用于控制后台刷新的生命周期。
// jwksURI: 远程 JWKS 地址。
func NewRemoteKeySet(ctx context.Context, jwksURI string, httpClient *http.Client, opts ...RemoteKeySetOption) *RemoteKeySet {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	r := &RemoteKeySet{
		jwksURI:       jwksURI,
		httpClient:    httpClient,
		ctx:           ctx,
		logger:        zerolog.Nop(),
		cacheDuration: 5 * time.Minute,
		cachedKeys:    xsync.NewMap[string, jwk.Key](),
		stopChan:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.expiry.Store(time.Time{})
	r.lastFailureTime.Store(time.Time{})

	go r.backgroundRefresh()

	return r
}

// GetKey 按 kid 返回公钥。
// 缓存过期时立即返回旧值，并触发后台刷新。
func (r *RemoteKeySet) GetKey(ctx context.Context, kid string) (jwk.Key, error) {
	if r.circuitBreakerOpen.Load() {
		lastFailure := r.lastFailureTime.Load().(time.Time)
		if time.Since(lastFailure) < 30*time.Second {
			if key, ok := r.cachedKeys.Load(kid); ok {
				return key, nil
			}
			return nil, ErrCircuitBreakerOpen
		}
		r.circuitBreakerOpen.Store(false)
		r.failureCount.Store(0)
	}

	key, ok := r.cachedKeys.Load(kid)
	expiry := r.expiry.Load().(time.Time)

	if ok {
		if time.Now().After(expiry) {
			go r.triggerRefresh(context.WithoutCancel(ctx))
		}
		return key, nil
	}

	_, err, _ := r.requestGroup.Do("fetch_jwks", func() (any, error) {
		if _, ok := r.cachedKeys.Load(kid); ok {
			return nil, nil
		}
		set, ttl, err := r.fetchJWKS(ctx)
		if err != nil {
			return nil, err
		}
		r.updateCache(set, ttl)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	key, ok = r.cachedKeys.Load(kid)
	if !ok {
		return nil, fmt.Errorf("key %s not found in remote jwks", kid)
	}
	return key, nil
}

// Verify 校验上游签发的 JWT 签名，返回 {header, payload}
func (r *RemoteKeySet) Verify(ctx context.Context, token string) (*DecodedToken, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.NewParser(jwt.WithJSONNumber()).ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, err := r.GetKey(ctx, kid)
		if err != nil {
			return nil, err
		}
		var pub any
		if err := key.Raw(&pub); err != nil {
			return nil, err
		}
		return pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: upstream token verification failed: %v", ErrUpstream, err)
	}
	return &DecodedToken{Header: parsed.Header, Payload: map[string]any(claims)}, nil
}

// fetchJWKS 只负责网络请求和解析，不负责缓存
func (r *RemoteKeySet) fetchJWKS(ctx context.Context) (jwk.Set, time.Duration, error) {
	ctx, span := tracer().Start(ctx, "OIDCProxy.FetchJWKS", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("jwks_uri", r.jwksURI))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.jwksURI, nil)
	if err != nil {
		r.recordFailure()
		return nil, 0, err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.recordFailure()
		span.SetStatus(codes.Error, err.Error())
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.recordFailure()
		return nil, 0, fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	ttl := cacheMaxAge(resp.Header.Get("Cache-Control"), r.cacheDuration)

	set, err := jwk.ParseReader(resp.Body)
	if err != nil {
		r.recordFailure()
		return nil, 0, err
	}

	r.failureCount.Store(0)
	r.circuitBreakerOpen.Store(false)

	return set, ttl, nil
}

// cacheMaxAge 解析 Cache-Control 的 max-age，没有时返回 fallback
func cacheMaxAge(cacheControl string, fallback time.Duration) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		if !strings.HasPrefix(directive, "max-age=") {
			continue
		}
		if d, err := time.ParseDuration(strings.TrimPrefix(directive, "max-age=") + "s"); err == nil && d > 0 {
			return d
		}
		break
	}
	return fallback
}

func (r *RemoteKeySet) updateCache(set jwk.Set, ttl time.Duration) {
	r.cachedKeys.Clear()
	for i := 0; i < set.Len(); i++ {
		k, ok := set.Key(i)
		if !ok || k.KeyID() == "" {
			continue
		}
		r.cachedKeys.Store(k.KeyID(), k)
	}
	r.expiry.Store(time.Now().Add(ttl))
}

// backgroundRefresh 在后台异步刷新缓存，避免前台请求等待
func (r *RemoteKeySet) backgroundRefresh() {
	// 提前 30 秒开始刷新，确保缓存始终有效
	refreshInterval := r.cacheDuration - 30*time.Second
	if refreshInterval <= 0 {
		refreshInterval = r.cacheDuration / 2
	}

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.doBackgroundRefresh()
		case <-r.stopChan:
			return
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *RemoteKeySet) doBackgroundRefresh() {
	r.logger.Debug().Str("jwks_uri", r.jwksURI).Msg("starting background JWKS refresh")

	set, ttl, err := r.fetchJWKS(r.ctx)
	if err != nil {
		// 刷新失败，保留旧缓存，不影响前台
		r.logger.Warn().Err(err).Msg("background JWKS refresh failed, keeping stale cache")
		return
	}
	r.updateCache(set, ttl)
	r.logger.Info().Int("key_count", set.Len()).Dur("ttl", ttl).Msg("background JWKS refresh completed")
}

// triggerRefresh 主动触发一次刷新（用于缓存过期时）
func (r *RemoteKeySet) triggerRefresh(ctx context.Context) {
	_, _, _ = r.requestGroup.Do("trigger_refresh", func() (any, error) {
		set, ttl, err := r.fetchJWKS(ctx)
		if err != nil {
			return nil, err
		}
		r.updateCache(set, ttl)
		return nil, nil
	})
}

// Stop 停止后台刷新
func (r *RemoteKeySet) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
}

// recordFailure 记录失败并可能打开断路器
func (r *RemoteKeySet) recordFailure() {
	r.lastFailureTime.Store(time.Now())
	count := r.failureCount.Add(1)

	// 连续失败 3 次，打开断路器
	const failureThreshold = 3
	if count >= failureThreshold {
		r.circuitBreakerOpen.Store(true)
	}
}
