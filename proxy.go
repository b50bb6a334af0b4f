package oidcproxy

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// 代理对外暴露的路径
const (
	PathAuthorize = "/auth"
	PathToken     = "/token"
	PathJWKS      = "/jwks"
	PathDiscovery = wellKnownPath
)

// KeyPublisher 提供对外发布的 JWKS
type KeyPublisher interface {
	PublicJWKS() (*JSONWebKeySet, error)
}

// ProxyConfig 描述一个完整的代理实例
type ProxyConfig struct {
	// BaseURL 是代理的对外地址，也是签发 token 的 iss
	BaseURL string
	// Upstream 是上游的发现文档
	Upstream   *Discovery
	HTTPClient *http.Client

	PKCEStore  Store[ChallengeAndMethod]
	StateStore Store[bool] // nil 时不启用独立的 state 关联
	Clients    ClientRewriter

	Signer Signer
	Keys   KeyPublisher

	// DPoP 为 nil 时 token 端点不要求 DPoP
	DPoP *DPoPVerifier
	// WebIDTemplate 为空时不补齐 webid
	WebIDTemplate  string
	AccessTokenTTL time.Duration
	// UpstreamVerifier 不为 nil 时校验上游 token 签名
	UpstreamVerifier TokenVerifier

	Logger  *zerolog.Logger
	Metrics *Metrics
}

// Proxy 持有组装好的授权端点和 token 端点管道
type Proxy struct {
	Authorize Handler
	Token     Handler

	endpoints ProxyEndpoints
	upstream  *Discovery
	keys      KeyPublisher
}

// NewProxy 按配置组装管道。
//
// 授权端点 (外层在前): state 关联, PKCE 授权, PKCE 重定向, 客户端改写, 上游授权端点
// token 端点: 序列化, DPoP, PKCE 校验, 客户端改写, JWT 编码, solid audience,
// webid 补齐, 不透明 token 改写, JWT 解码, 上游 token 端点
func NewProxy(cfg ProxyConfig) (*Proxy, error) {
	if cfg.BaseURL == "" {
		return nil, ErrProxyURLRequired
	}
	if cfg.Upstream == nil || cfg.Upstream.AuthorizationEndpoint == "" || cfg.Upstream.TokenEndpoint == "" {
		return nil, ErrUpstreamURLRequired
	}
	if cfg.Signer == nil {
		return nil, ErrSignerRequired
	}
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	endpoints := ProxyEndpoints{
		Issuer:                base,
		AuthorizationEndpoint: base + PathAuthorize,
		TokenEndpoint:         base + PathToken,
		JWKSURI:               base + PathJWKS,
		DPoP:                  cfg.DPoP != nil,
	}

	pkce, err := NewPKCE(PKCEConfig{Store: cfg.PKCEStore, Logger: cfg.Logger, Metrics: cfg.Metrics})
	if err != nil {
		return nil, err
	}

	authUpstream, err := NewUpstream(cfg.Upstream.AuthorizationEndpoint, cfg.HTTPClient)
	if err != nil {
		return nil, err
	}
	tokenUpstream, err := NewUpstream(cfg.Upstream.TokenEndpoint, cfg.HTTPClient)
	if err != nil {
		return nil, err
	}

	var authChain, tokenChain []Middleware

	if cfg.StateStore != nil {
		state, err := NewStateCorrelation(cfg.StateStore, cfg.Logger)
		if err != nil {
			return nil, err
		}
		authChain = append(authChain, state.Middleware)
	}
	authChain = append(authChain, pkce.Auth, pkce.Code)
	if cfg.Clients != nil {
		authChain = append(authChain, cfg.Clients.Authorize)
	}

	tokenChain = append(tokenChain, Serialize)
	if cfg.DPoP != nil {
		dpop, err := NewDPoPBinding(DPoPBindingConfig{
			Verifier:       cfg.DPoP,
			Signer:         cfg.Signer,
			Issuer:         endpoints.Issuer,
			TokenEndpoint:  endpoints.TokenEndpoint,
			AccessTokenTTL: cfg.AccessTokenTTL,
			Logger:         cfg.Logger,
			Metrics:        cfg.Metrics,
		})
		if err != nil {
			return nil, err
		}
		tokenChain = append(tokenChain, dpop.Middleware)
	}
	tokenChain = append(tokenChain, pkce.Token)
	if cfg.Clients != nil {
		tokenChain = append(tokenChain, cfg.Clients.Token)
	}

	encode, err := NewJwtEncode(JwtEncodeConfig{Signer: cfg.Signer, Issuer: endpoints.Issuer, TTL: cfg.AccessTokenTTL})
	if err != nil {
		return nil, err
	}
	tokenChain = append(tokenChain, encode.Middleware, SolidAudience)

	if cfg.WebIDTemplate != "" {
		mint, err := NewWebIDMint(cfg.WebIDTemplate, cfg.Logger)
		if err != nil {
			return nil, err
		}
		tokenChain = append(tokenChain, mint.Middleware)
	}

	opaque, err := NewOpaqueAccessToken(endpoints.Issuer, cfg.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	decode := NewJwtDecode([]string{FieldAccessToken, FieldIDToken}, cfg.UpstreamVerifier, cfg.Logger)
	tokenChain = append(tokenChain, opaque.Middleware, decode.Middleware)

	return &Proxy{
		Authorize: Chain(authUpstream, authChain...),
		Token:     Chain(tokenUpstream, tokenChain...),
		endpoints: endpoints,
		upstream:  cfg.Upstream,
		keys:      cfg.Keys,
	}, nil
}

// Endpoints 返回代理对外的端点
func (p *Proxy) Endpoints() ProxyEndpoints {
	return p.endpoints
}

// DiscoveryDocument 返回改写后的发现文档
func (p *Proxy) DiscoveryDocument() map[string]any {
	return p.upstream.ForProxy(p.endpoints)
}

// JWKS 返回代理签名密钥的公开 JWKS
func (p *Proxy) JWKS() (*JSONWebKeySet, error) {
	if p.keys == nil {
		return &JSONWebKeySet{Keys: []JSONWebKey{}}, nil
	}
	return p.keys.PublicJWKS()
}
