package oidcproxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// TokenTypeDPoP 是 DPoP 绑定 token 的 token_type
const TokenTypeDPoP = "DPoP"

// DPoPBinding 在 token 端点校验 DPoP proof，并把签发的 access token 绑定到证明密钥 (cnf.jkt)。
type DPoPBinding struct {
	verifier      *DPoPVerifier
	signer        Signer
	issuer        string
	tokenEndpoint string
	ttl           time.Duration
	logger        zerolog.Logger
	metrics       *Metrics
	now           func() time.Time
}

// DPoPBindingConfig 配置 DPoPBinding
type DPoPBindingConfig struct {
	Verifier *DPoPVerifier
	Signer   Signer
	// Issuer 是代理自己的 URL，写入重新签发 token 的 iss
	Issuer string
	// TokenEndpoint 是 proof 中 htu 必须等于的地址
	TokenEndpoint  string
	AccessTokenTTL time.Duration
	Logger         *zerolog.Logger
	Metrics        *Metrics
}

// NewDPoPBinding 创建 DPoP 处理器
func NewDPoPBinding(cfg DPoPBindingConfig) (*DPoPBinding, error) {
	if cfg.Verifier == nil {
		return nil, ErrVerifierRequired
	}
	if cfg.Signer == nil {
		return nil, ErrSignerRequired
	}
	if cfg.Issuer == "" || cfg.TokenEndpoint == "" {
		return nil, ErrProxyURLRequired
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}
	b := &DPoPBinding{
		verifier:      cfg.Verifier,
		signer:        cfg.Signer,
		issuer:        cfg.Issuer,
		tokenEndpoint: cfg.TokenEndpoint,
		ttl:           cfg.AccessTokenTTL,
		logger:        zerolog.Nop(),
		metrics:       cfg.Metrics,
		now:           time.Now,
	}
	if cfg.Logger != nil {
		b.logger = *cfg.Logger
	}
	return b, nil
}

// Middleware 实现 token 请求的 DPoP 校验和响应的绑定
func (b *DPoPBinding) Middleware(next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		switch req.Method {
		case http.MethodOptions:
			return next.Handle(ctx, req)
		case http.MethodPost:
		default:
			return ErrorResponse(NewError("invalid_request", "method "+req.Method+" is not allowed at the token endpoint", http.StatusMethodNotAllowed)), nil
		}

		proof := req.Header.Get("DPoP")
		if proof == "" {
			b.metrics.dpop(ctx, "missing")
			return ErrorResponse(InvalidDPoPProofError("DPoP header missing on the request.")), nil
		}

		jkt, err := b.verifier.Verify(ctx, proof, req.Method, b.tokenEndpoint)
		if err != nil {
			b.metrics.dpop(ctx, "rejected")
			var skew *DPoPTimeSkewError
			if errors.As(err, &skew) {
				b.logger.Warn().Object("skew", skew.Info).Msg("DPoP proof outside the freshness window")
			} else {
				b.logger.Warn().Err(err).Msg("DPoP proof rejected")
			}
			return errorResponseOr(err)
		}
		b.metrics.dpop(ctx, "accepted")

		origin := req.Header.Get("Origin")
		req.Header.Del("DPoP")

		resp, err := next.Handle(ctx, req)
		if err != nil || resp == nil || resp.Status != http.StatusOK {
			return resp, err
		}
		tokens, relay, err := tokenEnvelope(resp)
		if err != nil || relay != nil {
			return relay, err
		}

		if err := b.bind(ctx, tokens, jkt); err != nil {
			return nil, err
		}
		tokens.Set(FieldTokenType, TokenTypeDPoP)

		if origin != "" {
			resp.Header.Set("Access-Control-Allow-Origin", origin)
			resp.Header.Add("Vary", "Origin")
		}
		b.logger.Debug().Str("jkt", jkt).Msg("access token bound to DPoP key")
		return resp, nil
	})
}

// bind 把 cnf.jkt 写入 access token。
// 收到的是紧凑 JWT (或不透明 token) 时解码、注入并用代理密钥重新签发；
// 已经是 {header, payload} 时只注入，交给外层的编码阶段签名。
func (b *DPoPBinding) bind(ctx context.Context, tokens *TokenSet, jkt string) error {
	if tokens.IsDecoded(FieldAccessToken) {
		at, _ := tokens.Token(FieldAccessToken)
		at.Payload["cnf"] = map[string]any{"jkt": jkt}
		return nil
	}

	raw := tokens.String(FieldAccessToken)
	if raw == "" {
		return fmt.Errorf("%w: token response has no access_token", ErrUpstream)
	}
	at, err := DecodeJWT(raw)
	if err != nil {
		// 不透明 token：以 id_token 为基础生成新的载荷
		if at, err = mintAccessToken(tokens, b.issuer, b.now(), b.ttl); err != nil {
			return err
		}
	}

	at.Payload["cnf"] = map[string]any{"jkt": jkt}
	at.Payload["iss"] = b.issuer
	typ, _ := at.Header["typ"].(string)
	if typ == "" {
		typ = TypAccessToken
	}
	signed, err := b.signer.Sign(ctx, map[string]any{"typ": typ}, at.Payload)
	if err != nil {
		return fmt.Errorf("failed to sign DPoP-bound access token: %w", err)
	}
	tokens.Set(FieldAccessToken, signed)
	return nil
}
