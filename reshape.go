package oidcproxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AudienceSolid 是 Solid-OIDC 要求 access token 的 aud 中包含的值
const AudienceSolid = "solid"

// DefaultAccessTokenTTL 是上游没有给出 expires_in 时签发 token 的有效期
const DefaultAccessTokenTTL = 5 * time.Minute

// WebIDSubPlaceholder 是 WebID 模板中被 sub 替换的占位符
const WebIDSubPlaceholder = ":sub"

// tokenEnvelope 返回 200 响应的结构化信封。
// 上游在 200 响应里携带 error 时，返回规范化为 400 的错误响应供调用方直接转交。
func tokenEnvelope(resp *Response) (*TokenSet, *Response, error) {
	if resp.Tokens != nil {
		return resp.Tokens, nil, nil
	}
	tokens, err := ParseTokenSet(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if code := tokens.String("error"); code != "" {
		return nil, ErrorResponse(NewError(code, tokens.String("error_description"), http.StatusBadRequest)), nil
	}
	resp.Tokens = tokens
	return tokens, nil, nil
}

// reshapeTokens 包装 token 响应的后处理：非 200 原样返回，上游错误信封转为 400
func reshapeTokens(next Handler, fn func(ctx context.Context, tokens *TokenSet) (*Response, error)) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		resp, err := next.Handle(ctx, req)
		if err != nil || resp == nil || resp.Status != http.StatusOK {
			return resp, err
		}
		tokens, relay, err := tokenEnvelope(resp)
		if err != nil || relay != nil {
			return relay, err
		}
		if out, err := fn(ctx, tokens); out != nil || err != nil {
			return out, err
		}
		return resp, nil
	})
}

// ---------------------------------------------------------------------------
// JWT Decode
// ---------------------------------------------------------------------------

// TokenVerifier 校验上游签发的 JWT，RemoteKeySet 实现了它
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*DecodedToken, error)
}

// JwtDecode 把响应中的 JWT 字段解码为 {header, payload}。
// 不是 JWT 的字段 (如不透明 access token) 保持原样。
type JwtDecode struct {
	fields   []string
	verifier TokenVerifier
	logger   zerolog.Logger
}

// NewJwtDecode 创建解码阶段。verifier 为 nil 时只解码不验签。
func NewJwtDecode(fields []string, verifier TokenVerifier, logger *zerolog.Logger) *JwtDecode {
	d := &JwtDecode{fields: fields, verifier: verifier, logger: zerolog.Nop()}
	if logger != nil {
		d.logger = *logger
	}
	return d
}

// Middleware 实现响应阶段的解码
func (d *JwtDecode) Middleware(next Handler) Handler {
	return reshapeTokens(next, func(ctx context.Context, tokens *TokenSet) (*Response, error) {
		for _, field := range d.fields {
			raw := tokens.String(field)
			if raw == "" || strings.Count(raw, ".") != 2 {
				continue
			}
			if d.verifier != nil {
				decoded, err := d.verifier.Verify(ctx, raw)
				if err != nil {
					d.logger.Warn().Err(err).Str("field", field).Msg("upstream token failed verification")
					return nil, err
				}
				tokens.Set(field, decoded)
				continue
			}
			if _, err := tokens.Token(field); err != nil {
				d.logger.Debug().Err(err).Str("field", field).Msg("token field left undecoded")
			}
		}
		return nil, nil
	})
}

// ---------------------------------------------------------------------------
// Opaque -> JWT
// ---------------------------------------------------------------------------

// OpaqueAccessToken 把上游的不透明 access token 换成以 id_token 为基础签发的 JWT 载荷
type OpaqueAccessToken struct {
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewOpaqueAccessToken 创建不透明 token 改写阶段，issuer 为代理自己的 URL
func NewOpaqueAccessToken(issuer string, ttl time.Duration) (*OpaqueAccessToken, error) {
	if issuer == "" {
		return nil, ErrProxyURLRequired
	}
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}
	return &OpaqueAccessToken{issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Middleware 实现响应阶段的改写
func (o *OpaqueAccessToken) Middleware(next Handler) Handler {
	return reshapeTokens(next, func(_ context.Context, tokens *TokenSet) (*Response, error) {
		if tokens.IsDecoded(FieldAccessToken) {
			return nil, nil
		}
		raw := tokens.String(FieldAccessToken)
		if raw == "" {
			return nil, fmt.Errorf("%w: token response has no access_token", ErrUpstream)
		}
		if _, err := DecodeJWT(raw); err == nil {
			return nil, nil
		}
		minted, err := mintAccessToken(tokens, o.issuer, o.now(), o.ttl)
		if err != nil {
			return nil, err
		}
		tokens.Set(FieldAccessToken, minted)
		return nil, nil
	})
}

// mintAccessToken 以 id_token 的 sub / aud 为基础构造 at+jwt 载荷
func mintAccessToken(tokens *TokenSet, issuer string, now time.Time, ttl time.Duration) (*DecodedToken, error) {
	idToken, err := tokens.Token(FieldIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: id_token: %v", ErrUpstream, err)
	}
	if idToken == nil {
		return nil, fmt.Errorf("%w: an id_token is required to mint an access token", ErrUpstream)
	}

	if n, ok := numericClaim(tokens.fields[FieldExpiresIn]); ok && n > 0 {
		ttl = time.Duration(n) * time.Second
	}
	payload := map[string]any{
		"iss": issuer,
		"sub": idToken.Payload["sub"],
		"aud": idToken.Payload["aud"],
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if webid, ok := idToken.Payload["webid"]; ok {
		payload["webid"] = webid
	}
	if scope := tokens.String("scope"); scope != "" {
		payload["scope"] = scope
	}
	return &DecodedToken{
		Header:  map[string]any{"typ": TypAccessToken},
		Payload: payload,
	}, nil
}

// ---------------------------------------------------------------------------
// Solid Audience
// ---------------------------------------------------------------------------

// SolidAudience 保证 access token 的 aud 包含 "solid"
func SolidAudience(next Handler) Handler {
	return reshapeTokens(next, func(_ context.Context, tokens *TokenSet) (*Response, error) {
		at, err := tokens.Token(FieldAccessToken)
		if err != nil {
			return nil, fmt.Errorf("access_token must be decoded before setting the audience: %w", err)
		}
		if at == nil {
			return nil, fmt.Errorf("%w: token response has no access_token", ErrUpstream)
		}
		at.Payload["aud"] = withSolidAudience(at.Payload["aud"])
		return nil, nil
	})
}

// withSolidAudience 已包含 solid 时原样返回，否则返回追加后的新值
func withSolidAudience(aud any) any {
	if aud == nil {
		return AudienceSolid
	}
	if audienceContains(aud, AudienceSolid) {
		return aud
	}
	switch a := aud.(type) {
	case string:
		return []any{a, AudienceSolid}
	case []any:
		out := make([]any, 0, len(a)+1)
		out = append(out, a...)
		return append(out, AudienceSolid)
	case []string:
		out := make([]any, 0, len(a)+1)
		for _, s := range a {
			out = append(out, s)
		}
		return append(out, AudienceSolid)
	}
	return []any{aud, AudienceSolid}
}

// ---------------------------------------------------------------------------
// WebID minting
// ---------------------------------------------------------------------------

// WebIDMint 在 token 中补齐 webid claim
type WebIDMint struct {
	template string
	logger   zerolog.Logger
}

// NewWebIDMint 创建 webid 补齐阶段，template 形如 https://pods.example/:sub/profile/card#me
func NewWebIDMint(template string, logger *zerolog.Logger) (*WebIDMint, error) {
	if !strings.Contains(template, WebIDSubPlaceholder) {
		return nil, ErrWebIDTemplateInvalid
	}
	w := &WebIDMint{template: template, logger: zerolog.Nop()}
	if logger != nil {
		w.logger = *logger
	}
	return w, nil
}

// Middleware 实现响应阶段的补齐：id_token 的 webid 优先，其次由 sub 按模板生成
func (w *WebIDMint) Middleware(next Handler) Handler {
	return reshapeTokens(next, func(_ context.Context, tokens *TokenSet) (*Response, error) {
		at, err := tokens.Token(FieldAccessToken)
		if err != nil {
			return nil, fmt.Errorf("access_token must be decoded before minting a webid: %w", err)
		}
		idToken, err := tokens.Token(FieldIDToken)
		if err != nil {
			return nil, fmt.Errorf("id_token must be decoded before minting a webid: %w", err)
		}

		if idToken != nil {
			if webid := idToken.StringClaim("webid"); webid != "" {
				if at != nil {
					at.Payload["webid"] = webid
				}
				return nil, nil
			}
		}
		if at != nil && at.StringClaim("webid") != "" {
			return nil, nil
		}

		var sub string
		if idToken != nil {
			sub = idToken.StringClaim("sub")
		}
		if sub == "" && at != nil {
			sub = at.StringClaim("sub")
		}
		if sub == "" {
			return ErrorResponse(InvalidRequestError("no sub claim found in the token response")), nil
		}

		webid := w.MintWebID(sub)
		for _, t := range []*DecodedToken{at, idToken} {
			if t != nil {
				t.Payload["webid"] = webid
			}
		}
		w.logger.Debug().Str("sub", sub).Str("webid", webid).Msg("minted webid from sub")
		return nil, nil
	})
}

// MintWebID 用 sub 替换模板中的占位符
func (w *WebIDMint) MintWebID(sub string) string {
	return strings.ReplaceAll(w.template, WebIDSubPlaceholder, url.PathEscape(sub))
}

// ---------------------------------------------------------------------------
// JWT Encode
// ---------------------------------------------------------------------------

// TokenField 描述需要签名的字段以及签名时使用的 typ
type TokenField struct {
	Name string
	Typ  string
}

// DefaultTokenFields 是默认签回紧凑格式的字段
var DefaultTokenFields = []TokenField{
	{Name: FieldAccessToken, Typ: TypAccessToken},
	{Name: FieldIDToken, Typ: TypIDToken},
}

// JwtEncode 用代理自己的密钥把 {header, payload} 形式的字段签成紧凑 JWT
type JwtEncode struct {
	fields []TokenField
	signer Signer
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// JwtEncodeConfig 配置 JwtEncode
type JwtEncodeConfig struct {
	Fields []TokenField
	Signer Signer
	Issuer string
	TTL    time.Duration
}

// NewJwtEncode 创建编码阶段
func NewJwtEncode(cfg JwtEncodeConfig) (*JwtEncode, error) {
	if cfg.Signer == nil {
		return nil, ErrSignerRequired
	}
	if cfg.Issuer == "" {
		return nil, ErrProxyURLRequired
	}
	if len(cfg.Fields) == 0 {
		cfg.Fields = DefaultTokenFields
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultAccessTokenTTL
	}
	return &JwtEncode{fields: cfg.Fields, signer: cfg.Signer, issuer: cfg.Issuer, ttl: cfg.TTL, now: time.Now}, nil
}

// Middleware 实现响应阶段的签名
func (e *JwtEncode) Middleware(next Handler) Handler {
	return reshapeTokens(next, func(ctx context.Context, tokens *TokenSet) (*Response, error) {
		now := e.now()
		ttl := e.ttl
		if n, ok := numericClaim(tokens.fields[FieldExpiresIn]); ok && n > 0 {
			ttl = time.Duration(n) * time.Second
		}
		for _, f := range e.fields {
			if !tokens.IsDecoded(f.Name) {
				continue
			}
			decoded, _ := tokens.Token(f.Name)
			signed, err := e.sign(ctx, decoded, f.Typ, now, ttl)
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s: %w", f.Name, err)
			}
			tokens.Set(f.Name, signed)
		}
		return nil, nil
	})
}

func (e *JwtEncode) sign(ctx context.Context, t *DecodedToken, typ string, now time.Time, ttl time.Duration) (string, error) {
	payload := make(map[string]any, len(t.Payload)+3)
	for k, v := range t.Payload {
		payload[k] = v
	}
	payload["iss"] = e.issuer
	payload["jti"] = uuid.NewString()

	iat, ok := numericClaim(payload["iat"])
	if !ok {
		iat = now.Unix()
		payload["iat"] = iat
	}
	if _, ok := numericClaim(payload["exp"]); !ok {
		payload["exp"] = time.Unix(iat, 0).Add(ttl).Unix()
	}
	return e.signer.Sign(ctx, map[string]any{"typ": typ}, payload)
}
