package oidcproxy

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const (
	// DefaultDPoPMaxAge 是 proof iat 允许的最大年龄
	DefaultDPoPMaxAge = 60 * time.Second
	// DefaultDPoPClockTolerance 是 proof iat 允许超前服务器时钟的时间
	DefaultDPoPClockTolerance = 10 * time.Second
)

// DPoPSigningAlgorithms 是 DPoP proof 允许的签名算法
var DPoPSigningAlgorithms = []string{"RS256", "PS256", "ES256", "EdDSA"}

var errNoJWK = errors.New("no JWK was found in the header")

// DPoPVerifier 校验 DPoP proof (RFC 9449 Section 4.3)
type DPoPVerifier struct {
	cache          ReplayCache
	maxAge         time.Duration
	clockTolerance time.Duration
	now            func() time.Time
}

// DPoPOption 配置 DPoPVerifier
type DPoPOption func(*DPoPVerifier)

// WithDPoPMaxAge 设置 iat 的过去容忍窗口
func WithDPoPMaxAge(d time.Duration) DPoPOption {
	return func(v *DPoPVerifier) { v.maxAge = d }
}

// WithDPoPClockTolerance 设置 iat 的未来容忍窗口
func WithDPoPClockTolerance(d time.Duration) DPoPOption {
	return func(v *DPoPVerifier) { v.clockTolerance = d }
}

// WithDPoPClock 注入时钟，测试用
func WithDPoPClock(now func() time.Time) DPoPOption {
	return func(v *DPoPVerifier) { v.now = now }
}

// NewDPoPVerifier 创建校验器。maxAge 必须为正，clockTolerance 不能为负。
func NewDPoPVerifier(cache ReplayCache, opts ...DPoPOption) (*DPoPVerifier, error) {
	if cache == nil {
		return nil, ErrReplayCacheRequired
	}
	v := &DPoPVerifier{
		cache:          cache,
		maxAge:         DefaultDPoPMaxAge,
		clockTolerance: DefaultDPoPClockTolerance,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.maxAge <= 0 {
		return nil, ErrInvalidDPoPMaxAge
	}
	if v.clockTolerance < 0 {
		return nil, ErrInvalidDPoPSkew
	}
	return v, nil
}

// ReplayTTL 是 jti 需要被记住的时间：超过它的 proof 已经因为 iat 被拒绝
func (v *DPoPVerifier) ReplayTTL() time.Duration {
	return v.maxAge + v.clockTolerance
}

// Verify 校验 proof 并返回证明密钥的 JWK Thumbprint (RFC 7638)。
// proof 本身的问题返回 invalid_dpop_proof 的 *Error，其余 (如重放缓存故障) 返回普通 error。
//
// 校验顺序：
// 1. 签名 (公钥取自 header 的 jwk，算法限定在允许列表内)
// 2. typ 必须为 dpop+jwt
// 3. iat 在 [now-maxAge, now+clockTolerance] 之内，边界包含
// 4. htm / htu 与实际请求匹配
// 5. jti 未被使用过，然后记录
func (v *DPoPVerifier) Verify(ctx context.Context, proof, method, uri string) (string, error) {
	var proofKey jwk.Key
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods(DPoPSigningAlgorithms),
		jwt.WithJSONNumber(),
		jwt.WithTimeFunc(v.now),
	)
	token, err := parser.ParseWithClaims(proof, claims, func(token *jwt.Token) (any, error) {
		key, pub, err := headerJWK(token.Header)
		if err != nil {
			return nil, err
		}
		proofKey = key
		return pub, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, errNoJWK):
			return "", InvalidDPoPProofError(errNoJWK.Error())
		case errors.Is(err, ErrJWKNotPublic):
			return "", InvalidDPoPProofError(ErrJWKNotPublic.Error())
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			// 不在允许列表中的 alg 也会落到这里
			return "", InvalidDPoPProofError("DPoP proof signature or alg is invalid")
		default:
			return "", InvalidDPoPProofError("DPoP proof could not be parsed: " + err.Error())
		}
	}

	if typ, _ := token.Header["typ"].(string); typ != TypDPoPProof {
		return "", InvalidDPoPProofError("DPoP typ must be dpop+jwt")
	}

	iat, ok := numericClaim(claims["iat"])
	if !ok {
		return "", InvalidDPoPProofError("DPoP proof is missing iat")
	}
	now := v.now()
	issued := time.Unix(iat, 0)
	if age := now.Sub(issued); age > v.maxAge || -age > v.clockTolerance {
		skewErr := &DPoPTimeSkewError{
			Info: DPoPTimeSkewInfo{ServerTime: now, ClientTime: issued, Skew: age},
			Err:  InvalidDPoPProofError("DPoP proof iat is outside the accepted window"),
		}
		return "", skewErr
	}

	if htm, _ := claims["htm"].(string); htm != method {
		return "", InvalidDPoPProofError(fmt.Sprintf("DPoP htm mismatch: expected %s", method))
	}
	htu, _ := claims["htu"].(string)
	if stripQuery(htu) != uri {
		return "", InvalidDPoPProofError(fmt.Sprintf("DPoP htu mismatch: expected %s", uri))
	}

	jti, ok := claims["jti"].(string)
	if !ok || !validJTI(jti) {
		return "", InvalidDPoPProofError("DPoP proof must carry a string jti")
	}
	replayed, err := v.cache.CheckAndStore(ctx, jti, v.ReplayTTL())
	if err != nil {
		return "", fmt.Errorf("failed to check DPoP replay: %w", err)
	}
	if replayed {
		return "", InvalidDPoPProofError("jti must be unique")
	}

	jkt, err := Thumbprint(proofKey)
	if err != nil {
		return "", InvalidDPoPProofError(errNoJWK.Error())
	}
	return jkt, nil
}

// headerJWK 从 proof header 取出 jwk，返回 jwx key 与原始公钥
func headerJWK(header map[string]any) (jwk.Key, crypto.PublicKey, error) {
	raw, ok := header["jwk"].(map[string]any)
	if !ok {
		return nil, nil, errNoJWK
	}
	if _, private := raw["d"]; private {
		return nil, nil, ErrJWKNotPublic
	}
	if kty, _ := raw["kty"].(string); kty == "" || kty == "oct" {
		return nil, nil, fmt.Errorf("%w: %w", errNoJWK, ErrInvalidJWKType)
	}

	b, err := sonic.ConfigStd.Marshal(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errNoJWK, err)
	}
	key, err := jwk.ParseKey(b)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errNoJWK, err)
	}
	var pub crypto.PublicKey
	if err := key.Raw(&pub); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errNoJWK, err)
	}
	return key, pub, nil
}

// stripQuery 去掉 URI 的查询串和片段 (RFC 9449 Section 4.3 第 9 步)
func stripQuery(uri string) string {
	if idx := strings.IndexAny(uri, "?#"); idx != -1 {
		return uri[:idx]
	}
	return uri
}
