package oidcproxy

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// KeySigner 是基于本地 JWKS 的 Signer 实现。
// 第一个密钥用于签名，所有密钥都可用于校验。
type KeySigner struct {
	keys    []jwk.Key
	kid     string
	method  jwt.SigningMethod
	private any
}

var _ Signer = (*KeySigner)(nil)

// NewKeySigner 创建签名服务，第一个密钥必须包含私钥
func NewKeySigner(keys ...jwk.Key) (*KeySigner, error) {
	if len(keys) == 0 {
		return nil, ErrNoSigningKey
	}
	signing := keys[0]

	var private any
	if err := signing.Raw(&private); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSigningKey, err)
	}

	// 公钥也能 Raw 成功，这里靠私钥类型判断
	method := GetSigningMethod(private)
	if method == nil {
		return nil, fmt.Errorf("%w: key %q has no private part", ErrNoSigningKey, signing.KeyID())
	}
	if alg := signing.Algorithm().String(); alg != "" {
		if m := jwt.GetSigningMethod(alg); m != nil {
			method = m
		}
	}

	kid := signing.KeyID()
	if kid == "" {
		var err error
		if kid, err = Thumbprint(signing); err != nil {
			return nil, err
		}
	}

	return &KeySigner{keys: keys, kid: kid, method: method, private: private}, nil
}

// KeyID 返回签名密钥的 kid
func (s *KeySigner) KeyID() string {
	return s.kid
}

// Sign 实现 Signer 接口
func (s *KeySigner) Sign(_ context.Context, header, payload map[string]any) (string, error) {
	token := jwt.NewWithClaims(s.method, jwt.MapClaims(payload))
	for k, v := range header {
		if k == "alg" || k == "kid" {
			continue
		}
		token.Header[k] = v
	}
	token.Header["kid"] = s.kid

	signed, err := token.SignedString(s.private)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify 实现 Signer 接口，按 kid 选择校验密钥
func (s *KeySigner) Verify(_ context.Context, token string) (*DecodedToken, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.NewParser(jwt.WithJSONNumber()).ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key := s.lookup(kid)
		if key == nil {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		pub, err := key.PublicKey()
		if err != nil {
			return nil, err
		}
		var raw any
		if err := pub.Raw(&raw); err != nil {
			return nil, err
		}
		return raw, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to verify token: %w", err)
	}
	return &DecodedToken{Header: parsed.Header, Payload: map[string]any(claims)}, nil
}

func (s *KeySigner) lookup(kid string) jwk.Key {
	for i, k := range s.keys {
		id := k.KeyID()
		if i == 0 {
			id = s.kid
		}
		if id == kid {
			return k
		}
	}
	return nil
}

// PublicJWKS 返回对外发布的 JWKS，只包含公钥字段
func (s *KeySigner) PublicJWKS() (*JSONWebKeySet, error) {
	set, err := PublicJWKSet(s.keys)
	if err != nil {
		return nil, err
	}
	if len(set.Keys) > 0 && set.Keys[0].Kid == "" {
		set.Keys[0].Kid = s.kid
	}
	if len(set.Keys) > 0 && set.Keys[0].Alg == "" {
		set.Keys[0].Alg = s.method.Alg()
	}
	return set, nil
}
