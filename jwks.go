package oidcproxy

import (
	"crypto"
	"encoding/base64"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// JSONWebKeySet 表示 JWKS 端点返回的顶级 JSON 结构。
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// JSONWebKey 只包含允许公开的 JWK 字段，私钥参数 (d, p, q, dp, dq, qi, k) 没有对应字段。
type JSONWebKey struct {
	Kty    string   `json:"kty"`
	Use    string   `json:"use,omitempty"`
	KeyOps []string `json:"key_ops,omitempty"`
	Kid    string   `json:"kid,omitempty"`
	Alg    string   `json:"alg,omitempty"`

	// ECDSA / Ed25519
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`

	// RSA
	E string `json:"e,omitempty"`
	N string `json:"n,omitempty"`

	X5C []string `json:"x5c,omitempty"`
}

// PublicJWK 取出 jwk.Key 的公钥部分并按允许字段导出
func PublicJWK(key jwk.Key) (JSONWebKey, error) {
	pub, err := key.PublicKey()
	if err != nil {
		return JSONWebKey{}, fmt.Errorf("failed to derive public key: %w", err)
	}
	raw, err := sonic.Marshal(pub)
	if err != nil {
		return JSONWebKey{}, fmt.Errorf("failed to encode public key: %w", err)
	}
	var out JSONWebKey
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return JSONWebKey{}, fmt.Errorf("failed to decode public key: %w", err)
	}
	return out, nil
}

// PublicJWKSet 导出一组密钥的公开 JWKS
func PublicJWKSet(keys []jwk.Key) (*JSONWebKeySet, error) {
	set := &JSONWebKeySet{Keys: make([]JSONWebKey, 0, len(keys))}
	for _, k := range keys {
		pub, err := PublicJWK(k)
		if err != nil {
			return nil, err
		}
		set.Keys = append(set.Keys, pub)
	}
	return set, nil
}

// Thumbprint 计算 JWK Thumbprint (RFC 7638)，base64url 无填充
func Thumbprint(key jwk.Key) (string, error) {
	b, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute jwk thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
