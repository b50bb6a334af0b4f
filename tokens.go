package oidcproxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v5"
)

// Token 响应中的标准字段
const (
	FieldAccessToken  = "access_token"
	FieldIDToken      = "id_token"
	FieldRefreshToken = "refresh_token"
	FieldTokenType    = "token_type"
	FieldExpiresIn    = "expires_in"
)

// Token typ header
const (
	TypAccessToken = "at+jwt"
	TypIDToken     = "JWT"
	TypDPoPProof   = "dpop+jwt"
)

// DecodedToken 是紧凑 JWT 解码后的 {header, payload} 形式
type DecodedToken struct {
	Header  map[string]any `json:"header"`
	Payload map[string]any `json:"payload"`
}

// Claim 读取 payload 中的字段
func (t *DecodedToken) Claim(name string) (any, bool) {
	v, ok := t.Payload[name]
	return v, ok
}

// StringClaim 读取字符串类型的 claim，不存在或类型不符时返回空串
func (t *DecodedToken) StringClaim(name string) string {
	s, _ := t.Payload[name].(string)
	return s
}

// DecodeJWT 解码紧凑 JWT 但不校验签名。
// 数字保持为 json.Number，以免 iat/exp 等大整数丢精度。
func DecodeJWT(compact string) (*DecodedToken, error) {
	if strings.Count(compact, ".") != 2 {
		return nil, ErrTokenNotDecoded
	}
	claims := jwt.MapClaims{}
	token, _, err := jwt.NewParser(jwt.WithJSONNumber()).ParseUnverified(compact, claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenNotDecoded, err)
	}
	return &DecodedToken{
		Header:  token.Header,
		Payload: map[string]any(claims),
	}, nil
}

// TokenSet 是 token 端点响应体的结构化形式。
// JWT 字段在被访问时才解码，解码后以 *DecodedToken 的形式留在信封里，
// 直到某个编码阶段把它签回紧凑格式。
type TokenSet struct {
	fields map[string]any
}

// ParseTokenSet 解析 token 端点的 JSON 响应体
func ParseTokenSet(body []byte) (*TokenSet, error) {
	fields := make(map[string]any)
	if err := DecodeJSON(bytes.NewReader(body), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJSONEnvelope, err)
	}
	return &TokenSet{fields: fields}, nil
}

// Get 返回原始字段值
func (s *TokenSet) Get(field string) (any, bool) {
	v, ok := s.fields[field]
	return v, ok
}

// String 返回字符串字段，非字符串返回空串
func (s *TokenSet) String(field string) string {
	v, _ := s.fields[field].(string)
	return v
}

// Set 写入字段
func (s *TokenSet) Set(field string, value any) {
	s.fields[field] = value
}

// Token 返回字段的解码形式。
// 字段不存在时返回 (nil, nil)；字段存在但不是 JWT 时返回 ErrTokenNotDecoded。
func (s *TokenSet) Token(field string) (*DecodedToken, error) {
	v, ok := s.fields[field]
	if !ok {
		return nil, nil
	}
	switch t := v.(type) {
	case *DecodedToken:
		return t, nil
	case string:
		decoded, err := DecodeJWT(t)
		if err != nil {
			return nil, err
		}
		s.fields[field] = decoded
		return decoded, nil
	default:
		return nil, fmt.Errorf("%w: field %s has type %T", ErrTokenNotDecoded, field, v)
	}
}

// IsDecoded 判断字段当前是否处于 {header, payload} 形式
func (s *TokenSet) IsDecoded(field string) bool {
	_, ok := s.fields[field].(*DecodedToken)
	return ok
}

// MarshalJSON 序列化为 token 端点的线上格式
func (s *TokenSet) MarshalJSON() ([]byte, error) {
	return sonic.Marshal(s.fields)
}

// ---------------------------------------------------------------------------
// claim 辅助函数
// ---------------------------------------------------------------------------

// numericClaim 把 json.Number/float64/int 等数字统一为 int64
func numericClaim(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return int64(f), true
		}
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

// audienceContains 判断 aud (字符串或数组) 是否包含指定值
func audienceContains(aud any, value string) bool {
	switch a := aud.(type) {
	case string:
		return a == value
	case []any:
		for _, v := range a {
			if s, ok := v.(string); ok && s == value {
				return true
			}
		}
	case []string:
		for _, s := range a {
			if s == value {
				return true
			}
		}
	}
	return false
}
