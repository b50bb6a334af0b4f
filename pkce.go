package oidcproxy

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"regexp"
)

const (
	// CodeChallengeMethodS256 是推荐的 PKCE 转换方法
	CodeChallengeMethodS256 = "S256"
	// CodeChallengeMethodPlain 是不推荐的方法，仅用于兼容性
	CodeChallengeMethodPlain = "plain"

	// RFC 7636 Section 4.1
	minVerifierLength = 43
	maxVerifierLength = 128
)

// verifierRegex 用于验证 Code Verifier 是否符合 RFC 7636 要求的字符集
// unreserved = ALPHA / DIGIT / "-" / "." / "_" / "~"
var verifierRegex = regexp.MustCompile(`^[A-Za-z0-9\-\._~]+$`)

// ChallengeAndMethod 是授权请求中提交的 PKCE challenge。
// 授权阶段以 state 为键保存，上游带回 code 后改以 code 为键。
type ChallengeAndMethod struct {
	Challenge   string `json:"challenge"`
	Method      string `json:"method"`
	ClientState string `json:"client_state,omitempty"` // 为空表示 state 由代理生成
}

// SupportedChallengeMethod 判断 method 是否受支持
func SupportedChallengeMethod(method string) bool {
	return method == CodeChallengeMethodS256 || method == CodeChallengeMethodPlain
}

// ComputePKCEChallenge 根据给定的 Verifier 和 Method 计算 Challenge。
func ComputePKCEChallenge(method, verifier string) (string, error) {
	switch method {
	case CodeChallengeMethodS256:
		s := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(s[:]), nil
	case CodeChallengeMethodPlain:
		return verifier, nil
	default:
		return "", ErrUnsupportedPKCEChallengeMethod
	}
}

// VerifyPKCE 验证客户端提交的 Verifier 是否与存储的 Challenge 匹配。
func VerifyPKCE(challenge, method, verifier string) error {
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return ErrPKCEVerifierInvalidLength
	}
	if !verifierRegex.MatchString(verifier) {
		return ErrPKCEVerifierInvalidCharacters
	}

	expected, err := ComputePKCEChallenge(method, verifier)
	if err != nil {
		return err
	}

	// 常量时间比较，防止时序攻击
	if subtle.ConstantTimeCompare([]byte(challenge), []byte(expected)) != 1 {
		return ErrPKCEVerificationFailed
	}
	return nil
}
