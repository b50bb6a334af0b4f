package oidcproxy

import (
	"errors"
	"net/http"

	"github.com/bytedance/sonic"
)

// Error 代表一个标准的 OAuth2 错误响应体
type Error struct {
	Code        string `json:"error"`             // e.g. "invalid_request"
	Description string `json:"error_description"` // e.g. "Missing client_id"
	StatusCode  int    `json:"-"`
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.Description != "" {
		return e.Code + ": " + e.Description
	}
	return e.Code
}

// NewError 创建一个新的 OAuth2 错误
func NewError(code string, description string, statusCode int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		StatusCode:  statusCode,
	}
}

// HTTPStatus 返回错误对应的 HTTP 状态码，未设置时视为 500
func (e *Error) HTTPStatus() int {
	if e.StatusCode == 0 {
		return http.StatusInternalServerError
	}
	return e.StatusCode
}

// ErrorResponse 将 OAuth2 错误渲染为 JSON 响应。
// 协议层错误（缺参数、校验失败）走这里，作为普通响应返回，而不是 Go error。
func ErrorResponse(e *Error) *Response {
	body, _ := sonic.Marshal(e)
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("Cache-Control", "no-store")
	return &Response{
		Status: e.HTTPStatus(),
		Header: header,
		Body:   body,
	}
}

// ---------------------------------------------------------------------------
// 便捷的错误构造函数
// ---------------------------------------------------------------------------

// InvalidRequestError 创建 invalid_request 错误 (HTTP 400)
func InvalidRequestError(description string) *Error {
	return NewError("invalid_request", description, http.StatusBadRequest)
}

// InvalidClientError 创建 invalid_client 错误 (HTTP 400)
// 代理只在 client 改写失败时使用它，不做客户端认证，所以不是 401。
func InvalidClientError(description string) *Error {
	return NewError("invalid_client", description, http.StatusBadRequest)
}

// InvalidGrantError 创建 invalid_grant 错误 (HTTP 400)
func InvalidGrantError(description string) *Error {
	return NewError("invalid_grant", description, http.StatusBadRequest)
}

// InvalidDPoPProofError 创建 invalid_dpop_proof 错误 (HTTP 400, RFC 9449 Section 5)
func InvalidDPoPProofError(description string) *Error {
	return NewError("invalid_dpop_proof", description, http.StatusBadRequest)
}

// ServerError 创建 server_error 错误 (HTTP 500)
func ServerError(description string) *Error {
	return NewError("server_error", description, http.StatusInternalServerError)
}

// BadGatewayError 上游返回了无法处理的内容 (HTTP 502)
func BadGatewayError(description string) *Error {
	return NewError("server_error", description, http.StatusBadGateway)
}

// ---------------------------------------------------------------------------
// OAuth 2.0 标准错误码
// ---------------------------------------------------------------------------

var (
	// ErrInvalidRequest 请求缺少必需的参数、包含无效的参数值，或者格式不正确。
	ErrInvalidRequest = errors.New("invalid_request")

	// ErrInvalidGrant 授权码或 verifier 无效。
	ErrInvalidGrant = errors.New("invalid_grant")

	// ErrServerError 代理遇到意外情况，无法完成请求。
	ErrServerError = errors.New("server_error")

	// ErrUpstream 上游 OP 或第三方服务返回了错误或无法解析的数据。
	ErrUpstream = errors.New("upstream error")
)

// ---------------------------------------------------------------------------
// WebID 解析错误
// ---------------------------------------------------------------------------

var (
	ErrUnexpectedContentType    = errors.New("unexpected content type")
	ErrNoRegistrationData       = errors.New("no oidc registration data found")
	ErrMalformedRegistration    = errors.New("malformed oidc registration data")
	ErrClientIDMismatch         = errors.New("client_id does not match the registration data")
	ErrRedirectURINotRegistered = errors.New("redirect_uri is not registered")
	ErrResponseTypeMismatch     = errors.New("response_type is not registered")
	ErrMissingNormativeContext  = errors.New("missing solid-oidc normative @context")
	ErrWebIDUnreachable         = errors.New("webid document could not be fetched")
)

// ---------------------------------------------------------------------------
// PKCE / State 关联错误
// ---------------------------------------------------------------------------

var (
	ErrUnsupportedPKCEChallengeMethod = errors.New("unsupported code_challenge_method")
	ErrPKCEVerifierInvalidLength      = errors.New("code_verifier must be between 43 and 128 characters")
	ErrPKCEVerifierInvalidCharacters  = errors.New("code_verifier contains invalid characters")
	ErrPKCEVerificationFailed         = errors.New("code challenges do not match")

	// ErrNoDataForState 上游重定向带回的 state 在存储中没有记录
	ErrNoDataForState = errors.New("no data found for state")
	// ErrNoCodeInResponse 上游重定向缺少授权码
	ErrNoCodeInResponse = errors.New("no code in upstream response")
	// ErrChallengeNotFound token 端点提交的 code 没有对应的 challenge
	ErrChallengeNotFound = errors.New("no challenge found for code")
)

// ---------------------------------------------------------------------------
// DPoP 错误
// ---------------------------------------------------------------------------

var (
	ErrInvalidJWKType      = errors.New("invalid or missing JWK kty")
	ErrMissingJWKFields    = errors.New("missing required JWK fields")
	ErrJWKNotPublic        = errors.New("jwk must not contain private key material")
	ErrInvalidDPoPMaxAge   = errors.New("dpop max age must be positive")
	ErrInvalidDPoPSkew     = errors.New("dpop clock tolerance must not be negative")
	ErrReplayCacheRequired = errors.New("replay cache is required")
	ErrVerifierRequired    = errors.New("dpop verifier is required")
	ErrInvalidJTI          = errors.New("jti must be a non-empty string of bounded length")
	ErrReplayCacheFull     = errors.New("replay cache is full")
)

// ---------------------------------------------------------------------------
// 存储 / 签名 / 配置错误
// ---------------------------------------------------------------------------

var (
	// ErrEntryNotFound Store 实现在键不存在(或已过期)时必须返回它
	ErrEntryNotFound = errors.New("entry not found")

	ErrStoreRequired   = errors.New("store is required")
	ErrSignerRequired  = errors.New("signer is required")
	ErrNoSigningKey    = errors.New("no signing key available")
	ErrUnsupportedKey  = errors.New("unsupported key type")
	ErrTokenNotDecoded = errors.New("token field is not a decodable JWT")
	ErrNotJSONEnvelope = errors.New("response body is not a JSON object")

	ErrResolverRequired     = errors.New("webid resolver is required")
	ErrRegistrarRequired    = errors.New("registration client is required")
	ErrUpstreamURLRequired  = errors.New("upstream url is required")
	ErrProxyURLRequired     = errors.New("proxy url is required")
	ErrWebIDTemplateInvalid = errors.New("webid template must contain :sub")
	ErrStaticClientRequired = errors.New("static client_id and redirect_uri are required")
)
