package oidcproxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"reflect"

	"github.com/bytedance/sonic"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// PublicClientIdentifier 是 Solid-OIDC 中匿名公共客户端的 client_id
	PublicClientIdentifier = "http://www.w3.org/ns/solid/terms#PublicOidcClient"

	// SolidOIDCContext 是 Solid-OIDC 规范要求的 JSON-LD @context
	SolidOIDCContext = "https://www.w3.org/ns/solid/oidc-context.jsonld"

	// OIDCRegistrationPredicate 是 WebID 文档中携带注册元数据的谓词
	OIDCRegistrationPredicate = "http://www.w3.org/ns/solid/terms#oidcRegistration"

	AuthMethodNone = "none"
)

// ClientMetadata 是 RFC 7591 / OIDC Dynamic Registration 的客户端元数据，
// 也是 WebID 文档中声明的 oidcRegistration 内容。
type ClientMetadata struct {
	Context  any    `json:"@context,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Scope    string `json:"scope,omitempty"`

	RedirectURIs    []string `json:"redirect_uris,omitempty"`
	ResponseTypes   []string `json:"response_types,omitempty"`
	GrantTypes      []string `json:"grant_types,omitempty"`
	ApplicationType string   `json:"application_type,omitempty"`
	Contacts        []string `json:"contacts,omitempty"`
	ClientName      string   `json:"client_name,omitempty"`
	LogoURI         string   `json:"logo_uri,omitempty"`
	ClientURI       string   `json:"client_uri,omitempty"`
	PolicyURI       string   `json:"policy_uri,omitempty"`
	TosURI          string   `json:"tos_uri,omitempty"`
	JWKSURI         string   `json:"jwks_uri,omitempty"`
	JWKS            any      `json:"jwks,omitempty"`

	SectorIdentifierURI string `json:"sector_identifier_uri,omitempty"`
	SubjectType         string `json:"subject_type,omitempty"`

	IDTokenSignedResponseAlg     string `json:"id_token_signed_response_alg,omitempty"`
	IDTokenEncryptedResponseAlg  string `json:"id_token_encrypted_response_alg,omitempty"`
	IDTokenEncryptedResponseEnc  string `json:"id_token_encrypted_response_enc,omitempty"`
	UserinfoSignedResponseAlg    string `json:"userinfo_signed_response_alg,omitempty"`
	UserinfoEncryptedResponseAlg string `json:"userinfo_encrypted_response_alg,omitempty"`
	UserinfoEncryptedResponseEnc string `json:"userinfo_encrypted_response_enc,omitempty"`
	RequestObjectSigningAlg      string `json:"request_object_signing_alg,omitempty"`
	RequestObjectEncryptionAlg   string `json:"request_object_encryption_alg,omitempty"`
	RequestObjectEncryptionEnc   string `json:"request_object_encryption_enc,omitempty"`
	TokenEndpointAuthMethod      string `json:"token_endpoint_auth_method,omitempty"`
	TokenEndpointAuthSigningAlg  string `json:"token_endpoint_auth_signing_alg,omitempty"`

	DefaultMaxAge    *int64   `json:"default_max_age,omitempty"`
	RequireAuthTime  *bool    `json:"require_auth_time,omitempty"`
	DefaultACRValues []string `json:"default_acr_values,omitempty"`
	InitiateLoginURI string   `json:"initiate_login_uri,omitempty"`
	RequestURIs      []string `json:"request_uris,omitempty"`
}

// comparableFields 返回除 client_id、scope、@context 外的字段视图
func (m *ClientMetadata) comparableFields() (map[string]any, error) {
	raw, err := sonic.Marshal(m)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]any)
	if err := sonic.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	delete(fields, "client_id")
	delete(fields, "scope")
	delete(fields, "@context")
	return fields, nil
}

// Equivalent 判断两份元数据在注册意义上是否相同
func (m *ClientMetadata) Equivalent(other *ClientMetadata) bool {
	if m == nil || other == nil {
		return m == other
	}
	a, err := m.comparableFields()
	if err != nil {
		return false
	}
	b, err := other.comparableFields()
	if err != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// RegistrationBody 按允许列表构造发往上游注册端点的请求体。
// token_endpoint_auth_method 固定为 none，redirect_uris 使用调用方给定的值。
func RegistrationBody(declared *ClientMetadata, redirectURIs []string) *ClientMetadata {
	return &ClientMetadata{
		RedirectURIs:                 redirectURIs,
		ResponseTypes:                declared.ResponseTypes,
		GrantTypes:                   declared.GrantTypes,
		ApplicationType:              declared.ApplicationType,
		Contacts:                     declared.Contacts,
		ClientName:                   declared.ClientName,
		LogoURI:                      declared.LogoURI,
		ClientURI:                    declared.ClientURI,
		PolicyURI:                    declared.PolicyURI,
		TosURI:                       declared.TosURI,
		JWKSURI:                      declared.JWKSURI,
		JWKS:                         declared.JWKS,
		SectorIdentifierURI:          declared.SectorIdentifierURI,
		SubjectType:                  declared.SubjectType,
		IDTokenSignedResponseAlg:     declared.IDTokenSignedResponseAlg,
		IDTokenEncryptedResponseAlg:  declared.IDTokenEncryptedResponseAlg,
		IDTokenEncryptedResponseEnc:  declared.IDTokenEncryptedResponseEnc,
		UserinfoSignedResponseAlg:    declared.UserinfoSignedResponseAlg,
		UserinfoEncryptedResponseAlg: declared.UserinfoEncryptedResponseAlg,
		UserinfoEncryptedResponseEnc: declared.UserinfoEncryptedResponseEnc,
		RequestObjectSigningAlg:      declared.RequestObjectSigningAlg,
		RequestObjectEncryptionAlg:   declared.RequestObjectEncryptionAlg,
		RequestObjectEncryptionEnc:   declared.RequestObjectEncryptionEnc,
		TokenEndpointAuthMethod:      AuthMethodNone,
		TokenEndpointAuthSigningAlg:  declared.TokenEndpointAuthSigningAlg,
		DefaultMaxAge:                declared.DefaultMaxAge,
		RequireAuthTime:              declared.RequireAuthTime,
		DefaultACRValues:             declared.DefaultACRValues,
		InitiateLoginURI:             declared.InitiateLoginURI,
		RequestURIs:                  declared.RequestURIs,
	}
}

// ClientRegistration 是注册缓存中的记录：上游注册响应 (RFC 7591 Section 3.2.1)
// 加上注册时 WebID 声明的元数据快照。
type ClientRegistration struct {
	ClientMetadata

	ClientSecret            string `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64  `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt   int64  `json:"client_secret_expires_at,omitempty"`
	RegistrationAccessToken string `json:"registration_access_token,omitempty"`
	RegistrationClientURI   string `json:"registration_client_uri,omitempty"`

	// Declared 是注册时 WebID 文档声明的元数据，用于判断是否需要重新注册
	Declared *ClientMetadata `json:"declared,omitempty"`
}

// RegistrationClient 调用上游的动态注册端点
type RegistrationClient struct {
	endpoint   string
	httpClient *http.Client
}

var _ Registrar = (*RegistrationClient)(nil)

// NewRegistrationClient 创建注册客户端，httpClient 为 nil 时使用默认客户端
func NewRegistrationClient(endpoint string, httpClient *http.Client) (*RegistrationClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("%w: registration endpoint is empty", ErrUpstreamURLRequired)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &RegistrationClient{endpoint: endpoint, httpClient: httpClient}, nil
}

// Register 实现 Registrar 接口
func (c *RegistrationClient) Register(ctx context.Context, metadata *ClientMetadata) (*ClientRegistration, error) {
	ctx, span := tracer().Start(ctx, "OIDCProxy.RegisterClient", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("registration_endpoint", c.endpoint))

	body, err := sonic.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create registration request: %w", err)
	}
	req.Header.Set("Content-Type", ContentTypeJSON)
	req.Header.Set("Accept", ContentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: registration request failed: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		var oauthErr Error
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if sonic.Unmarshal(raw, &oauthErr) == nil && oauthErr.Code != "" {
			return nil, fmt.Errorf("%w: registration rejected (%d): %s", ErrUpstream, resp.StatusCode, oauthErr.Error())
		}
		return nil, fmt.Errorf("%w: registration endpoint returned %d", ErrUpstream, resp.StatusCode)
	}

	var reg ClientRegistration
	if err := DecodeJSON(resp.Body, &reg); err != nil {
		return nil, fmt.Errorf("%w: failed to decode registration response: %v", ErrUpstream, err)
	}
	if reg.ClientID == "" {
		return nil, fmt.Errorf("%w: registration response has no client_id", ErrUpstream)
	}
	return &reg, nil
}
