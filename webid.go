package oidcproxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WebID 文档的媒体类型
const (
	MediaTypeTurtle = "text/turtle"
	MediaTypeJSONLD = "application/ld+json"
)

// maxWebIDDocumentSize 限制 WebID 文档大小
const maxWebIDDocumentSize = 1 << 20

// ResolveRequest 是一次 WebID 解析需要比对的请求参数。
// RedirectURI 与 ResponseType 为空时跳过对应检查。
type ResolveRequest struct {
	ClientID     string
	RedirectURI  string
	ResponseType string
}

// RDFResolver 获取客户端的 WebID 文档，提取自声明的注册元数据并与请求比对。
type RDFResolver struct {
	mediaType  string
	parser     TripleParser
	httpClient *http.Client
	logger     zerolog.Logger
}

var _ WebIDResolver = (*RDFResolver)(nil)

// ResolverOption 配置 RDFResolver
type ResolverOption func(*RDFResolver)

// WithResolverHTTPClient 设置获取文档用的 HTTP 客户端
func WithResolverHTTPClient(c *http.Client) ResolverOption {
	return func(r *RDFResolver) { r.httpClient = c }
}

// WithResolverLogger 设置日志
func WithResolverLogger(l zerolog.Logger) ResolverOption {
	return func(r *RDFResolver) { r.logger = l }
}

// NewTurtleResolver 创建以 text/turtle 获取 WebID 文档的解析器
func NewTurtleResolver(parser TripleParser, opts ...ResolverOption) (*RDFResolver, error) {
	if parser == nil {
		return nil, fmt.Errorf("%w: rdf parser is nil", ErrResolverRequired)
	}
	return newResolver(MediaTypeTurtle, parser, opts), nil
}

// NewJSONLDResolver 创建以 application/ld+json 获取客户端文档的解析器
func NewJSONLDResolver(opts ...ResolverOption) *RDFResolver {
	return newResolver(MediaTypeJSONLD, nil, opts)
}

func newResolver(mediaType string, parser TripleParser, opts []ResolverOption) *RDFResolver {
	r := &RDFResolver{
		mediaType:  mediaType,
		parser:     parser,
		httpClient: http.DefaultClient,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve 实现 WebIDResolver 接口
func (r *RDFResolver) Resolve(ctx context.Context, req *ResolveRequest) (*ClientMetadata, error) {
	ctx, span := tracer().Start(ctx, "OIDCProxy.ResolveWebID", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("client_id", req.ClientID), attribute.String("media_type", r.mediaType))

	body, err := r.fetch(ctx, req.ClientID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var metadata *ClientMetadata
	if r.mediaType == MediaTypeTurtle {
		metadata, err = r.fromTurtle(ctx, body, req.ClientID)
	} else {
		metadata, err = fromJSONLD(body)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := validateMetadata(metadata, req); err != nil {
		r.logger.Debug().Err(err).Str("client_id", req.ClientID).Msg("webid registration rejected")
		return nil, err
	}
	return metadata, nil
}

func (r *RDFResolver) fetch(ctx context.Context, clientID string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, clientID, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWebIDUnreachable, err)
	}
	httpReq.Header.Set("Accept", r.mediaType)

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWebIDUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", ErrWebIDUnreachable, clientID, resp.StatusCode)
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != r.mediaType {
		return nil, fmt.Errorf("%w: expected %s, got %q", ErrUnexpectedContentType, r.mediaType, resp.Header.Get("Content-Type"))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebIDDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWebIDUnreachable, err)
	}
	return body, nil
}

func (r *RDFResolver) fromTurtle(ctx context.Context, body []byte, baseURI string) (*ClientMetadata, error) {
	triples, err := r.parser.Parse(ctx, bytes.NewReader(body), baseURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRegistration, err)
	}

	for _, t := range triples {
		if t.Predicate != OIDCRegistrationPredicate {
			continue
		}
		var metadata ClientMetadata
		if err := sonic.UnmarshalString(t.Object, &metadata); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRegistration, err)
		}
		return &metadata, nil
	}
	return nil, ErrNoRegistrationData
}

func fromJSONLD(body []byte) (*ClientMetadata, error) {
	var metadata ClientMetadata
	if err := DecodeJSON(bytes.NewReader(body), &metadata); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRegistration, err)
	}
	if !hasSolidContext(metadata.Context) {
		return nil, ErrMissingNormativeContext
	}
	return &metadata, nil
}

// hasSolidContext 判断 @context 是否为 (或包含) Solid-OIDC 规范上下文
func hasSolidContext(ctx any) bool {
	switch c := ctx.(type) {
	case string:
		return c == SolidOIDCContext
	case []any:
		for _, v := range c {
			if s, ok := v.(string); ok && s == SolidOIDCContext {
				return true
			}
		}
	}
	return false
}

func validateMetadata(metadata *ClientMetadata, req *ResolveRequest) error {
	if metadata.ClientID != req.ClientID {
		return fmt.Errorf("%w: expected %s, got %s", ErrClientIDMismatch, req.ClientID, metadata.ClientID)
	}
	if req.RedirectURI != "" && !contains(metadata.RedirectURIs, req.RedirectURI) {
		return fmt.Errorf("%w: %s", ErrRedirectURINotRegistered, req.RedirectURI)
	}
	if req.ResponseType != "" {
		// RFC 7591 Section 2: 未声明时默认为 ["code"]
		responseTypes := metadata.ResponseTypes
		if len(responseTypes) == 0 {
			responseTypes = []string{"code"}
		}
		if !contains(responseTypes, req.ResponseType) {
			return fmt.Errorf("%w: %s", ErrResponseTypeMismatch, req.ResponseType)
		}
	}
	return nil
}
