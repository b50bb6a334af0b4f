package oidcproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxUpstreamBodySize 限制读取的上游响应大小
const maxUpstreamBodySize = 4 << 20

// hopHeaders 是不应转发的逐跳头 (RFC 7230 Section 6.1)
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
	"Content-Length",
	"Accept-Encoding",
}

// Upstream 是管道的终点：把请求转发到上游的固定端点。
// 不跟随重定向，授权端点的 302 必须原样交给上游之前的各个阶段处理。
type Upstream struct {
	endpoint *url.URL
	client   *http.Client
}

var _ Handler = (*Upstream)(nil)

// NewUpstream 创建转发器，client 为 nil 时使用默认 Transport
func NewUpstream(endpoint string, client *http.Client) (*Upstream, error) {
	if endpoint == "" {
		return nil, ErrUpstreamURLRequired
	}
	u, err := url.Parse(endpoint)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("%w: invalid upstream endpoint %q", ErrUpstreamURLRequired, endpoint)
	}

	c := &http.Client{}
	if client != nil {
		*c = *client
	}
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Upstream{endpoint: u, client: c}, nil
}

// Handle 实现 Handler 接口
func (u *Upstream) Handle(ctx context.Context, req *Request) (*Response, error) {
	target := *u.endpoint
	target.RawQuery = mergeQuery(u.endpoint.RawQuery, req.URL.RawQuery)

	ctx, span := tracer().Start(ctx, "OIDCProxy.Upstream", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("upstream.endpoint", u.endpoint.String()),
	)

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	httpReq.Header = cloneHeader(req.Header)

	httpResp, err := u.client.Do(httpReq)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer httpResp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", httpResp.StatusCode))

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxUpstreamBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read upstream response: %v", ErrUpstream, err)
	}

	return &Response{
		Status: httpResp.StatusCode,
		Header: cloneHeader(httpResp.Header),
		Body:   respBody,
	}, nil
}

func mergeQuery(base, extra string) string {
	switch {
	case base == "":
		return extra
	case extra == "":
		return base
	}
	return base + "&" + extra
}

func cloneHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}
	// Connection 头中列出的字段同样是逐跳的
	for _, f := range out.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			out.Del(strings.TrimSpace(name))
		}
	}
	for _, name := range hopHeaders {
		out.Del(name)
	}
	return out
}
