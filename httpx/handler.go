package httpx

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/oy3o/oidcproxy"
)

// MaxRequestBodySize 限制入站请求体大小
const MaxRequestBodySize = 1 << 20

// NewRouter 把代理的各个端点挂到 chi 路由上
func NewRouter(p *oidcproxy.Proxy, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get(oidcproxy.PathAuthorize, PipelineHandler(p.Authorize))
	r.Post(oidcproxy.PathToken, PipelineHandler(p.Token))
	r.Method(http.MethodOptions, oidcproxy.PathToken, Preflight(PipelineHandler(p.Token)))
	r.Get(oidcproxy.PathDiscovery, DiscoveryHandler(p))
	r.Get(oidcproxy.PathJWKS, JWKSHandler(p))
	return r
}

// PipelineHandler 把管道 Handler 适配为 http.HandlerFunc
func PipelineHandler(h oidcproxy.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := FromHTTP(r)
		if err != nil {
			WriteJSON(w, http.StatusBadRequest, oidcproxy.InvalidRequestError(err.Error()), Private)
			return
		}

		resp, err := h.Handle(r.Context(), req)
		if err == nil && resp == nil {
			err = fmt.Errorf("%w: pipeline produced no response", oidcproxy.ErrUpstream)
		}
		if err != nil {
			if errors.Is(err, r.Context().Err()) {
				// 客户端已断开
				return
			}
			zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
			Error(w, err)
			return
		}
		if err := Write(w, resp); err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("failed to write response")
		}
	}
}

// FromHTTP 读取 *http.Request 并构造管道请求。
// URL 还原为绝对地址，供需要比较完整 URL 的阶段使用。
func FromHTTP(r *http.Request) (*oidcproxy.Request, error) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(nil, r.Body, MaxRequestBodySize))
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd == "http" || fwd == "https" {
		scheme = fwd
	}
	u := &url.URL{
		Scheme:   scheme,
		Host:     r.Host,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
	return &oidcproxy.Request{
		Method: r.Method,
		URL:    u,
		Header: r.Header.Clone(),
		Body:   body,
	}, nil
}

// Write 把管道响应写回客户端
func Write(w http.ResponseWriter, resp *oidcproxy.Response) error {
	if err := resp.Encode(); err != nil {
		Error(w, err)
		return err
	}
	header := w.Header()
	for k, vs := range resp.Header {
		header[k] = append([]string(nil), vs...)
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) == 0 {
		return nil
	}
	_, err := w.Write(resp.Body)
	return err
}

// DiscoveryHandler 返回改写后的发现文档
// GET /.well-known/openid-configuration
// 必须允许 CORS
func DiscoveryHandler(p *oidcproxy.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, p.DiscoveryDocument(), Public)
	}
}

// JWKSHandler 返回代理签名密钥的公开部分
// GET /jwks
func JWKSHandler(p *oidcproxy.Proxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jwks, err := p.JWKS()
		if err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("failed to export jwks")
			Error(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, jwks, Public)
	}
}
