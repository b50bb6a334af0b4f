package oidcproxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ClientRewriter 在授权请求和 token 请求中把客户端自称的 client_id 换成上游认识的身份
type ClientRewriter interface {
	Authorize(next Handler) Handler
	Token(next Handler) Handler
}

var (
	_ ClientRewriter = (*DynamicRegistration)(nil)
	_ ClientRewriter = (*StaticRegistration)(nil)
)

// DynamicRegistration 通过上游的动态注册端点为每个 WebID (或公共客户端的每个 redirect_uri)
// 注册一个上游客户端，并缓存注册结果。
type DynamicRegistration struct {
	resolver  WebIDResolver
	registrar Registrar
	store     Store[ClientRegistration]
	group     singleflight.Group
	logger    zerolog.Logger
	metrics   *Metrics
}

// DynamicRegistrationConfig 配置 DynamicRegistration
type DynamicRegistrationConfig struct {
	Resolver  WebIDResolver
	Registrar Registrar
	Store     Store[ClientRegistration]
	Logger    *zerolog.Logger
	Metrics   *Metrics
}

// NewDynamicRegistration 创建动态注册处理器
func NewDynamicRegistration(cfg DynamicRegistrationConfig) (*DynamicRegistration, error) {
	if cfg.Resolver == nil {
		return nil, ErrResolverRequired
	}
	if cfg.Registrar == nil {
		return nil, ErrRegistrarRequired
	}
	if cfg.Store == nil {
		return nil, ErrStoreRequired
	}
	d := &DynamicRegistration{
		resolver:  cfg.Resolver,
		registrar: cfg.Registrar,
		store:     cfg.Store,
		logger:    zerolog.Nop(),
		metrics:   cfg.Metrics,
	}
	if cfg.Logger != nil {
		d.logger = *cfg.Logger
	}
	return d, nil
}

// Authorize 改写授权请求查询串中的 client_id
func (d *DynamicRegistration) Authorize(next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		q := req.Query()
		clientID := q.Get("client_id")
		if !IsAbsoluteURI(clientID) {
			return next.Handle(ctx, req)
		}
		redirectURI := q.Get("redirect_uri")
		if redirectURI == "" {
			return ErrorResponse(InvalidRequestError("redirect_uri is required")), nil
		}
		responseType := q.Get("response_type")
		if responseType == "" {
			return ErrorResponse(InvalidRequestError("response_type is required")), nil
		}

		var (
			reg *ClientRegistration
			err error
		)
		if clientID == PublicClientIdentifier {
			reg, err = d.registerPublic(ctx, redirectURI, responseType)
		} else {
			reg, err = d.registerWebID(ctx, &ResolveRequest{
				ClientID:     clientID,
				RedirectURI:  redirectURI,
				ResponseType: responseType,
			})
		}
		if err != nil {
			return errorResponseOr(err)
		}

		q.Set("client_id", reg.ClientID)
		req.SetQuery(q)
		d.logger.Debug().
			Str("client_id", clientID).
			Str("upstream_client_id", reg.ClientID).
			Msg("authorization request rewritten to registered client")
		return next.Handle(ctx, req)
	})
}

// registerPublic 公共客户端以 redirect_uri 为键，只注册一次
func (d *DynamicRegistration) registerPublic(ctx context.Context, redirectURI, responseType string) (*ClientRegistration, error) {
	v, err, _ := d.group.Do("public\x00"+redirectURI, func() (any, error) {
		// 同一个 flight 的结果由所有等待者共享，不能随第一个调用者取消
		ctx := context.WithoutCancel(ctx)
		cached, err := d.store.Get(ctx, redirectURI)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, ErrEntryNotFound) {
			return nil, fmt.Errorf("failed to load client registration: %w", err)
		}

		body := &ClientMetadata{
			RedirectURIs:            []string{redirectURI},
			ResponseTypes:           []string{responseType},
			GrantTypes:              []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
			TokenEndpointAuthMethod: AuthMethodNone,
			ApplicationType:         "web",
		}
		reg, err := d.registrar.Register(ctx, body)
		if err != nil {
			return nil, err
		}
		d.metrics.registration(ctx, "public")
		if err := d.store.Set(ctx, redirectURI, *reg); err != nil {
			return nil, fmt.Errorf("failed to cache client registration: %w", err)
		}
		d.logger.Info().Str("redirect_uri", redirectURI).Str("upstream_client_id", reg.ClientID).Msg("registered public client")
		return reg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ClientRegistration), nil
}

// registerWebID 每次都重新解析 WebID，只有声明的元数据变化时才重新注册
func (d *DynamicRegistration) registerWebID(ctx context.Context, req *ResolveRequest) (*ClientRegistration, error) {
	declared, err := d.resolver.Resolve(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, InvalidClientError(err.Error())
	}

	v, err, _ := d.group.Do("webid\x00"+req.ClientID, func() (any, error) {
		// 同一个 flight 的结果由所有等待者共享，不能随第一个调用者取消
		ctx := context.WithoutCancel(ctx)
		cached, err := d.store.Get(ctx, req.ClientID)
		found := err == nil
		if err != nil && !errors.Is(err, ErrEntryNotFound) {
			return nil, fmt.Errorf("failed to load client registration: %w", err)
		}
		if found && cached.Declared.Equivalent(declared) {
			return &cached, nil
		}

		redirectURIs := declared.RedirectURIs
		kind := "webid"
		if found {
			// 已知客户端的重新注册只携带当前请求的 redirect_uri
			redirectURIs = []string{req.RedirectURI}
			kind = "webid_changed"
		}
		reg, err := d.registrar.Register(ctx, RegistrationBody(declared, redirectURIs))
		if err != nil {
			return nil, err
		}
		d.metrics.registration(ctx, kind)
		reg.Declared = declared
		if err := d.store.Set(ctx, req.ClientID, *reg); err != nil {
			return nil, fmt.Errorf("failed to cache client registration: %w", err)
		}
		d.logger.Info().
			Str("client_id", req.ClientID).
			Str("upstream_client_id", reg.ClientID).
			Bool("reregistered", found).
			Msg("registered webid client")
		return reg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ClientRegistration), nil
}

// Token 改写 token 请求中的客户端身份 (表单或 Basic 认证头)
func (d *DynamicRegistration) Token(next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		if req.Method == http.MethodOptions {
			return next.Handle(ctx, req)
		}
		form, err := req.Form()
		if err != nil {
			return errorResponseOr(err)
		}

		basicID, _, hasBasic := basicAuth(req.Header)
		clientID := form.Get("client_id")
		if clientID == "" && hasBasic {
			clientID = basicID
		}
		if !IsAbsoluteURI(clientID) {
			return next.Handle(ctx, req)
		}

		key := clientID
		if clientID == PublicClientIdentifier {
			key = form.Get("redirect_uri")
			if key == "" {
				return ErrorResponse(InvalidRequestError("redirect_uri is required")), nil
			}
		}

		reg, err := d.store.Get(ctx, key)
		if errors.Is(err, ErrEntryNotFound) {
			return ErrorResponse(InvalidClientError("no registration found for client " + clientID)), nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load client registration: %w", err)
		}

		rewriteClientCredentials(req, form, reg.ClientID, reg.ClientSecret, hasBasic)
		if err := req.SetForm(form); err != nil {
			return errorResponseOr(err)
		}
		return next.Handle(ctx, req)
	})
}

// StaticRegistration 把所有 WebID 客户端映射到一个预先在上游配置好的客户端
type StaticRegistration struct {
	clientID     string
	clientSecret string
	redirectURI  string
	resolver     WebIDResolver
	logger       zerolog.Logger
}

// StaticRegistrationConfig 配置 StaticRegistration。Resolver 可选，设置后授权请求会先校验 WebID。
type StaticRegistrationConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Resolver     WebIDResolver
	Logger       *zerolog.Logger
}

// NewStaticRegistration 创建静态注册处理器
func NewStaticRegistration(cfg StaticRegistrationConfig) (*StaticRegistration, error) {
	if cfg.ClientID == "" || cfg.RedirectURI == "" {
		return nil, ErrStaticClientRequired
	}
	s := &StaticRegistration{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURI:  cfg.RedirectURI,
		resolver:     cfg.Resolver,
		logger:       zerolog.Nop(),
	}
	if cfg.Logger != nil {
		s.logger = *cfg.Logger
	}
	return s, nil
}

// Authorize 校验 WebID 后用常量替换 client_id 和 redirect_uri
func (s *StaticRegistration) Authorize(next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		q := req.Query()
		clientID := q.Get("client_id")
		if !IsAbsoluteURI(clientID) {
			return next.Handle(ctx, req)
		}
		if s.resolver != nil && clientID != PublicClientIdentifier {
			_, err := s.resolver.Resolve(ctx, &ResolveRequest{
				ClientID:     clientID,
				RedirectURI:  q.Get("redirect_uri"),
				ResponseType: q.Get("response_type"),
			})
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil, err
				}
				return ErrorResponse(InvalidClientError(err.Error())), nil
			}
		}

		q.Set("client_id", s.clientID)
		q.Set("redirect_uri", s.redirectURI)
		req.SetQuery(q)
		s.logger.Debug().Str("client_id", clientID).Msg("authorization request mapped to static client")
		return next.Handle(ctx, req)
	})
}

// Token 用常量替换 token 请求中的客户端凭据和 redirect_uri
func (s *StaticRegistration) Token(next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		if req.Method == http.MethodOptions {
			return next.Handle(ctx, req)
		}
		form, err := req.Form()
		if err != nil {
			return errorResponseOr(err)
		}
		basicID, _, hasBasic := basicAuth(req.Header)
		clientID := form.Get("client_id")
		if clientID == "" && hasBasic {
			clientID = basicID
		}
		if !IsAbsoluteURI(clientID) {
			return next.Handle(ctx, req)
		}

		rewriteClientCredentials(req, form, s.clientID, s.clientSecret, hasBasic)
		if form.Has("redirect_uri") {
			form.Set("redirect_uri", s.redirectURI)
		}
		if err := req.SetForm(form); err != nil {
			return errorResponseOr(err)
		}
		return next.Handle(ctx, req)
	})
}

// rewriteClientCredentials 把上游客户端身份写入表单和 (如存在的) Basic 认证头
func rewriteClientCredentials(req *Request, form url.Values, clientID, clientSecret string, hasBasic bool) {
	if form.Has("client_id") || !hasBasic {
		form.Set("client_id", clientID)
	}
	switch {
	case hasBasic:
		// RFC 6749 Section 2.3.1: 凭据先做 form-urlencode 再 base64
		req.Header.Set("Authorization", "Basic "+basicCredentials(clientID, clientSecret))
		form.Del("client_secret")
	case clientSecret != "":
		form.Set("client_secret", clientSecret)
	default:
		form.Del("client_secret")
	}
}

// basicAuth 解析 Authorization: Basic 头，用户名和密码会做 url 解码
func basicAuth(h http.Header) (string, string, bool) {
	r := http.Request{Header: h}
	id, secret, ok := r.BasicAuth()
	if !ok {
		return "", "", false
	}
	if v, err := url.QueryUnescape(id); err == nil {
		id = v
	}
	if v, err := url.QueryUnescape(secret); err == nil {
		secret = v
	}
	return id, secret, true
}

func basicCredentials(clientID, clientSecret string) string {
	r := http.Request{Header: make(http.Header)}
	r.SetBasicAuth(url.QueryEscape(clientID), url.QueryEscape(clientSecret))
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Basic ")
}
