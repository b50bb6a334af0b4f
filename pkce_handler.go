package oidcproxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
)

const (
	// GrantTypeAuthorizationCode 是唯一需要 PKCE 校验的授权类型
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// PKCE 在授权端点和 token 端点之间关联 challenge 与 verifier，
// 让不支持 PKCE 的上游也能为客户端提供 PKCE 保护。
type PKCE struct {
	store   Store[ChallengeAndMethod]
	logger  zerolog.Logger
	metrics *Metrics
}

// PKCEConfig 配置 PKCE
type PKCEConfig struct {
	Store   Store[ChallengeAndMethod]
	Logger  *zerolog.Logger
	Metrics *Metrics
}

// NewPKCE 创建 PKCE 处理器
func NewPKCE(cfg PKCEConfig) (*PKCE, error) {
	if cfg.Store == nil {
		return nil, ErrStoreRequired
	}
	p := &PKCE{store: cfg.Store, logger: zerolog.Nop(), metrics: cfg.Metrics}
	if cfg.Logger != nil {
		p.logger = *cfg.Logger
	}
	return p, nil
}

// Auth 是授权请求阶段：
// 取出 code_challenge / code_challenge_method，以 state 为键保存，然后从转发的查询串中移除。
func (p *PKCE) Auth(next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		q := req.Query()
		challenge := q.Get("code_challenge")
		if challenge == "" {
			return ErrorResponse(InvalidRequestError("code_challenge is required")), nil
		}
		method := q.Get("code_challenge_method")
		if method == "" {
			return ErrorResponse(InvalidRequestError("code_challenge_method is required")), nil
		}
		if !SupportedChallengeMethod(method) {
			return ErrorResponse(InvalidRequestError("unsupported code_challenge_method: " + method)), nil
		}

		entry := ChallengeAndMethod{Challenge: challenge, Method: method}
		state := q.Get("state")
		if state == "" {
			state = NewState()
			q.Set("state", state)
		} else {
			entry.ClientState = state
		}

		if err := p.store.Set(ctx, state, entry); err != nil {
			return nil, fmt.Errorf("failed to store pkce challenge: %w", err)
		}

		q.Del("code_challenge")
		q.Del("code_challenge_method")
		req.SetQuery(q)

		p.logger.Debug().
			Str("state", state).
			Bool("generated_state", entry.ClientState == "").
			Msg("pkce challenge stored")

		resp, err := next.Handle(ctx, req)
		if err != nil || !redirectCarriesState(resp, state) {
			// Code 阶段已迁移的条目不受影响，其余情况都不会再有人来取
			if _, delErr := p.store.Delete(ctx, state); delErr != nil {
				p.logger.Error().Err(delErr).Str("state", state).Msg("failed to discard pkce challenge")
			}
		}
		return resp, err
	})
}

// Code 是上游重定向阶段：把 challenge 从 state 键迁移到 code 键。
func (p *PKCE) Code(next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		resp, err := next.Handle(ctx, req)
		if err != nil || resp == nil {
			return resp, err
		}

		loc, err := resp.Location()
		if err != nil {
			return nil, err
		}
		if loc == nil {
			return resp, nil
		}
		q := loc.Query()
		state := q.Get("state")
		if state == "" {
			return resp, nil
		}

		entry, err := p.store.Take(ctx, state)
		if errors.Is(err, ErrEntryNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoDataForState, state)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load pkce challenge: %w", err)
		}

		if entry.ClientState == "" {
			q.Del("state")
			resp.Body = nil
			resp.Header.Del("Content-Length")
		}

		// 上游拒绝授权时没有 code，直接把错误转交给客户端
		if q.Get("error") != "" {
			loc.RawQuery = q.Encode()
			resp.SetLocation(loc)
			p.logger.Debug().Str("state", state).Str("error", q.Get("error")).Msg("upstream returned an authorization error")
			return resp, nil
		}

		code := q.Get("code")
		if code == "" {
			return nil, fmt.Errorf("%w: state %s", ErrNoCodeInResponse, state)
		}
		if err := p.store.Set(ctx, code, entry); err != nil {
			return nil, fmt.Errorf("failed to rekey pkce challenge: %w", err)
		}

		loc.RawQuery = q.Encode()
		resp.SetLocation(loc)
		p.logger.Debug().Str("state", state).Msg("pkce challenge rekeyed to authorization code")
		return resp, nil
	})
}

// Token 是 token 请求阶段：用 code 找到 challenge 并校验 code_verifier，
// 通过后从请求体中移除 code_verifier 再转发。
func (p *PKCE) Token(next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		if req.Method == http.MethodOptions {
			return next.Handle(ctx, req)
		}

		form, err := req.Form()
		if err != nil {
			return errorResponseOr(err)
		}

		grantType := form.Get("grant_type")
		code := form.Get("code")
		if code == "" {
			code = form.Get("auth_code")
		}
		if grantType != "" && grantType != GrantTypeAuthorizationCode && code == "" {
			return next.Handle(ctx, req)
		}

		verifier := form.Get("code_verifier")
		if verifier == "" {
			return ErrorResponse(InvalidRequestError("code_verifier is required")), nil
		}
		if code == "" {
			return ErrorResponse(InvalidRequestError("code is required")), nil
		}
		if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
			return ErrorResponse(InvalidRequestError("code_verifier must be between 43 and 128 characters")), nil
		}

		entry, err := p.store.Take(ctx, code)
		if errors.Is(err, ErrEntryNotFound) {
			p.metrics.pkce(ctx, "missing")
			return nil, fmt.Errorf("%w: %s", ErrChallengeNotFound, code)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load pkce challenge: %w", err)
		}

		switch err := VerifyPKCE(entry.Challenge, entry.Method, verifier); {
		case err == nil:
		case errors.Is(err, ErrPKCEVerificationFailed):
			p.metrics.pkce(ctx, "mismatch")
			p.logger.Warn().Msg("pkce verifier does not match the stored challenge")
			return ErrorResponse(InvalidGrantError("Code challenges do not match.")), nil
		default:
			p.metrics.pkce(ctx, "invalid")
			return ErrorResponse(InvalidRequestError(err.Error())), nil
		}
		p.metrics.pkce(ctx, "match")

		form.Del("code_verifier")
		if err := req.SetForm(form); err != nil {
			return errorResponseOr(err)
		}
		return next.Handle(ctx, req)
	})
}

// errorResponseOr 把 *Error 渲染为协议层响应，其余错误原样上抛
func errorResponseOr(err error) (*Response, error) {
	var oauthErr *Error
	if errors.As(err, &oauthErr) && oauthErr.HTTPStatus() < http.StatusInternalServerError {
		return ErrorResponse(oauthErr), nil
	}
	return nil, err
}
