package oidcproxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// StateCorrelation 保证每个转发到上游的授权请求都带有 state。
// 请求阶段记录 state 是否来自客户端，响应阶段据此决定是否从重定向中去掉 state。
type StateCorrelation struct {
	store  Store[bool]
	logger zerolog.Logger
}

// NewStateCorrelation 创建 state 关联处理器，store 中 true 表示客户端自带的 state
func NewStateCorrelation(store Store[bool], logger *zerolog.Logger) (*StateCorrelation, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	s := &StateCorrelation{store: store, logger: zerolog.Nop()}
	if logger != nil {
		s.logger = *logger
	}
	return s, nil
}

// Middleware 实现请求和响应两个方向的处理
func (s *StateCorrelation) Middleware(next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		q := req.Query()
		state := q.Get("state")
		clientSupplied := state != ""
		if !clientSupplied {
			state = NewState()
			q.Set("state", state)
			req.SetQuery(q)
		}
		if err := s.store.Set(ctx, state, clientSupplied); err != nil {
			return nil, fmt.Errorf("failed to store state: %w", err)
		}

		resp, err := next.Handle(ctx, req)
		if err != nil || !redirectCarriesState(resp, state) {
			// 没有带回本次 state 的重定向，这个事务已经结束
			s.discard(ctx, state)
			return resp, err
		}
		return s.restore(ctx, resp, state)
	})
}

func (s *StateCorrelation) discard(ctx context.Context, state string) {
	if _, err := s.store.Delete(ctx, state); err != nil {
		s.logger.Error().Err(err).Str("state", state).Msg("failed to discard state")
	}
}

func (s *StateCorrelation) restore(ctx context.Context, resp *Response, state string) (*Response, error) {
	clientSupplied, err := s.store.Take(ctx, state)
	if errors.Is(err, ErrEntryNotFound) {
		s.logger.Debug().Str("state", state).Msg("state already consumed, passing through")
		return resp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	if clientSupplied {
		return resp, nil
	}

	loc, err := resp.Location()
	if err != nil {
		return nil, err
	}
	q := loc.Query()
	q.Del("state")
	loc.RawQuery = q.Encode()
	resp.SetLocation(loc)
	resp.Body = nil
	resp.Header.Del("Content-Length")
	return resp, nil
}

// redirectCarriesState 判断响应是否为把 state 带回客户端的重定向
func redirectCarriesState(resp *Response, state string) bool {
	if resp == nil || resp.Status < 300 || resp.Status >= 400 {
		return false
	}
	loc, err := resp.Location()
	if err != nil || loc == nil {
		return false
	}
	return loc.Query().Get("state") == state
}
