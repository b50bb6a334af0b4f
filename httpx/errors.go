package httpx

import (
	"errors"
	"net/http"

	"github.com/oy3o/oidcproxy"
)

// Error 把管道返回的 Go error 写成 OAuth2 错误响应。
// 协议错误在管道内部已经变成普通响应，走到这里的是代理自身或上游的故障。
func Error(w http.ResponseWriter, err error) {
	e := toError(err)
	WriteJSON(w, e.HTTPStatus(), e, Private)
}

func toError(err error) *oidcproxy.Error {
	// 1. 已经是 *oidcproxy.Error
	var oidcErr *oidcproxy.Error
	if errors.As(err, &oidcErr) {
		return oidcErr
	}

	// 2. 映射 sentinel
	if mapped := mapSentinelToError(err); mapped != nil {
		return mapped
	}

	// 3. 默认 500，不泄露内部细节
	return oidcproxy.ServerError("internal server error")
}

// mapSentinelToError 将预定义的 error 变量转换为 *oidcproxy.Error
func mapSentinelToError(err error) *oidcproxy.Error {
	switch {
	case errors.Is(err, oidcproxy.ErrNoDataForState),
		errors.Is(err, oidcproxy.ErrNoCodeInResponse),
		errors.Is(err, oidcproxy.ErrChallengeNotFound):
		// err 中带有 state 或 code，只写日志，不回显
		return oidcproxy.ServerError("authorization transaction could not be completed")
	case errors.Is(err, oidcproxy.ErrUpstream):
		return oidcproxy.BadGatewayError("upstream provider request failed")
	}
	return nil
}
