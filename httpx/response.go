package httpx

import (
	"net/http"

	"github.com/bytedance/sonic"
)

// CachePolicy 决定代理自身 JSON 响应的缓存与跨域头
type CachePolicy int

const (
	// Private 用于错误响应，RFC 6749 Section 5.1 要求 no-store
	Private CachePolicy = iota
	// Public 用于发现文档和 JWKS，任意来源可读且允许缓存
	Public
)

// WriteJSON 写出代理自身产出的 JSON 响应 (发现文档, JWKS, 错误)
func WriteJSON(w http.ResponseWriter, status int, data any, policy CachePolicy) {
	header := w.Header()
	header.Set("Content-Type", "application/json;charset=UTF-8")

	switch policy {
	case Public:
		header.Set("Cache-Control", "public, max-age=3600")
		header.Set("Access-Control-Allow-Origin", "*")
		header.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	default:
		header.Set("Cache-Control", "no-store")
		header.Set("Pragma", "no-cache")
	}

	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if data != nil {
		_ = sonic.ConfigDefault.NewEncoder(w).Encode(data)
	}
}
