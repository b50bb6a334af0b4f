package oidcproxy

import (
	"io"
	"net/url"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// DecodeJSON 是一个安全的 JSON 解码辅助函数。
// 它启用 UseNumber() 选项，防止大整数（如 expires_in、iat）被错误解析为 float64 导致精度丢失。
func DecodeJSON(r io.Reader, v any) error {
	d := sonic.ConfigDefault.NewDecoder(r)
	d.UseNumber()
	return d.Decode(v)
}

// NewState 生成代理自己的 state 值
func NewState() string {
	return uuid.NewString()
}

// IsAbsoluteURI 判断字符串是否是带 scheme 和 host 的绝对 URI
func IsAbsoluteURI(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.IsAbs() && u.Host != ""
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
