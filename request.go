package oidcproxy

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

const (
	ContentTypeForm = "application/x-www-form-urlencoded"
	ContentTypeJSON = "application/json"
)

// Request 是在管道中流转的入站请求。
// 每个请求独占一个 Request，各阶段可以原地修改。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// NewRequest 创建一个请求，主要用于测试和内部构造
func NewRequest(method, rawURL string, body []byte) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid request url: %w", err)
	}
	return &Request{
		Method: method,
		URL:    u,
		Header: make(http.Header),
		Body:   body,
	}, nil
}

// Query 返回当前 URL 的查询参数副本
func (r *Request) Query() url.Values {
	return r.URL.Query()
}

// SetQuery 用给定参数替换 URL 的查询串
func (r *Request) SetQuery(q url.Values) {
	r.URL.RawQuery = q.Encode()
}

// Charset 返回 Content-Type 声明的字符集，未声明时为 utf-8
func (r *Request) Charset() string {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return "utf-8"
	}
	_, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return "utf-8"
	}
	if cs := params["charset"]; cs != "" {
		return strings.ToLower(cs)
	}
	return "utf-8"
}

// Form 按声明的字符集解码 x-www-form-urlencoded 请求体。
// 不支持的字符集返回 invalid_request 错误。
func (r *Request) Form() (url.Values, error) {
	enc, err := lookupCharset(r.Charset())
	if err != nil {
		return nil, err
	}
	raw, err := enc.NewDecoder().Bytes(r.Body)
	if err != nil {
		return nil, InvalidRequestError("request body is not valid " + r.Charset())
	}
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, InvalidRequestError("malformed form body")
	}
	return values, nil
}

// SetForm 以声明的字符集重新编码请求体，并重新计算 Content-Length
func (r *Request) SetForm(values url.Values) error {
	enc, err := lookupCharset(r.Charset())
	if err != nil {
		return err
	}
	body, err := enc.NewEncoder().String(values.Encode())
	if err != nil {
		return InvalidRequestError("form body cannot be encoded as " + r.Charset())
	}
	r.Body = []byte(body)
	r.Header.Set("Content-Length", strconv.Itoa(len(r.Body)))
	return nil
}

func lookupCharset(name string) (encoding.Encoding, error) {
	switch name {
	case "", "utf-8", "utf8":
		return unicode.UTF8, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil || enc == nil {
		return nil, InvalidRequestError("unsupported charset: " + name)
	}
	return enc, nil
}

// Response 是上游或某个阶段产出的响应。
// Tokens 不为 nil 时，表示 token 响应处于结构化窗口期，Body 已过时，
// 由 Encode 在最终输出前重新序列化。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Tokens *TokenSet
}

// NewResponse 创建一个空响应
func NewResponse(status int) *Response {
	return &Response{Status: status, Header: make(http.Header)}
}

// Location 解析重定向响应的 Location 头，没有时返回 nil
func (r *Response) Location() (*url.URL, error) {
	loc := r.Header.Get("Location")
	if loc == "" {
		return nil, nil
	}
	u, err := url.Parse(loc)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid Location header: %v", ErrUpstream, err)
	}
	return u, nil
}

// SetLocation 写回 Location 头
func (r *Response) SetLocation(u *url.URL) {
	r.Header.Set("Location", u.String())
}

// Encode 把结构化的 token 信封写回 Body
func (r *Response) Encode() error {
	if r.Tokens == nil {
		return nil
	}
	body, err := r.Tokens.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode token response: %w", err)
	}
	r.Body = body
	r.Tokens = nil
	r.Header.Set("Content-Type", ContentTypeJSON)
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return nil
}

// Chain 组合中间件，第一个中间件位于最外层
func Chain(final Handler, mws ...Middleware) Handler {
	h := final
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		h = mws[i](h)
	}
	return h
}

// Serialize 是管道末端的收尾阶段：把仍处于结构化窗口期的 token 信封写成 JSON
func Serialize(next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		resp, err := next.Handle(ctx, req)
		if err != nil || resp == nil {
			return resp, err
		}
		return resp, resp.Encode()
	})
}
