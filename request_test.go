package oidcproxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest_Charset(t *testing.T) {
	tests := []struct {
		contentType string
		want        string
	}{
		{"", "utf-8"},
		{ContentTypeForm, "utf-8"},
		{ContentTypeForm + "; charset=ISO-8859-1", "iso-8859-1"},
		{"not a media type;;", "utf-8"},
	}
	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			req, err := NewRequest(http.MethodPost, testTokenEndpoint, nil)
			require.NoError(t, err)
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			assert.Equal(t, tt.want, req.Charset())
		})
	}
}

func TestRequest_FormLatin1(t *testing.T) {
	body := append([]byte("client_name=caf"), 0xE9)
	req, err := NewRequest(http.MethodPost, testTokenEndpoint, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", ContentTypeForm+"; charset=iso-8859-1")

	form, err := req.Form()
	require.NoError(t, err)
	assert.Equal(t, "café", form.Get("client_name"))

	form.Set("client_id", "upstream")
	require.NoError(t, req.SetForm(form))
	assert.Equal(t, strconv.Itoa(len(req.Body)), req.Header.Get("Content-Length"))

	again, err := req.Form()
	require.NoError(t, err)
	assert.Equal(t, "upstream", again.Get("client_id"))
}

func TestRequest_UnsupportedCharset(t *testing.T) {
	req, err := NewRequest(http.MethodPost, testTokenEndpoint, []byte("a=b"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", ContentTypeForm+"; charset=x-klingon")

	_, err = req.Form()
	var oauthErr *Error
	require.True(t, errors.As(err, &oauthErr))
	assert.Equal(t, "invalid_request", oauthErr.Code)
	assert.Equal(t, http.StatusBadRequest, oauthErr.HTTPStatus())

	assert.Error(t, req.SetForm(url.Values{"a": {"b"}}))
}

func TestRequest_Query(t *testing.T) {
	req, err := NewRequest(http.MethodGet, "https://proxy.example/auth?a=1", nil)
	require.NoError(t, err)
	q := req.Query()
	q.Set("b", "2")
	assert.Equal(t, "a=1", req.URL.RawQuery, "Query returns a copy")
	req.SetQuery(q)
	assert.Equal(t, "a=1&b=2", req.URL.RawQuery)
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
				order = append(order, name)
				return next.Handle(ctx, req)
			})
		}
	}
	final := HandlerFunc(func(context.Context, *Request) (*Response, error) {
		order = append(order, "final")
		return NewResponse(http.StatusOK), nil
	})

	req, err := NewRequest(http.MethodGet, "https://proxy.example/", nil)
	require.NoError(t, err)
	_, err = Chain(final, mw("outer"), nil, mw("inner")).Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "final"}, order)
}

func TestResponse_Location(t *testing.T) {
	resp := NewResponse(http.StatusFound)
	loc, err := resp.Location()
	require.NoError(t, err)
	assert.Nil(t, loc)

	resp.SetLocation(&url.URL{Scheme: "https", Host: "app.example", Path: "/cb", RawQuery: "code=1"})
	loc, err = resp.Location()
	require.NoError(t, err)
	assert.Equal(t, "1", loc.Query().Get("code"))
}

func TestErrorResponse(t *testing.T) {
	resp := ErrorResponse(InvalidGrantError("code expired"))
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.JSONEq(t, `{"error":"invalid_grant","error_description":"code expired"}`, string(resp.Body))

	assert.Equal(t, http.StatusInternalServerError, NewError("x", "", 0).HTTPStatus())
}

func TestIsAbsoluteURI(t *testing.T) {
	assert.True(t, IsAbsoluteURI("https://app.example/id#me"))
	assert.True(t, IsAbsoluteURI(PublicClientIdentifier))
	assert.False(t, IsAbsoluteURI("my-client"))
	assert.False(t, IsAbsoluteURI("urn:example:client"))
	assert.False(t, IsAbsoluteURI(""))
}
