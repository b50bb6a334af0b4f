package oidcproxy

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenUpstream 模拟上游 token 端点，返回给定字段组成的 JSON
func tokenUpstream(t *testing.T, fields map[string]any, seen func(req *Request)) HandlerFunc {
	t.Helper()
	return func(_ context.Context, req *Request) (*Response, error) {
		if seen != nil {
			seen(req)
		}
		body, err := sonic.Marshal(fields)
		require.NoError(t, err)
		resp := NewResponse(http.StatusOK)
		resp.Header.Set("Content-Type", ContentTypeJSON)
		resp.Body = body
		return resp, nil
	}
}

// upstreamIDToken 用独立的密钥签发一个上游 id_token
func upstreamIDToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	signer := newTestSigner(t, KeyTypeECDSA)
	token, err := signer.Sign(context.Background(), map[string]any{"typ": "JWT"}, claims)
	require.NoError(t, err)
	return token
}

func newTestDPoPBinding(t *testing.T, clock *fakeClock) (*DPoPBinding, *KeySigner) {
	t.Helper()
	signer := newTestSigner(t, KeyTypeECDSA)
	b, err := NewDPoPBinding(DPoPBindingConfig{
		Verifier:      newTestDPoPVerifier(t, clock),
		Signer:        signer,
		Issuer:        "https://proxy.example",
		TokenEndpoint: testTokenEndpoint,
	})
	require.NoError(t, err)
	return b, signer
}

func dpopTokenRequest(t *testing.T, proof string) *Request {
	t.Helper()
	req := tokenRequest(t, url.Values{"grant_type": {"authorization_code"}, "code": {"XYZ"}})
	if proof != "" {
		req.Header.Set("DPoP", proof)
	}
	return req
}

func TestDPoPBinding_OpaqueAccessToken(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b, signer := newTestDPoPBinding(t, clock)
	key := generateECKey(t)

	var forwardedProof string
	upstream := tokenUpstream(t, map[string]any{
		"access_token": "opaque-token",
		"token_type":   "Bearer",
		"expires_in":   300,
		"id_token":     upstreamIDToken(t, map[string]any{"sub": "alice", "aud": "app"}),
	}, func(req *Request) { forwardedProof = req.Header.Get("DPoP") })

	proof := makeDPoPProof(t, key, "POST", testTokenEndpoint, clock.Now(), uuid.NewString(), nil)
	resp, err := b.Middleware(upstream).Handle(ctx, dpopTokenRequest(t, proof))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Empty(t, forwardedProof, "DPoP header is not forwarded upstream")

	require.NotNil(t, resp.Tokens)
	assert.Equal(t, TokenTypeDPoP, resp.Tokens.String(FieldTokenType))

	at, err := signer.Verify(ctx, resp.Tokens.String(FieldAccessToken))
	require.NoError(t, err)
	assert.Equal(t, "alice", at.StringClaim("sub"))
	assert.Equal(t, "https://proxy.example", at.StringClaim("iss"))
	assert.Equal(t, TypAccessToken, at.Header["typ"])

	jkt, err := Thumbprint(mustJWK(t, key))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"jkt": jkt}, at.Payload["cnf"])
}

func TestDPoPBinding_DecodedAccessToken(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b, _ := newTestDPoPBinding(t, clock)
	key := generateECKey(t)

	decoded := &DecodedToken{Header: map[string]any{"typ": TypAccessToken}, Payload: map[string]any{"sub": "bob"}}
	upstream := HandlerFunc(func(context.Context, *Request) (*Response, error) {
		resp := NewResponse(http.StatusOK)
		tokens, err := ParseTokenSet([]byte(`{"token_type":"Bearer"}`))
		require.NoError(t, err)
		tokens.Set(FieldAccessToken, decoded)
		resp.Tokens = tokens
		return resp, nil
	})

	proof := makeDPoPProof(t, key, "POST", testTokenEndpoint, clock.Now(), uuid.NewString(), nil)
	req := dpopTokenRequest(t, proof)
	req.Header.Set("Origin", "https://app.example")
	resp, err := b.Middleware(upstream).Handle(ctx, req)
	require.NoError(t, err)

	assert.True(t, resp.Tokens.IsDecoded(FieldAccessToken), "decoded tokens are left for the encoder")
	assert.Contains(t, decoded.Payload, "cnf")
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestDPoPBinding_Rejects(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b, _ := newTestDPoPBinding(t, clock)
	never := HandlerFunc(func(context.Context, *Request) (*Response, error) {
		t.Fatal("upstream must not be called")
		return nil, nil
	})

	t.Run("missing header", func(t *testing.T) {
		resp, err := b.Middleware(never).Handle(ctx, dpopTokenRequest(t, ""))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.Status)
		assert.Equal(t, "invalid_dpop_proof", decodeError(t, resp).Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		req, err := NewRequest(http.MethodGet, testTokenEndpoint, nil)
		require.NoError(t, err)
		resp, err := b.Middleware(never).Handle(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.Status)
	})

	t.Run("stale proof", func(t *testing.T) {
		proof := makeDPoPProof(t, generateECKey(t), "POST", testTokenEndpoint, clock.Now().Add(-2*DefaultDPoPMaxAge), uuid.NewString(), nil)
		resp, err := b.Middleware(never).Handle(ctx, dpopTokenRequest(t, proof))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.Status)
		assert.Equal(t, "invalid_dpop_proof", decodeError(t, resp).Code)
	})
}

func TestDPoPBinding_PassThrough(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	b, _ := newTestDPoPBinding(t, clock)

	t.Run("options", func(t *testing.T) {
		req, err := NewRequest(http.MethodOptions, testTokenEndpoint, nil)
		require.NoError(t, err)
		resp, err := b.Middleware(HandlerFunc(func(context.Context, *Request) (*Response, error) {
			return NewResponse(http.StatusNoContent), nil
		})).Handle(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNoContent, resp.Status)
	})

	t.Run("upstream error", func(t *testing.T) {
		proof := makeDPoPProof(t, generateECKey(t), "POST", testTokenEndpoint, clock.Now(), uuid.NewString(), nil)
		resp, err := b.Middleware(HandlerFunc(func(context.Context, *Request) (*Response, error) {
			return ErrorResponse(InvalidGrantError("bad code")), nil
		})).Handle(ctx, dpopTokenRequest(t, proof))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.Status)
		assert.Equal(t, "invalid_grant", decodeError(t, resp).Code)
	})
}

func TestNewDPoPBinding_Errors(t *testing.T) {
	clock := newFakeClock()
	v := newTestDPoPVerifier(t, clock)
	signer := newTestSigner(t, KeyTypeECDSA)

	_, err := NewDPoPBinding(DPoPBindingConfig{Signer: signer, Issuer: "x", TokenEndpoint: "y"})
	assert.ErrorIs(t, err, ErrVerifierRequired)
	_, err = NewDPoPBinding(DPoPBindingConfig{Verifier: v, Issuer: "x", TokenEndpoint: "y"})
	assert.ErrorIs(t, err, ErrSignerRequired)
	_, err = NewDPoPBinding(DPoPBindingConfig{Verifier: v, Signer: signer})
	assert.ErrorIs(t, err, ErrProxyURLRequired)
}
