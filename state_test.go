package oidcproxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redirectBack 模拟上游授权端点：把 state 和 code 带回 redirect_uri
func redirectBack(code string) HandlerFunc {
	return func(_ context.Context, req *Request) (*Response, error) {
		q := req.Query()
		loc, err := url.Parse(q.Get("redirect_uri"))
		if err != nil {
			return nil, err
		}
		back := url.Values{}
		if code != "" {
			back.Set("code", code)
		}
		if s := q.Get("state"); s != "" {
			back.Set("state", s)
		}
		loc.RawQuery = back.Encode()
		resp := NewResponse(http.StatusFound)
		resp.SetLocation(loc)
		resp.Body = []byte("Found")
		return resp, nil
	}
}

func authRequest(t *testing.T, query url.Values) *Request {
	t.Helper()
	req, err := NewRequest(http.MethodGet, "https://proxy.example/auth?"+query.Encode(), nil)
	require.NoError(t, err)
	return req
}

func TestStateCorrelation_ClientState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore[bool]()
	sc, err := NewStateCorrelation(store, nil)
	require.NoError(t, err)

	var forwarded string
	h := sc.Middleware(HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		forwarded = req.Query().Get("state")
		return redirectBack("XYZ")(ctx, req)
	}))

	resp, err := h.Handle(ctx, authRequest(t, url.Values{
		"redirect_uri": {"https://app.example/cb"},
		"state":        {"client-state"},
	}))
	require.NoError(t, err)
	assert.Equal(t, "client-state", forwarded)

	loc, err := resp.Location()
	require.NoError(t, err)
	assert.Equal(t, "client-state", loc.Query().Get("state"))
	assert.Equal(t, "XYZ", loc.Query().Get("code"))

	entries, _ := store.Entries(ctx)
	assert.Empty(t, entries, "state entry is consumed by the redirect")
}

func TestStateCorrelation_GeneratedState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore[bool]()
	sc, err := NewStateCorrelation(store, nil)
	require.NoError(t, err)

	var forwarded string
	h := sc.Middleware(HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		forwarded = req.Query().Get("state")
		return redirectBack("XYZ")(ctx, req)
	}))

	resp, err := h.Handle(ctx, authRequest(t, url.Values{"redirect_uri": {"https://app.example/cb"}}))
	require.NoError(t, err)
	assert.NotEmpty(t, forwarded, "upstream always receives a state")

	loc, err := resp.Location()
	require.NoError(t, err)
	assert.False(t, loc.Query().Has("state"), "generated state is stripped from the redirect")
	assert.Equal(t, "XYZ", loc.Query().Get("code"))
	assert.Nil(t, resp.Body)
}

func TestStateCorrelation_UnknownStatePassesThrough(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore[bool]()
	sc, err := NewStateCorrelation(store, nil)
	require.NoError(t, err)

	h := sc.Middleware(HandlerFunc(func(context.Context, *Request) (*Response, error) {
		resp := NewResponse(http.StatusFound)
		resp.Header.Set("Location", "https://app.example/cb?state=somebody-else&code=1")
		return resp, nil
	}))
	resp, err := h.Handle(ctx, authRequest(t, url.Values{"state": {"mine"}}))
	require.NoError(t, err)
	loc, _ := resp.Location()
	assert.Equal(t, "somebody-else", loc.Query().Get("state"))

	ok, _ := store.Has(ctx, "mine")
	assert.False(t, ok)
}

func TestAuthorizeChain_RejectedRequestLeavesNoEntries(t *testing.T) {
	loginPage := HandlerFunc(func(context.Context, *Request) (*Response, error) {
		resp := NewResponse(http.StatusOK)
		resp.Body = []byte("<html>login</html>")
		return resp, nil
	})
	rejectClient := HandlerFunc(func(context.Context, *Request) (*Response, error) {
		return ErrorResponse(InvalidClientError("unknown client")), nil
	})
	withChallenge := url.Values{
		"client_id":             {"app"},
		"redirect_uri":          {"https://app.example/cb"},
		"code_challenge":        {rfcChallenge},
		"code_challenge_method": {"S256"},
	}

	tests := []struct {
		name       string
		final      Handler
		query      url.Values
		wantStatus int
	}{
		{"missing challenge", loginPage, url.Values{"client_id": {"app"}, "state": {"abc"}}, http.StatusBadRequest},
		{"client rejected", rejectClient, withChallenge, http.StatusBadRequest},
		{"upstream login page", loginPage, withChallenge, http.StatusOK},
	}
	for _, tt := range tests {
		for _, state := range []string{"", "abc"} {
			t.Run(tt.name+"/state="+state, func(t *testing.T) {
				ctx := context.Background()
				states := NewMemoryStore[bool]()
				sc, err := NewStateCorrelation(states, nil)
				require.NoError(t, err)
				p, challenges := newTestPKCE(t)

				q := url.Values{}
				for k, v := range tt.query {
					q[k] = v
				}
				if state != "" {
					q.Set("state", state)
				}
				resp, err := Chain(tt.final, sc.Middleware, p.Auth, p.Code).Handle(ctx, authRequest(t, q))
				require.NoError(t, err)
				assert.Equal(t, tt.wantStatus, resp.Status)

				stateEntries, err := states.Entries(ctx)
				require.NoError(t, err)
				assert.Empty(t, stateEntries)
				challengeEntries, err := challenges.Entries(ctx)
				require.NoError(t, err)
				assert.Empty(t, challengeEntries)
			})
		}
	}
}

func TestAuthorizeChain_RedirectKeepsOnlyCodeEntry(t *testing.T) {
	ctx := context.Background()
	states := NewMemoryStore[bool]()
	sc, err := NewStateCorrelation(states, nil)
	require.NoError(t, err)
	p, challenges := newTestPKCE(t)

	resp, err := Chain(redirectBack("XYZ"), sc.Middleware, p.Auth, p.Code).Handle(ctx, authRequest(t, url.Values{
		"redirect_uri":          {"https://app.example/cb"},
		"code_challenge":        {rfcChallenge},
		"code_challenge_method": {"S256"},
	}))
	require.NoError(t, err)
	loc, err := resp.Location()
	require.NoError(t, err)
	assert.False(t, loc.Query().Has("state"))

	stateEntries, _ := states.Entries(ctx)
	assert.Empty(t, stateEntries)
	challengeEntries, _ := challenges.Entries(ctx)
	assert.Len(t, challengeEntries, 1)
	assert.Contains(t, challengeEntries, "XYZ")
}

func TestStateCorrelation_ErrorDiscardsState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore[bool]()
	sc, err := NewStateCorrelation(store, nil)
	require.NoError(t, err)

	boom := errors.New("upstream down")
	h := sc.Middleware(HandlerFunc(func(context.Context, *Request) (*Response, error) { return nil, boom }))
	_, err = h.Handle(ctx, authRequest(t, url.Values{"state": {"s"}}))
	assert.ErrorIs(t, err, boom)

	ok, _ := store.Has(ctx, "s")
	assert.False(t, ok)
}

func TestNewStateCorrelation_RequiresStore(t *testing.T) {
	_, err := NewStateCorrelation(nil, nil)
	assert.ErrorIs(t, err, ErrStoreRequired)
}
