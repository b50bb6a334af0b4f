package oidcproxy

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t testing.TB, kt KeyType) *KeySigner {
	t.Helper()
	priv, err := NewKey(kt)
	require.NoError(t, err)
	key, err := KeyFromPrivate(priv, "")
	require.NoError(t, err)
	signer, err := NewKeySigner(key)
	require.NoError(t, err)
	return signer
}

func TestKeySigner_SignVerify(t *testing.T) {
	for _, kt := range []KeyType{KeyTypeRSA, KeyTypeECDSA, KeyTypeEd25519} {
		t.Run(string(kt), func(t *testing.T) {
			ctx := context.Background()
			signer := newTestSigner(t, kt)

			token, err := signer.Sign(ctx,
				map[string]any{"typ": TypAccessToken, "kid": "ignored", "alg": "none"},
				map[string]any{"sub": "alice", "aud": "solid"})
			require.NoError(t, err)

			decoded, err := signer.Verify(ctx, token)
			require.NoError(t, err)
			assert.Equal(t, "alice", decoded.StringClaim("sub"))
			assert.Equal(t, TypAccessToken, decoded.Header["typ"])
			assert.Equal(t, signer.KeyID(), decoded.Header["kid"])
			assert.NotEqual(t, "none", decoded.Header["alg"])
		})
	}
}

func TestKeySigner_VerifyRejectsForeignKey(t *testing.T) {
	ctx := context.Background()
	a := newTestSigner(t, KeyTypeECDSA)
	b := newTestSigner(t, KeyTypeECDSA)

	token, err := a.Sign(ctx, nil, map[string]any{"sub": "alice"})
	require.NoError(t, err)
	_, err = b.Verify(ctx, token)
	assert.Error(t, err)
}

func TestKeySigner_PublicJWKS(t *testing.T) {
	signer := newTestSigner(t, KeyTypeECDSA)
	set, err := signer.PublicJWKS()
	require.NoError(t, err)
	require.Len(t, set.Keys, 1)

	k := set.Keys[0]
	assert.Equal(t, "EC", k.Kty)
	assert.Equal(t, signer.KeyID(), k.Kid)
	assert.Equal(t, "ES256", k.Alg)
	assert.NotEmpty(t, k.X)
}

func TestNewKeySigner_Errors(t *testing.T) {
	_, err := NewKeySigner()
	assert.ErrorIs(t, err, ErrNoSigningKey)

	priv, err := NewKey(KeyTypeECDSA)
	require.NoError(t, err)
	key, err := KeyFromPrivate(priv, "k1")
	require.NoError(t, err)
	pub, err := key.PublicKey()
	require.NoError(t, err)
	_, err = NewKeySigner(pub)
	assert.ErrorIs(t, err, ErrNoSigningKey)
}

func TestParseKeyType(t *testing.T) {
	tests := map[string]KeyType{
		"":        KeyTypeRSA,
		"RSA":     KeyTypeRSA,
		"ecdsa":   KeyTypeECDSA,
		"ec":      KeyTypeECDSA,
		"Ed25519": KeyTypeEd25519,
		"okp":     KeyTypeEd25519,
	}
	for in, want := range tests {
		got, err := ParseKeyType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseKeyType("dsa")
	assert.ErrorIs(t, err, ErrUnsupportedKey)
}

func TestLoadOrGenerateKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys", "signing.pem")
	password := []byte("hunter2")

	first, err := LoadOrGenerateKey(path, KeyTypeECDSA, password)
	require.NoError(t, err)
	second, err := LoadOrGenerateKey(path, KeyTypeECDSA, password)
	require.NoError(t, err)

	k1, err := KeyFromPrivate(first, "")
	require.NoError(t, err)
	k2, err := KeyFromPrivate(second, "")
	require.NoError(t, err)
	assert.Equal(t, k1.KeyID(), k2.KeyID(), "second call loads the saved key")

	_, err = LoadKey(path, []byte("wrong"))
	assert.Error(t, err)

	keys, err := LoadSigningKeys(path, password)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, k1.KeyID(), keys[0].KeyID())
}
