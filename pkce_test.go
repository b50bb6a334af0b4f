package oidcproxy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 7636 Appendix B
const (
	rfcVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	rfcChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func TestComputePKCEChallenge(t *testing.T) {
	challenge, err := ComputePKCEChallenge(CodeChallengeMethodS256, rfcVerifier)
	require.NoError(t, err)
	assert.Equal(t, rfcChallenge, challenge)

	challenge, err = ComputePKCEChallenge(CodeChallengeMethodPlain, rfcVerifier)
	require.NoError(t, err)
	assert.Equal(t, rfcVerifier, challenge)

	_, err = ComputePKCEChallenge("MD5", rfcVerifier)
	assert.ErrorIs(t, err, ErrUnsupportedPKCEChallengeMethod)
}

func TestVerifyPKCE(t *testing.T) {
	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		wantErr   error
	}{
		{"s256 match", rfcChallenge, CodeChallengeMethodS256, rfcVerifier, nil},
		{"plain match", rfcVerifier, CodeChallengeMethodPlain, rfcVerifier, nil},
		{"s256 mismatch", rfcChallenge, CodeChallengeMethodS256, strings.Repeat("a", 43), ErrPKCEVerificationFailed},
		{"plain mismatch", "other", CodeChallengeMethodPlain, rfcVerifier, ErrPKCEVerificationFailed},
		{"too short", rfcChallenge, CodeChallengeMethodS256, strings.Repeat("a", 42), ErrPKCEVerifierInvalidLength},
		{"too long", rfcChallenge, CodeChallengeMethodS256, strings.Repeat("a", 129), ErrPKCEVerifierInvalidLength},
		{"bad characters", rfcChallenge, CodeChallengeMethodS256, strings.Repeat("a", 42) + "!", ErrPKCEVerifierInvalidCharacters},
		{"unknown method", rfcChallenge, "MD5", rfcVerifier, ErrUnsupportedPKCEChallengeMethod},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyPKCE(tt.challenge, tt.method, tt.verifier)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerifyPKCE_LengthBoundaries(t *testing.T) {
	for _, n := range []int{43, 128} {
		v := strings.Repeat("x", n)
		c, err := ComputePKCEChallenge(CodeChallengeMethodS256, v)
		require.NoError(t, err)
		assert.NoError(t, VerifyPKCE(c, CodeChallengeMethodS256, v), "length %d", n)
	}
}

func TestSupportedChallengeMethod(t *testing.T) {
	assert.True(t, SupportedChallengeMethod("S256"))
	assert.True(t, SupportedChallengeMethod("plain"))
	assert.False(t, SupportedChallengeMethod("s256"))
	assert.False(t, SupportedChallengeMethod(""))
}
