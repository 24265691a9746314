package auth

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestResolveVerified(t *testing.T) {
	r := NewResolver("s3cret", true, zerolog.Nop())
	token := signedToken(t, "s3cret", jwt.MapClaims{"uid": "U1", "role": "dashboard"})

	id, err := r.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "U1", id.UID)
	assert.Equal(t, "dashboard", id.Role)
}

func TestResolveRejectsBadSignature(t *testing.T) {
	r := NewResolver("s3cret", true, zerolog.Nop())
	token := signedToken(t, "wrong-secret", jwt.MapClaims{"uid": "U1"})

	_, err := r.Resolve(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestResolveRejectsGarbageToken(t *testing.T) {
	r := NewResolver("s3cret", true, zerolog.Nop())
	_, err := r.Resolve(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestResolveRejectsMissingUserClaim(t *testing.T) {
	r := NewResolver("s3cret", true, zerolog.Nop())
	token := signedToken(t, "s3cret", jwt.MapClaims{"scope": "everything"})

	_, err := r.Resolve(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestResolveNoToken(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		r := NewResolver("s3cret", enabled, zerolog.Nop())
		_, err := r.Resolve(context.Background(), "")
		assert.ErrorIs(t, err, ErrNoToken)
	}
}

func TestResolveUnverifiedDecodesClaims(t *testing.T) {
	// Verification disabled: the signature key is irrelevant, the claims
	// still come out.
	r := NewResolver("", false, zerolog.Nop())
	token := signedToken(t, "whatever", jwt.MapClaims{"sub": "S1"})

	id, err := r.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "S1", id.UID)
}

func TestResolveUnverifiedFallsBackToRawToken(t *testing.T) {
	r := NewResolver("", false, zerolog.Nop())

	id, err := r.Resolve(context.Background(), "TELENET_81*14946*0011")
	require.NoError(t, err)
	assert.Equal(t, "TELENET_81*14946*0011", id.UID)

	// JWT-shaped but undecodable: the raw value is still accepted.
	id, err = r.Resolve(context.Background(), "a.b.c")
	require.NoError(t, err)
	assert.Equal(t, "a.b.c", id.UID)
}

func TestResolveCancelledContext(t *testing.T) {
	r := NewResolver("s3cret", true, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Resolve(ctx, signedToken(t, "s3cret", jwt.MapClaims{"uid": "U1"}))
	assert.Error(t, err)
}

func TestIdentityFromClaims(t *testing.T) {
	// uid wins over the alternatives.
	id, ok := identityFromClaims(jwt.MapClaims{"sub": "S", "uid": "U"})
	require.True(t, ok)
	assert.Equal(t, "U", id.UID)

	// Numeric ids are coerced to strings.
	id, ok = identityFromClaims(jwt.MapClaims{"user_id": float64(42)})
	require.True(t, ok)
	assert.Equal(t, "42", id.UID)

	// Carrier-specific claim as the last resort.
	id, ok = identityFromClaims(jwt.MapClaims{"TELENET_userId": "T9"})
	require.True(t, ok)
	assert.Equal(t, "T9", id.UID)

	_, ok = identityFromClaims(jwt.MapClaims{"uid": ""})
	assert.False(t, ok)
}
