package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	token, err := m.Generate("alice")
	require.NoError(t, err)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.UserID)

	_, err = NewJWTManager("other", time.Hour).Validate(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredToken(t *testing.T) {
	m := NewJWTManager("secret", time.Minute)
	m.clock = func() time.Time { return time.Now().Add(-time.Hour) }
	token, err := m.Generate("alice")
	require.NoError(t, err)

	_, err = NewJWTManager("secret", time.Minute).Validate(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRejectsOtherSigningMethods(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "alice"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = NewJWTManager("secret", time.Hour).Validate(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestFromRequest(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	token, err := m.Generate("bob")
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/pots/p1", nil)
	_, err = m.FromRequest(r)
	require.ErrorIs(t, err, ErrMissingToken)

	r.Header.Set("Authorization", "Bearer "+token)
	claims, err := m.FromRequest(r)
	require.NoError(t, err)
	require.Equal(t, "bob", claims.UserID)

	r = httptest.NewRequest("GET", "/pots/p1/feed?access_token="+token, nil)
	claims, err = m.FromRequest(r)
	require.NoError(t, err)
	require.Equal(t, "bob", claims.UserID)

	ctx := WithUser(context.Background(), "bob")
	user, ok := UserFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "bob", user)
}
