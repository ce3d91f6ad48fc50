package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"sketchcredits/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticateRoundTrip(t *testing.T) {
	v := NewJWTVerifier("secret", "auth.example")
	token, err := v.Issue(models.Account{ID: "acct_1", Email: "a@example.com"}, time.Hour)
	require.NoError(t, err)

	acct, err := v.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "acct_1", acct.ID)
	assert.Equal(t, "a@example.com", acct.Email)
}

func TestAuthenticateRejects(t *testing.T) {
	v := NewJWTVerifier("secret", "auth.example")
	expired, err := v.Issue(models.Account{ID: "acct_1"}, -time.Minute)
	require.NoError(t, err)
	otherSecret, err := NewJWTVerifier("other", "auth.example").Issue(models.Account{ID: "acct_1"}, time.Hour)
	require.NoError(t, err)
	otherIssuer, err := NewJWTVerifier("secret", "elsewhere").Issue(models.Account{ID: "acct_1"}, time.Hour)
	require.NoError(t, err)
	noSubject, err := v.Issue(models.Account{}, time.Hour)
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "acct_1", Issuer: "auth.example"},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	wrongAlg, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "acct_1",
			Issuer:    "auth.example",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"expired":      expired,
		"other secret": otherSecret,
		"other issuer": otherIssuer,
		"no subject":   noSubject,
		"no expiry":    noExpiry,
		"wrong alg":    wrongAlg,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Authenticate(context.Background(), token)
			assert.True(t, errors.Is(err, ErrUnauthenticated), "got %v", err)
		})
	}
}

func TestAuthenticateWithoutSecret(t *testing.T) {
	_, err := NewJWTVerifier("", "").Authenticate(context.Background(), "x.y.z")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestBearerToken(t *testing.T) {
	token, err := BearerToken("Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	for _, h := range []string{"", "abc", "Basic abc", "Bearer", "Bearer a b"} {
		_, err := BearerToken(h)
		assert.ErrorIs(t, err, ErrUnauthenticated, "header %q", h)
	}
}
