// Package identity verifies tokens issued by the external auth provider.
// Accounts are owned there; this service only learns an id and an email.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sketchcredits/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Provider resolves a bearer token to the account it was issued for.
type Provider interface {
	Authenticate(ctx context.Context, token string) (models.Account, error)
}

// Claims is the token shape the auth provider issues: sub is the account id.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 tokens signed with the shared provider secret.
type JWTVerifier struct {
	secret []byte
	issuer string
}

func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

func (v *JWTVerifier) Authenticate(ctx context.Context, token string) (models.Account, error) {
	if len(v.secret) == 0 {
		return models.Account{}, fmt.Errorf("%w: JWT secret key not configured", ErrUnauthenticated)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return models.Account{}, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return models.Account{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return models.Account{}, fmt.Errorf("%w: invalid token claims", ErrUnauthenticated)
	}
	return models.Account{ID: claims.Subject, Email: claims.Email}, nil
}

// Issue signs a token for an account. Production tokens come from the auth
// provider; this exists for local tooling and tests.
func (v *JWTVerifier) Issue(account models.Account, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", errors.New("JWT secret key not configured")
	}
	now := time.Now()
	claims := Claims{
		Email: account.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    v.issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("%w: missing authorization header", ErrUnauthenticated)
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", fmt.Errorf("%w: invalid authorization header format", ErrUnauthenticated)
	}
	return parts[1], nil
}

var _ Provider = (*JWTVerifier)(nil)
