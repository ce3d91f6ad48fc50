package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"

	"sketchcredits/internal/identity"
	"sketchcredits/internal/models"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const contextKeyAccount contextKey = "account"

// jwtMiddleware authenticates the bearer token with the identity provider.
func (s *Server) jwtMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := identity.BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			respondError(w, http.StatusUnauthorized, err)
			return
		}
		account, err := s.identity.Authenticate(r.Context(), token)
		if err != nil {
			log.Printf("[WARN] [%s] token rejected: %v", middleware.GetReqID(r.Context()), err)
			respondError(w, http.StatusUnauthorized, errors.New("invalid or expired token"))
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyAccount, account)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// apiKeyMiddleware checks X-API-Key against a bcrypt hash from config.
func (s *Server) apiKeyMiddleware(name, hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hash == "" {
				respondError(w, http.StatusServiceUnavailable, errors.New(name+" API key not configured"))
				return
			}
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				respondError(w, http.StatusUnauthorized, errors.New("missing X-API-Key header"))
				return
			}
			if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey)); err != nil {
				respondError(w, http.StatusUnauthorized, errors.New("invalid API key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// accountFromContext returns the account jwtMiddleware stored, or a zero Account.
func accountFromContext(ctx context.Context) models.Account {
	if account, ok := ctx.Value(contextKeyAccount).(models.Account); ok {
		return account
	}
	return models.Account{}
}
