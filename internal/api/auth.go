// Package api provides HTTP handlers and middleware for the Quorum API.
package api

import (
	"net/http"
	"strings"

	"github.com/quorumhq/quorum/internal/identity"
	"github.com/quorumhq/quorum/internal/middleware"
)

// TokenValidator validates a bearer token and returns its claims.
// Satisfied by identity.JWTService.
type TokenValidator interface {
	ValidateToken(tokenString string) (*identity.Claims, error)
}

// RequireAuth returns middleware that rejects requests without a valid
// bearer access token and stores the authenticated actor on the request
// context for handlers and the logging middleware.
func RequireAuth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				ctx := middleware.SetErrorCode(r.Context(), ErrCodeAuthFailed)
				WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "Missing or malformed Authorization header")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				ctx := middleware.SetErrorCode(r.Context(), ErrCodeAuthFailed)
				WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "Invalid or expired token")
				return
			}

			// Refresh tokens only mint new access tokens; they never
			// authorize API calls directly.
			if claims.Type != identity.TokenTypeAccess {
				ctx := middleware.SetErrorCode(r.Context(), ErrCodeAuthFailed)
				WriteError(w, ctx, http.StatusUnauthorized, ErrCodeAuthFailed, "Access token required")
				return
			}

			actor := claims.Actor
			if actor == "" {
				actor = claims.Subject
			}

			ctx := middleware.SetActor(r.Context(), actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from an "Authorization: Bearer ..." header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}
