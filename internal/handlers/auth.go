package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/juank159/agendity-backend-sub000/libs/auth"
	"github.com/juank159/agendity-backend-sub000/libs/httpx"
	"golang.org/x/crypto/bcrypt"
)

type claimsKey struct{}

// RequireJWT verifies the Bearer token and stashes its claims in the
// request context. Tokens without an owner id are rejected: every protected
// route is owner-scoped.
func RequireJWT(secret string) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const prefix = "Bearer "
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, prefix) {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			raw := strings.TrimSpace(header[len(prefix):])
			claims, err := auth.ParseAndVerifyHS256(raw, secret)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if claims.OwnerID == "" {
				writeError(w, http.StatusForbidden, "token has no owner scope")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// ClaimsFromContext returns the verified claims RequireJWT attached.
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims, ok
}

// RequireAdminKey gates operational endpoints on the X-Admin-Key header,
// compared against a bcrypt hash so the plaintext key never lives in config.
func RequireAdminKey(keyHash string) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keyHash == "" {
				writeError(w, http.StatusServiceUnavailable, "admin endpoints not configured")
				return
			}
			key := r.Header.Get("X-Admin-Key")
			if key == "" || bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)) != nil {
				writeError(w, http.StatusUnauthorized, "invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
