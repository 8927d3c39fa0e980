package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tphummel/fleetwatch/internal/auth"
)

// TokenValidator checks an admin bearer token.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*auth.Claims, error)
}

type contextKey string

const tokenKey contextKey = "admin_token"

// Auth returns a handler that requires a valid Bearer token before
// delegating to next. Responds with 401 if the header is missing, malformed,
// or the token is rejected by v. The accepted token is stored in the request
// context for TokenFromContext.
func Auth(v TokenValidator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			unauthorized(w, "missing bearer token")
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if _, err := v.Validate(r.Context(), token); err != nil {
			unauthorized(w, "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), tokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TokenFromContext returns the bearer token accepted by Auth.
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="fleetwatch"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
		"error":   "unauthorized",
		"message": msg,
	})
}
