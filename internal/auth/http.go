// ABOUTME: HTTP middleware for authenticating gateway requests with bearer tokens
// ABOUTME: Extracts the JWT from the Authorization header and populates context

package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey struct{}

// WithUser returns a context carrying the authenticated user ID.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// UserFromContext extracts the authenticated user ID, if present.
func UserFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(contextKey{}).(string)
	return userID, ok
}

// AnonymousUser is the user ID injected when authentication is disabled.
const AnonymousUser = "anonymous"

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, r *http.Request, reason string) {
	if logger == nil {
		return
	}
	logger.Warn("auth failure", "reason", reason, "remote_addr", r.RemoteAddr, "path", r.URL.Path)
}

// Middleware returns HTTP middleware that requires a valid bearer token on
// every request and stores the user ID in the request context. WebSocket
// upgrade requests may carry the token in the "token" query parameter
// instead, since browser WebSocket clients cannot set headers.
func Middleware(tokens TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := bearerToken(r)
			if tokenString == "" {
				logAuthFailure(logger, r, "missing_token")
				unauthorized(w, "missing authorization")
				return
			}

			userID, err := tokens.Verify(tokenString)
			if err != nil {
				logAuthFailure(logger, r, "invalid_token")
				unauthorized(w, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
		})
	}
}

// NoAuthMiddleware returns middleware that injects an anonymous user when
// authentication is disabled, so handlers reading the context keep working.
func NoAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), AnonymousUser)))
		})
	}
}

// bearerToken pulls the token from the Authorization header, falling back
// to the "token" query parameter for WebSocket upgrades.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if !strings.HasPrefix(h, "Bearer ") {
			return ""
		}
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
