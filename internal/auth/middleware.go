package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxRemoteIP
)

// RequestUserID returns the authenticated user ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// WithUserID returns a context carrying userID as the authenticated
// identity.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxUserID, userID)
}

// Middleware returns HTTP middleware that validates Bearer tokens.
// Unauthenticated requests get a JSON 401 and nothing downstream runs.
func Middleware(store *Store, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				unauthorized(w, "missing bearer token")

				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")

			var userID, via string

			if strings.HasPrefix(token, APIKeyPrefix) {
				if ak := store.ValidateAPIKey(token); ak != nil {
					userID, via = ak.UserID, "api_key"
				}
			} else if sess := store.ValidateToken(token); sess != nil {
				userID, via = sess.UserID, "token"
			}

			if userID == "" {
				logger.Debug("middleware: invalid credential",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				unauthorized(w, "invalid or expired credential")

				return
			}

			logger.Debug("middleware: authenticated",
				slog.String("user_id", userID),
				slog.String("via", via),
				slog.String("ip", ip),
			)

			ctx := WithUserID(r.Context(), userID)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="task-sync"`)
	writeJSONError(w, http.StatusUnauthorized, "unauthorized", description)
}
