package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bundl/bundl/internal/httpserver"
)

// Middleware authenticates the caller via a bearer access token minted by
// the external token-issuing collaborator. If blacklistKey is non-empty,
// a token's jti is checked against that Redis set (a blacklist the token
// issuer is assumed to maintain) before the request is allowed through.
func Middleware(verifier *TokenVerifier, rdb *redis.Client, blacklistKey string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") && !strings.HasPrefix(authHeader, "bearer ") {
				httpserver.RespondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token")
				return
			}
			raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(authHeader, "Bearer "), "bearer "))

			userID, jti, err := verifier.Verify(raw)
			if err != nil {
				logger.Warn("token verification failed", "error", err)
				httpserver.RespondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid or expired token")
				return
			}

			if blacklistKey != "" && jti != "" && rdb != nil {
				ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
				blacklisted, err := rdb.SIsMember(ctx, blacklistKey, jti).Result()
				cancel()
				if err != nil {
					logger.Warn("blacklist check failed, allowing request", "error", err)
				} else if blacklisted {
					httpserver.RespondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "token has been revoked")
					return
				}
			}

			ctx := NewContext(r.Context(), &Identity{UserID: userID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
