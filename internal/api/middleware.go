/**
 * @description
 * This file contains custom middleware for the HTTP router: bearer-token authentication
 * and per-transfer throttling of verification attempts.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: HS256 token validation.
 * - internal/app: For the AttemptLimiter contract.
 */

package api

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/finora/transfer-service/internal/app"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OwnerIDContextKey is a custom type for the context key to avoid collisions.
type OwnerIDContextKey string

const ownerIDKey OwnerIDContextKey = "ownerID"

// JWTAuthMiddleware validates HS256 bearer tokens and stores the `sub` claim, the owner's
// UUID, in the request context. When issuer is non-empty the `iss` claim must match it.
func JWTAuthMiddleware(secret []byte, issuer string) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader || tokenString == "" {
				writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			claims := &jwt.RegisteredClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
				return secret, nil
			})
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			ownerID, err := uuid.Parse(claims.Subject)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid token subject")
				return
			}

			ctx := context.WithValue(r.Context(), ownerIDKey, ownerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetOwnerID retrieves the authenticated owner's ID from the request context.
func GetOwnerID(ctx context.Context) (uuid.UUID, bool) {
	ownerID, ok := ctx.Value(ownerIDKey).(uuid.UUID)
	return ownerID, ok
}

// TransferRateLimit throttles the authenticated owner's attempts on the transfer in the
// {id} URL param within a one-minute fixed window. Limiter errors fail open and are logged.
func TransferRateLimit(limiter app.AttemptLimiter, scope app.AttemptScope, perMinute int, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || perMinute <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ownerID, ok := GetOwnerID(r.Context())
			transferID, err := uuid.Parse(chi.URLParam(r, "id"))
			if !ok || err != nil {
				// the handler rejects the request
				next.ServeHTTP(w, r)
				return
			}

			key := app.AttemptKey{Scope: scope, OwnerID: ownerID, TransferID: transferID}
			decision, err := limiter.ConsumeAttempt(r.Context(), key, perMinute, time.Minute)
			if err != nil {
				logger.Warn("rate limiter unavailable; allowing request",
					zap.String("scope", string(scope)),
					zap.String("owner_id", ownerID.String()),
					zap.String("transfer_id", transferID.String()),
					zap.Error(err),
				)
				next.ServeHTTP(w, r)
				return
			}
			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "Too many attempts. Please wait and try again.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
