package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/honeynil/TradeCustodyService/internal/models"
)

// RevocationChecker reports whether a token id was revoked before expiry.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

type actorKey struct{}

type tokenKey struct{}

// Token identifies the bearer token of the current request.
type Token struct {
	ID        string
	ExpiresAt time.Time
}

// WithActor stores the authenticated caller in ctx.
func WithActor(ctx context.Context, actor models.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the caller placed by AuthMiddleware.
func ActorFrom(ctx context.Context) (models.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(models.Actor)
	return a, ok
}

// TokenFrom returns the validated token of the current request.
func TokenFrom(ctx context.Context) (Token, bool) {
	t, ok := ctx.Value(tokenKey{}).(Token)
	return t, ok
}

func AuthMiddleware(tokens *TokenService, revoked RevocationChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "authorization header missing", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := tokens.ValidateJWT(parts[1])
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			actor, err := claims.Actor()
			if err != nil {
				http.Error(w, "invalid token claims", http.StatusUnauthorized)
				return
			}

			// Check revocation in Redis
			if revoked != nil && claims.ID != "" {
				isRevoked, err := revoked.IsRevoked(r.Context(), claims.ID)
				if err != nil {
					slog.Error("revocation lookup failed", "user_id", actor.ID, "error", err)
					http.Error(w, "authorization unavailable", http.StatusServiceUnavailable)
					return
				}
				if isRevoked {
					slog.Warn("revoked token presented", "user_id", actor.ID, "jti", claims.ID)
					http.Error(w, "invalid or revoked token", http.StatusUnauthorized)
					return
				}
			}

			ctx := WithActor(r.Context(), actor)
			token := Token{ID: claims.ID}
			if claims.ExpiresAt != nil {
				token.ExpiresAt = claims.ExpiresAt.Time
			}
			ctx = context.WithValue(ctx, tokenKey{}, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
