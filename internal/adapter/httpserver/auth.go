package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/conceptforge/conceptforge/internal/adapter/observability"
	"github.com/conceptforge/conceptforge/internal/domain"
)

// UserResolver turns a bearer token into a verified user id.
type UserResolver interface {
	Resolve(ctx context.Context, token string) (string, error)
}

// UUIDTokenResolver accepts tokens that are themselves user UUIDs. It is
// the dev and test resolver; production deployments plug a real verifier
// behind the same interface.
type UUIDTokenResolver struct{}

// Resolve validates the token as a UUID and uses it as the user id.
func (UUIDTokenResolver) Resolve(_ context.Context, token string) (string, error) {
	id, err := uuid.Parse(token)
	if err != nil {
		return "", fmt.Errorf("op=auth.resolve: %w", domain.ErrInvalidArgument)
	}
	return id.String(), nil
}

type userIDKey struct{}

// UserIDFromContext returns the authenticated user id, or "".
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey{}).(string); ok {
		return v
	}
	return ""
}

// BearerAuth authenticates every request via the Authorization header and
// stores the user id in the context. Missing or bad credentials get 401.
func BearerAuth(resolver UserResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
				return
			}
			userID, err := resolver.Resolve(r.Context(), token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid bearer token", nil)
				return
			}
			ctx := context.WithValue(r.Context(), userIDKey{}, userID)
			lg := observability.LoggerFromContext(ctx).With(slog.String("user_id", userID))
			ctx = observability.ContextWithLogger(ctx, lg)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}
