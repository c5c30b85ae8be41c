package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sakif/channel-lifecycle/internal/model"
)

// contextKey is unexported so no other package can read or shadow the actor.
type contextKey string

const actorKey contextKey = "actor"

// RequireAuth rejects requests without a valid token and stores the actor otherwise.
func RequireAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := extractActor(r, tokens)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","message":"valid authentication required"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// OptionalAuth stores the actor when a valid token is present and never blocks.
// Anonymous requests reach the handler with no actor in the context.
func OptionalAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if actor, err := extractActor(r, tokens); err == nil {
				r = r.WithContext(WithActor(r.Context(), actor))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithActor returns a copy of ctx carrying actor.
func WithActor(ctx context.Context, actor model.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the authenticated actor, or false for anonymous requests.
func ActorFromContext(ctx context.Context) (model.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(model.Actor)
	return actor, ok && actor.UserID != ""
}

var errNoToken = errors.New("auth: no token")

// extractActor reads "Authorization: Bearer <jwt>", falling back to the
// "token" cookie for browser clients.
func extractActor(r *http.Request, tokens *TokenService) (model.Actor, error) {
	if tokens == nil {
		return model.Actor{}, errNoToken
	}
	if h := r.Header.Get("Authorization"); h != "" {
		raw, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || raw == "" {
			return model.Actor{}, errNoToken
		}
		return tokens.Validate(raw)
	}

	cookie, err := r.Cookie("token")
	if err != nil {
		return model.Actor{}, errNoToken
	}
	return tokens.Validate(cookie.Value)
}
