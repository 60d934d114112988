// Package auth validates capability-bearing JWTs and exposes the resolved
// actor to handlers. Capability resolution happens upstream; this layer only
// transports and checks the granted tags.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/example/fleetsched/internal/scheduler/domain"
)

// Claims carries the actor's granted capability tags. The subject claim is
// the actor id. A role of "admin" grants the universal capability set.
type Claims struct {
	Role         string   `json:"role"`
	Capabilities []string `json:"caps"`
	jwt.RegisteredClaims
}

// Actor converts the claims into a domain actor.
func (c *Claims) Actor() (domain.Actor, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return domain.Actor{}, errors.New("subject is not an actor id")
	}
	if c.Role == "admin" {
		return domain.Actor{ID: id, Capabilities: domain.AdminCapabilities()}, nil
	}
	set := make(domain.CapabilitySet, len(c.Capabilities))
	for _, tag := range c.Capabilities {
		set[domain.Capability(tag)] = struct{}{}
	}
	return domain.Actor{ID: id, Capabilities: set}, nil
}

// Middleware validates bearer tokens and injects the resolved actor into
// context. When required capabilities are listed, actors holding none of
// them are refused.
func Middleware(secret string, required ...domain.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := tokenFromHeader(r.Header.Get("Authorization"))
			if tokenString == "" {
				http.Error(w, "missing token", http.StatusUnauthorized)
				return
			}
			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, errors.New("unexpected signing method")
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			actor, err := claims.Actor()
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			if len(required) > 0 && !hasAny(actor, required) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), actorKey{}, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorFromContext retrieves the actor resolved by the middleware.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(domain.Actor)
	return actor, ok
}

// WithActor returns a context carrying the actor. Used by trusted internal
// callers and tests.
func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

type actorKey struct{}

func hasAny(actor domain.Actor, caps []domain.Capability) bool {
	for _, c := range caps {
		if actor.Can(c) {
			return true
		}
	}
	return false
}

func tokenFromHeader(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
