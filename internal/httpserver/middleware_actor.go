package httpserver

import (
	"context"
	"net/http"

	"github.com/EscrowBox/server/internal/escrow"
)

// Actor identity headers, set by the terminating auth proxy in front of this
// service. Authentication itself is an external collaborator; anything that
// reaches these handlers with the headers present is already verified.
const (
	headerActorID    = "X-Actor-ID"
	headerActorAdmin = "X-Actor-Admin"
)

type actorContextKey struct{}

// actorMiddleware reads the verified actor identity into the request context.
// Requests without the header proceed as an unverified actor; handlers that
// need an identity reject those themselves.
func actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := escrow.Actor{
			ID:    r.Header.Get(headerActorID),
			Admin: r.Header.Get(headerActorAdmin) == "true",
		}
		ctx := context.WithValue(r.Context(), actorContextKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actorFromRequest retrieves the actor placed in context by actorMiddleware.
func actorFromRequest(r *http.Request) escrow.Actor {
	if actor, ok := r.Context().Value(actorContextKey{}).(escrow.Actor); ok {
		return actor
	}
	return escrow.Actor{}
}
