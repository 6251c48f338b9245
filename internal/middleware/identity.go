// Package middleware carries the HTTP cross-cutting concerns: identity
// extraction, request logging, and Prometheus metrics.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/anchorgate/anchorgate/internal/config"
)

// Identity is the caller as asserted by the upstream edge. The gateway
// performs no authentication of its own; requests arriving without the
// consumer header are rejected.
type Identity struct {
	ConsumerID string
	Username   string
	ExternalID string
}

type identityKey struct{}

// IdentityFromContext returns the caller identity set by RequireIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// WithIdentity injects an identity directly, for tests.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// RequireIdentity reads the configured identity headers and rejects
// requests without a consumer id.
func RequireIdentity(cfg config.IdentityConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			consumerID := r.Header.Get(cfg.ConsumerHeader)
			if consumerID == "" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]string{
						"message": "missing consumer identity header",
						"type":    "authentication_error",
						"code":    "missing_identity",
					},
				})
				return
			}

			id := Identity{
				ConsumerID: consumerID,
				Username:   r.Header.Get(cfg.UsernameHeader),
				ExternalID: r.Header.Get(cfg.ExternalHeader),
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
