package authn

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/hetuflow/hetuflow/domain"
)

type contextKey string

const identityContextKey contextKey = "hetuflow_identity"

// RequireAgent wraps next with Bearer-token authentication, delegating to
// auth. On success the resolved Identity is injected into the request
// context for the handler (typically the Gateway's WS upgrade endpoint) to
// read via IdentityFromContext. Grounded on
// control_plane/middleware/auth.go's header-parsing and context-injection
// shape, generalized to the pluggable Authenticator of spec §6 instead of a
// hardcoded JWT claims type.
func RequireAgent(auth Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			http.Error(w, "missing Authorization header", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Authorization header must be 'Bearer <token>'", http.StatusUnauthorized)
			return
		}

		identity, err := auth.Authenticate(parts[1])
		if err != nil {
			status := http.StatusUnauthorized
			var authErr *domain.AuthError
			if errors.As(err, &authErr) && authErr.Kind == domain.AuthTransient {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, "unauthorized: "+err.Error(), status)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// WithIdentity returns a context carrying identity, the same way RequireAgent
// injects one after a successful Authenticate call. Exported so callers
// outside this package (gateway's tests) can exercise a handler without
// standing up a full Authenticator.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the Identity injected by RequireAgent.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}
