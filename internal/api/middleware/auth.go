package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/figsettings/fig/pkg/contracts"
	pkgmw "github.com/figsettings/fig/pkg/middleware"
)

// AuthMiddleware authenticates administrative requests through the provider
// chain and stores the resulting Identity in context. Client-facing routes
// authenticate with the client secret instead and are not wrapped.
type AuthMiddleware struct {
	chain       contracts.AuthProviderChain
	requireAuth bool
}

// NewAuthMiddleware creates the auth middleware. Requests no provider
// recognizes are rejected when requireAuth is set or when any provider in the
// chain is enabled; otherwise they pass through anonymously.
func NewAuthMiddleware(chain contracts.AuthProviderChain, requireAuth bool) *AuthMiddleware {
	return &AuthMiddleware{chain: chain, requireAuth: requireAuth}
}

// Handler returns the HTTP handler middleware that authenticates requests.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := am.chain.Authenticate(r.Context(), r)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Authentication failed")
			unauthorized(w, "authentication_failed", err.Error())
			return
		}
		if identity == nil && (am.requireAuth || am.chain.Enabled()) {
			unauthorized(w, "authentication_required",
				"This endpoint requires authentication. Set Authorization: Bearer <key> or X-API-Key.")
			return
		}

		ctx := r.Context()
		if identity != nil {
			ctx = pkgmw.SetIdentity(ctx, identity)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="fig"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": msg,
	})
}
