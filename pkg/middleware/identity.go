// Package middleware provides context helpers shared by the HTTP layer and
// services. It lives in pkg/ so embedders can read the identity and caller
// details from their own middleware.
package middleware

import (
	"context"

	"github.com/figsettings/fig/pkg/contracts"
	"github.com/figsettings/fig/pkg/models"
)

type contextKey string

const (
	identityKey contextKey = "identity"
	callerKey   contextKey = "caller"
)

// SetIdentity stores the authenticated Identity in the context.
// Called by the auth middleware after successful authentication.
func SetIdentity(ctx context.Context, identity *contracts.Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, identityKey, identity)
}

// GetIdentity retrieves the authenticated Identity from the context.
// Returns nil if no identity is set.
func GetIdentity(ctx context.Context) *contracts.Identity {
	if v, ok := ctx.Value(identityKey).(*contracts.Identity); ok {
		return v
	}
	return nil
}

// SetCaller stores the network origin of the request.
func SetCaller(ctx context.Context, caller models.CallerDetails) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// GetCaller returns the request origin, or a zero value.
func GetCaller(ctx context.Context) models.CallerDetails {
	if v, ok := ctx.Value(callerKey).(models.CallerDetails); ok {
		return v
	}
	return models.CallerDetails{}
}
