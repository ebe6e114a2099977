package contracts

import (
	"context"
	"net/http"
	"regexp"
)

// ── Identity ────────────────────────────────────────────────

// Identity represents an authenticated administrator or service.
// Produced by an AuthProvider, consumed by handlers for scope checks.
type Identity struct {
	// Subject is the unique identifier (user name, API key fingerprint).
	Subject string `json:"subject"`

	// Provider identifies which auth provider authenticated this identity.
	Provider string `json:"provider"`

	// ClientFilter limits which clients this identity may act on.
	// Nil means every client.
	ClientFilter *regexp.Regexp `json:"-"`
}

// CanAccess reports whether the identity's scope covers a client name.
func (i *Identity) CanAccess(clientName string) bool {
	if i == nil {
		return false
	}
	if i.ClientFilter == nil {
		return true
	}
	return i.ClientFilter.MatchString(clientName)
}

// ── AuthProvider ────────────────────────────────────────────

// AuthProvider authenticates an HTTP request and returns an Identity.
//
// The chain pattern:
//   - Return (*Identity, nil) → authenticated, stop chain
//   - Return (nil, nil) → this provider doesn't handle this request, try next
//   - Return (nil, error) → authentication was attempted but failed, reject
type AuthProvider interface {
	// Name returns the provider identifier (e.g. "apikey").
	Name() string

	// Authenticate inspects the request and returns an Identity.
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)

	// Enabled returns whether this provider is configured and active.
	Enabled() bool
}

// ── AuthProviderChain ───────────────────────────────────────

// AuthProviderChain tries providers in priority order until one returns an Identity.
type AuthProviderChain interface {
	// Authenticate walks the chain of providers in order.
	// Returns the first successful Identity, or (nil, nil) if no provider matched.
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)

	// RegisterProvider adds a provider to the end of the chain.
	RegisterProvider(provider AuthProvider)

	// Enabled reports whether any provider in the chain is active.
	Enabled() bool
}
