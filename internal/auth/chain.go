// Package auth provides the authentication provider chain guarding the
// administrative API. Client endpoints authenticate with their own client
// secret instead and never pass through this chain.
package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/figsettings/fig/pkg/contracts"
)

// ErrUnauthorized is returned when credentials were presented but rejected.
var ErrUnauthorized = errors.New("unauthorized")

// ProviderChain tries administrative auth providers in registration order.
// Providers may be added while requests are being served.
type ProviderChain struct {
	mu        sync.RWMutex
	providers []contracts.AuthProvider
}

func NewProviderChain() *ProviderChain {
	return &ProviderChain{}
}

// RegisterProvider appends a provider. Disabled providers are kept but skipped.
func (c *ProviderChain) RegisterProvider(provider contracts.AuthProvider) {
	c.mu.Lock()
	c.providers = append(c.providers, provider)
	c.mu.Unlock()
	log.Info().
		Str("provider", provider.Name()).
		Bool("enabled", provider.Enabled()).
		Msg("Admin auth provider registered")
}

func (c *ProviderChain) snapshot() []contracts.AuthProvider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]contracts.AuthProvider(nil), c.providers...)
}

// Authenticate returns the identity of the first provider that recognizes the
// request. A provider error ends the walk. (nil, nil) means no credentials
// were recognized and the caller is anonymous.
func (c *ProviderChain) Authenticate(ctx context.Context, r *http.Request) (*contracts.Identity, error) {
	for _, p := range c.snapshot() {
		if !p.Enabled() {
			continue
		}
		identity, err := p.Authenticate(ctx, r)
		switch {
		case err != nil:
			log.Debug().Str("provider", p.Name()).Err(err).Msg("Admin credentials rejected")
			return nil, err
		case identity != nil:
			log.Debug().
				Str("provider", p.Name()).
				Str("subject", identity.Subject).
				Bool("scoped", identity.ClientFilter != nil).
				Msg("Admin authenticated")
			return identity, nil
		}
	}
	return nil, nil
}

// Enabled reports whether any registered provider is active. Once one is,
// anonymous admin requests are refused.
func (c *ProviderChain) Enabled() bool {
	for _, p := range c.snapshot() {
		if p.Enabled() {
			return true
		}
	}
	return false
}

// ListProviders returns provider names in chain order.
func (c *ProviderChain) ListProviders() []string {
	providers := c.snapshot()
	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.Name()
	}
	return names
}
