package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/figsettings/fig/pkg/contracts"
)

// APIKeyProvider validates administrator API keys from the
// Authorization: Bearer <key> or X-API-Key headers. Each key carries an
// optional client filter regex limiting which clients it may act on.
type APIKeyProvider struct {
	mu      sync.RWMutex
	keys    map[string]*regexp.Regexp
	enabled bool
}

// NewAPIKeyProvider parses a key list of the form "key1=^orders.*$,key2".
// A key without "=" is unrestricted.
func NewAPIKeyProvider(keys string) (*APIKeyProvider, error) {
	p := &APIKeyProvider{keys: make(map[string]*regexp.Regexp)}

	for _, entry := range strings.Split(keys, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, filter, _ := strings.Cut(entry, "=")
		if err := p.AddKey(strings.TrimSpace(key), strings.TrimSpace(filter)); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *APIKeyProvider) Name() string { return "apikey" }

func (p *APIKeyProvider) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

// Authenticate validates the API key and returns an Identity.
// Returns (nil, nil) if no API key is present (let next provider try).
// Returns (nil, error) if an API key is present but invalid.
func (p *APIKeyProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	apiKey := extractAPIKeyFromRequest(r)
	if apiKey == "" {
		return nil, nil
	}

	filter, ok := p.lookup(apiKey)
	if !ok {
		return nil, fmt.Errorf("%w: invalid API key", ErrUnauthorized)
	}

	keyHash := fmt.Sprintf("%x", sha256.Sum256([]byte(apiKey)))
	return &contracts.Identity{
		Subject:      "apikey:" + keyHash[:16],
		Provider:     "apikey",
		ClientFilter: filter,
	}, nil
}

func (p *APIKeyProvider) lookup(candidate string) (*regexp.Regexp, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for key, filter := range p.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return filter, true
		}
	}
	return nil, false
}

// AddKey adds an API key at runtime. An empty filter grants every client.
func (p *APIKeyProvider) AddKey(key, clientFilter string) error {
	if key == "" {
		return fmt.Errorf("empty API key")
	}
	var re *regexp.Regexp
	if clientFilter != "" {
		var err error
		if re, err = regexp.Compile(clientFilter); err != nil {
			return fmt.Errorf("client filter for API key: %w", err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[key] = re
	p.enabled = true
	return nil
}

func extractAPIKeyFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}
