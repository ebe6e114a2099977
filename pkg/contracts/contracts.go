// Package contracts defines the service interfaces of the Fig server.
//
// Handlers and services depend on these interfaces, so an embedding program
// can register its own verifiers or event sinks without touching internal/.
package contracts

import (
	"context"

	"github.com/figsettings/fig/internal/store"
	"github.com/figsettings/fig/pkg/models"
)

// Store is a type alias for the internal Store interface.
// Exposed in pkg/ so embedders can reference it without importing internal/.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Verifier ────────────────────────────────────────────────

// Verifier is a plugin verification. It receives exactly the setting values
// its definition references, keyed by setting name, with secrets decrypted.
// A returned error or a panic is reported as a failed result.
type Verifier interface {
	// Name is the verification name clients reference in their schema.
	Name() string

	PerformVerification(ctx context.Context, values map[string]models.Value) (models.VerificationOutcome, error)
}

// ── Event Publisher ─────────────────────────────────────────

// EventPublisher fans an audit event out to an external system. Publishing is
// best effort: failures are logged by the caller and never fail the request.
type EventPublisher interface {
	Kind() string
	Publish(ctx context.Context, event *models.AuditEvent) error
}
