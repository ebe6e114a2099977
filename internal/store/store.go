// Package store provides the storage interface and implementations for the Fig
// server. The in-memory store backs local runs and tests; the PostgreSQL store
// backs production deployments.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/figsettings/fig/pkg/models"
)

// Store is the primary storage interface. Services depend on this interface
// only, so the backing implementation can be swapped freely.
type Store interface {
	ClientStore
	SessionStore
	VerificationHistoryStore
	SettingHistoryStore
	AuditStore

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates or upgrades the schema.
	Migrate(ctx context.Context) error
}

// ── Client Store ────────────────────────────────────────────

// ClientStore persists registrations. Implementations return copies:
// mutating a returned registration never changes stored state until
// SaveClient is called.
type ClientStore interface {
	// ListClients returns every readable registration. Undecodable records are
	// skipped and reported in a *SkippedRecords next to the readable ones.
	ListClients(ctx context.Context) ([]models.ClientRegistration, error)
	GetClient(ctx context.Context, key models.ClientKey) (*models.ClientRegistration, error)
	SaveClient(ctx context.Context, client *models.ClientRegistration) error

	// DeleteClient removes the registration and its run sessions.
	DeleteClient(ctx context.Context, key models.ClientKey) error
}

// ── Session Store ───────────────────────────────────────────

// SessionStore keeps run sessions and their memory samples apart from the
// registration, so a heartbeat reads and writes only its own session.
// Run session ids are matched case-insensitively.
type SessionStore interface {
	// GetSession returns one session with its samples, oldest first.
	GetSession(ctx context.Context, key models.ClientKey, runSessionID string) (*models.RunSession, error)

	// SaveSession upserts everything but the samples, which are only
	// written by AppendMemorySample.
	SaveSession(ctx context.Context, key models.ClientKey, session *models.RunSession) error

	// AppendMemorySample adds a sample to an existing session and drops the
	// oldest ones beyond keep.
	AppendMemorySample(ctx context.Context, key models.ClientKey, runSessionID string, sample models.MemoryUsageSample, keep int) error

	// ListSessions returns every session without its samples. Undecodable
	// records are reported like ListClients does.
	ListSessions(ctx context.Context) ([]models.ClientRunSession, error)

	DeleteSessionsNotSeenSince(ctx context.Context, cutoff time.Time) (int64, error)
}

// ── Verification History ────────────────────────────────────

// VerificationHistoryStore is append-only apart from retention pruning.
// Appends must be safe under concurrent writers.
type VerificationHistoryStore interface {
	AppendVerificationResult(ctx context.Context, result *models.VerificationResult) error

	// ListVerificationResults returns newest first. limit <= 0 means no limit.
	ListVerificationResults(ctx context.Context, key models.ClientKey, verification string, limit int) ([]models.VerificationResult, error)

	DeleteVerificationResultsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ── Setting History ─────────────────────────────────────────

type SettingHistoryStore interface {
	AppendSettingValues(ctx context.Context, records []models.SettingValueRecord) error

	// ListSettingValues returns newest first. limit <= 0 means no limit.
	ListSettingValues(ctx context.Context, key models.ClientKey, setting string, limit int) ([]models.SettingValueRecord, error)
}

// ── Audit Store ─────────────────────────────────────────────

type AuditStore interface {
	// CreateAuditEvent persists an audit event.
	CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error

	// ListAuditEvents returns filtered audit events, newest first.
	ListAuditEvents(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error)

	// DeleteAuditEventsBefore prunes events older than cutoff.
	DeleteAuditEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// RecordError reports a stored setting that cannot be used: a malformed value
// or a secret that fails to decrypt. It affects that one record only.
type RecordError struct {
	Client  string
	Setting string
	Err     error
}

func (e *RecordError) Error() string {
	if e.Setting == "" {
		return "client " + e.Client + ": " + e.Err.Error()
	}
	return "client " + e.Client + " setting " + e.Setting + ": " + e.Err.Error()
}

func (e *RecordError) Unwrap() error { return e.Err }

// SkippedRecords is returned together with the readable results of a listing
// when some stored records could not be decoded.
type SkippedRecords struct {
	Records []*RecordError
}

func (e *SkippedRecords) Error() string {
	msg := fmt.Sprintf("%d unreadable record(s) skipped", len(e.Records))
	if len(e.Records) > 0 {
		msg += ", first: " + e.Records[0].Error()
	}
	return msg
}

// Partial separates a listing's skipped records from a real failure. It
// returns the skipped records, or nil, and the error left to handle.
func Partial(err error) (*SkippedRecords, error) {
	var skipped *SkippedRecords
	if errors.As(err, &skipped) {
		return skipped, nil
	}
	return nil, err
}
