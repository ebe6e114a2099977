// Package registry owns client registrations: reconciling incoming schemas,
// serving and updating setting values, and client administration.
//
// Every read-modify-write of one (Name, Instance) registration runs under that
// key's lock, so different clients never wait on each other.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/figsettings/fig/internal/comparer"
	"github.com/figsettings/fig/internal/events"
	"github.com/figsettings/fig/internal/keylock"
	"github.com/figsettings/fig/internal/metrics"
	"github.com/figsettings/fig/internal/secrets"
	"github.com/figsettings/fig/internal/store"
	"github.com/figsettings/fig/internal/verification"
	"github.com/figsettings/fig/pkg/models"
)

// Service reconciles registrations and manages setting values.
type Service struct {
	store      store.Store
	locks      *keylock.Locker
	cipher     *secrets.Cipher
	runner     *verification.Runner
	recorder   *events.Recorder
	metrics    *metrics.Metrics
	bcryptCost int

	now func() time.Time
}

// Options configures a Service. Recorder and Metrics may be nil.
type Options struct {
	Store      store.Store
	Locks      *keylock.Locker
	Cipher     *secrets.Cipher
	Runner     *verification.Runner
	Recorder   *events.Recorder
	Metrics    *metrics.Metrics
	BcryptCost int
}

func New(opts Options) *Service {
	locks := opts.Locks
	if locks == nil {
		locks = keylock.New()
	}
	return &Service{
		store:      opts.Store,
		locks:      locks,
		cipher:     opts.Cipher,
		runner:     opts.Runner,
		recorder:   opts.Recorder,
		metrics:    opts.Metrics,
		bcryptCost: opts.BcryptCost,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Outcome is the result of a registration.
type Outcome struct {
	Event  models.EventType
	Client *models.ClientRegistration
}

// ── Registration ─────────────────────────────────────────────

// Register reconciles an incoming definition with the stored registration.
// Dynamic verifications are compiled before anything is stored; a compile
// failure rejects the whole registration.
func (s *Service) Register(ctx context.Context, secret string, caller models.CallerDetails, def models.ClientDefinition) (*Outcome, error) {
	if err := s.validateDefinition(secret, def); err != nil {
		return nil, err
	}
	programs, err := verification.CompileAll(def.Verifications)
	if err != nil {
		return nil, err
	}

	key := def.Key()
	unlock := s.locks.Lock(key)
	defer unlock()

	stored, err := s.store.GetClient(ctx, key)
	var nf *store.ErrNotFound
	switch {
	case errors.As(err, &nf):
		return s.registerInitial(ctx, secret, caller, def, programs)
	case err != nil:
		return nil, fmt.Errorf("load client %s: %w", key, err)
	}

	if !secrets.CheckSecret(stored.SecretHash, secret) {
		log.Warn().Str("client", key.Name).Str("instance", key.Instance).Str("ip", caller.IPAddress).
			Msg("Registration rejected: secret mismatch")
		s.metrics.Registration("SecretMismatch")
		return nil, ErrSecretMismatch
	}

	current, err := s.openDefaults(stored)
	if err != nil {
		return nil, err
	}
	if comparer.ClientsEqual(current, def) {
		stored.LastRegistration = s.now()
		stored.IPAddress = caller.IPAddress
		stored.Hostname = caller.Hostname
		if err := s.store.SaveClient(ctx, stored); err != nil {
			return nil, fmt.Errorf("save client %s: %w", key, err)
		}
		s.runner.Install(key, stored.Verifications, programs)
		s.finishRegistration(ctx, models.EventRegistrationNoChange, stored, caller)
		return &Outcome{Event: models.EventRegistrationNoChange, Client: stored}, nil
	}

	updated, err := s.mergeSchema(stored, def)
	if err != nil {
		return nil, err
	}
	updated.LastRegistration = s.now()
	updated.IPAddress = caller.IPAddress
	updated.Hostname = caller.Hostname
	if err := s.store.SaveClient(ctx, updated); err != nil {
		return nil, fmt.Errorf("save client %s: %w", key, err)
	}
	s.runner.Forget(key)
	s.runner.Install(key, updated.Verifications, programs)
	s.finishRegistration(ctx, models.EventRegistrationWithChange, updated, caller)
	return &Outcome{Event: models.EventRegistrationWithChange, Client: updated}, nil
}

func (s *Service) registerInitial(ctx context.Context, secret string, caller models.CallerDetails, def models.ClientDefinition, programs map[string]*vm.Program) (*Outcome, error) {
	hash, err := secrets.HashSecret(secret, s.bcryptCost)
	if err != nil {
		return nil, err
	}
	now := s.now()
	reg := &models.ClientRegistration{
		ID:                     uuid.New().String(),
		Name:                   def.Name,
		Description:            def.Description,
		Instance:               def.Instance,
		SecretHash:             hash,
		AllowOfflineSettings:   true,
		LastRegistration:       now,
		LastSettingValueUpdate: now,
		IPAddress:              caller.IPAddress,
		Hostname:               caller.Hostname,
		Verifications:          cloneVerifications(def.Verifications),
	}
	for _, declared := range def.Settings {
		setting, err := s.withDefault(declared)
		if err != nil {
			return nil, err
		}
		reg.Settings = append(reg.Settings, setting)
	}

	if err := s.store.SaveClient(ctx, reg); err != nil {
		return nil, fmt.Errorf("save client %s: %w", reg.Key(), err)
	}
	s.runner.Install(reg.Key(), reg.Verifications, programs)
	s.finishRegistration(ctx, models.EventInitialRegistration, reg, caller)
	return &Outcome{Event: models.EventInitialRegistration, Client: reg}, nil
}

// mergeSchema builds the new registration from def, carrying every current
// value forward by setting name. A value is only carried when the declared
// type is unchanged; otherwise the new default applies.
func (s *Service) mergeSchema(stored *models.ClientRegistration, def models.ClientDefinition) (*models.ClientRegistration, error) {
	updated := stored.Clone()
	updated.Description = def.Description
	updated.Verifications = cloneVerifications(def.Verifications)
	updated.Settings = make([]models.Setting, 0, len(def.Settings))

	for _, declared := range def.Settings {
		old := stored.Setting(declared.Name)
		if old == nil || old.ValueType != declared.ValueType {
			setting, err := s.withDefault(declared)
			if err != nil {
				return nil, err
			}
			updated.Settings = append(updated.Settings, setting)
			continue
		}

		setting := declared.Clone()
		setting.Value = nil
		setting.EncryptedValue = ""
		if err := s.sealDefault(&setting); err != nil {
			return nil, err
		}
		if err := s.carryValue(stored.Key(), old, &setting); err != nil {
			return nil, err
		}
		updated.Settings = append(updated.Settings, setting)
	}
	return updated, nil
}

// carryValue moves the current value of old into next, re-protecting it when
// the secret flag changed.
func (s *Service) carryValue(key models.ClientKey, old, next *models.Setting) error {
	switch {
	case old.IsSecret && next.IsSecret:
		next.EncryptedValue = old.EncryptedValue
	case old.IsSecret && !next.IsSecret:
		if old.EncryptedValue == "" {
			return nil
		}
		v, err := secrets.OpenValue(s.cipher, old.EncryptedValue)
		if err != nil {
			return &store.RecordError{Client: key.String(), Setting: old.Name, Err: err}
		}
		next.Value = v.Ptr()
	case !old.IsSecret && next.IsSecret:
		if old.Value == nil {
			return nil
		}
		sealed, err := secrets.SealValue(s.cipher, *old.Value)
		if err != nil {
			return err
		}
		next.EncryptedValue = sealed
	default:
		if old.Value != nil {
			next.Value = old.Value.Ptr()
		}
	}
	return nil
}

// withDefault returns a copy of declared holding its default as current value.
// A secret default is kept sealed only.
func (s *Service) withDefault(declared models.Setting) (models.Setting, error) {
	setting := declared.Clone()
	setting.Value = nil
	setting.EncryptedValue = ""
	if declared.DefaultValue == nil {
		return setting, nil
	}
	if !declared.IsSecret {
		setting.Value = declared.DefaultValue.Ptr()
		return setting, nil
	}
	if err := s.sealDefault(&setting); err != nil {
		return models.Setting{}, err
	}
	setting.EncryptedValue = setting.EncryptedDefault
	return setting, nil
}

// sealDefault replaces the plaintext default of a secret setting with its
// sealed form.
func (s *Service) sealDefault(setting *models.Setting) error {
	setting.EncryptedDefault = ""
	if !setting.IsSecret || setting.DefaultValue == nil {
		return nil
	}
	sealed, err := secrets.SealValue(s.cipher, *setting.DefaultValue)
	if err != nil {
		return err
	}
	setting.DefaultValue = nil
	setting.EncryptedDefault = sealed
	return nil
}

// openDefaults returns a copy of reg with sealed defaults opened, for schema
// comparison only. The copy is never stored.
func (s *Service) openDefaults(reg *models.ClientRegistration) (*models.ClientRegistration, error) {
	out := reg.Clone()
	for i := range out.Settings {
		st := &out.Settings[i]
		if st.EncryptedDefault == "" {
			continue
		}
		v, err := secrets.OpenValue(s.cipher, st.EncryptedDefault)
		if err != nil {
			return nil, &store.RecordError{Client: reg.Key().String(), Setting: st.Name, Err: err}
		}
		st.DefaultValue = v.Ptr()
		st.EncryptedDefault = ""
	}
	return out, nil
}

func (s *Service) finishRegistration(ctx context.Context, event models.EventType, reg *models.ClientRegistration, caller models.CallerDetails) {
	s.metrics.Registration(string(event))
	s.record(ctx, models.AuditEvent{
		Type:       event,
		ClientName: reg.Name,
		Instance:   reg.Instance,
		IPAddress:  caller.IPAddress,
		Hostname:   caller.Hostname,
	})
	log.Info().
		Str("client", reg.Name).
		Str("instance", reg.Instance).
		Str("outcome", string(event)).
		Int("settings", len(reg.Settings)).
		Int("verifications", len(reg.Verifications)).
		Msg("Client registered")
}

func (s *Service) record(ctx context.Context, event models.AuditEvent) {
	if s.recorder == nil {
		return
	}
	_ = s.recorder.Record(ctx, event)
}

// ── Validation ───────────────────────────────────────────────

func (s *Service) validateDefinition(secret string, def models.ClientDefinition) error {
	verr := &ValidationError{Problems: def.Problems()}
	if secret == "" {
		verr.add("client secret is required")
	}
	for _, v := range def.Verifications {
		if v.Kind == models.VerificationPlugin && s.runner != nil && !s.runner.HasPlugin(v.Name) {
			verr.add("verification %q: no plugin registered with that name", v.Name)
		}
	}
	return verr.orNil()
}

func cloneVerifications(in []models.VerificationDefinition) []models.VerificationDefinition {
	out := make([]models.VerificationDefinition, len(in))
	for i, v := range in {
		out[i] = v.Clone()
	}
	return out
}
