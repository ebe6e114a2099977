package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/figsettings/fig/internal/secrets"
	"github.com/figsettings/fig/internal/store"
	"github.com/figsettings/fig/pkg/models"
)

// ── Client Reads ─────────────────────────────────────────────

// ReadSettings returns the current values for a client authenticated by its
// secret. An instance without its own registration reads the base client.
// Secret values are sealed under a key derived from the client secret.
func (s *Service) ReadSettings(ctx context.Context, key models.ClientKey, secret string, caller models.CallerDetails) ([]models.SettingValue, error) {
	resolved, err := s.resolveKey(ctx, key)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(resolved)
	defer unlock()

	reg, err := s.store.GetClient(ctx, resolved)
	if err != nil {
		return nil, err
	}
	if !secrets.CheckSecret(reg.SecretHash, secret) {
		return nil, ErrSecretMismatch
	}

	transport, err := secrets.ForClientSecret(secret)
	if err != nil {
		return nil, err
	}

	out := make([]models.SettingValue, 0, len(reg.Settings))
	for _, st := range reg.Settings {
		sv := models.SettingValue{Name: st.Name, ValueType: st.ValueType, IsSecret: st.IsSecret}
		switch {
		case st.IsSecret && st.EncryptedValue != "":
			v, err := secrets.OpenValue(s.cipher, st.EncryptedValue)
			if err != nil {
				return nil, &store.RecordError{Client: resolved.String(), Setting: st.Name, Err: err}
			}
			sealed, err := secrets.SealValue(transport, v)
			if err != nil {
				return nil, err
			}
			sv.EncryptedValue = sealed
		case !st.IsSecret && st.Value != nil:
			sv.Value = st.Value.Ptr()
		}
		out = append(out, sv)
	}

	now := s.now()
	reg.LastRead = &now
	if err := s.store.SaveClient(ctx, reg); err != nil {
		return nil, fmt.Errorf("save client %s: %w", resolved, err)
	}
	s.record(ctx, models.AuditEvent{
		Type:       models.EventSettingsRead,
		ClientName: reg.Name,
		Instance:   key.Instance,
		IPAddress:  caller.IPAddress,
		Hostname:   caller.Hostname,
	})
	return out, nil
}

// resolveKey falls back to the base registration when an instance has no
// registration of its own.
func (s *Service) resolveKey(ctx context.Context, key models.ClientKey) (models.ClientKey, error) {
	if key.Instance == "" {
		return key, nil
	}
	_, err := s.store.GetClient(ctx, key)
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		return models.ClientKey{Name: key.Name}, nil
	}
	if err != nil {
		return key, err
	}
	return key, nil
}

// ── Administrative Updates ───────────────────────────────────

// UpdateValues applies administrator value changes. Updating an instance that
// has no registration of its own first clones the base registration into that
// instance.
func (s *Service) UpdateValues(ctx context.Context, key models.ClientKey, updates models.SettingValueUpdates, user string) (*models.ClientRegistration, error) {
	if len(updates.Values) == 0 {
		return nil, &ValidationError{Problems: []string{"no values supplied"}}
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	reg, created, err := s.loadOrCloneInstance(ctx, key)
	if err != nil {
		return nil, err
	}

	verr := &ValidationError{}
	for _, u := range updates.Values {
		st := reg.Setting(u.Name)
		if st == nil {
			verr.add("unknown setting %q", u.Name)
			continue
		}
		if problem := checkValue(st, u.Value); problem != "" {
			verr.add("%s", problem)
		}
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	now := s.now()
	records := make([]models.SettingValueRecord, 0, len(updates.Values))
	for _, u := range updates.Values {
		st := reg.Setting(u.Name)
		recorded := u.Value.String()
		if st.IsSecret {
			sealed, err := secrets.SealValue(s.cipher, u.Value)
			if err != nil {
				return nil, err
			}
			st.EncryptedValue = sealed
			st.Value = nil
			recorded = secrets.Masked
		} else {
			st.Value = u.Value.Ptr()
		}
		records = append(records, models.SettingValueRecord{
			ID:          uuid.New().String(),
			ClientName:  reg.Name,
			Instance:    reg.Instance,
			SettingName: st.Name,
			Value:       recorded,
			ChangedBy:   user,
			ChangedAt:   now,
		})
	}
	reg.LastSettingValueUpdate = now

	if err := s.store.SaveClient(ctx, reg); err != nil {
		return nil, fmt.Errorf("save client %s: %w", key, err)
	}
	if err := s.store.AppendSettingValues(ctx, records); err != nil {
		log.Error().Err(err).Str("client", key.Name).Msg("Failed to append setting history")
	}

	if created {
		s.record(ctx, models.AuditEvent{Type: models.EventClientInstanceCreated, ClientName: reg.Name, Instance: reg.Instance, User: user})
	}
	for _, r := range records {
		s.record(ctx, models.AuditEvent{
			Type:        models.EventSettingValueUpdated,
			ClientName:  reg.Name,
			Instance:    reg.Instance,
			SettingName: r.SettingName,
			User:        user,
			Message:     updates.ChangeMessage,
		})
	}

	log.Info().
		Str("client", reg.Name).
		Str("instance", reg.Instance).
		Int("values", len(records)).
		Str("user", user).
		Msg("Setting values updated")
	return maskClient(reg), nil
}

func (s *Service) loadOrCloneInstance(ctx context.Context, key models.ClientKey) (*models.ClientRegistration, bool, error) {
	reg, err := s.store.GetClient(ctx, key)
	if err == nil {
		return reg, false, nil
	}
	var nf *store.ErrNotFound
	if !errors.As(err, &nf) || key.Instance == "" {
		return nil, false, err
	}

	base, err := s.store.GetClient(ctx, models.ClientKey{Name: key.Name})
	if err != nil {
		return nil, false, err
	}
	clone := base.Clone()
	clone.ID = uuid.New().String()
	clone.Instance = key.Instance
	clone.LastRead = nil
	return clone, true, nil
}

// checkValue returns a problem description, or "" when v may be assigned.
func checkValue(st *models.Setting, v models.Value) string {
	if v.Type() != st.ValueType {
		return fmt.Sprintf("setting %q is %s, got %s", st.Name, st.ValueType, v.Type())
	}
	switch st.ValidationType {
	case models.ValidationRegex:
		re, err := regexp.Compile(st.ValidationRegex)
		if err != nil {
			return fmt.Sprintf("setting %q has an invalid validation regex", st.Name)
		}
		if !re.MatchString(v.String()) {
			msg := st.ValidationExplanation
			if msg == "" {
				msg = "does not match " + st.ValidationRegex
			}
			return fmt.Sprintf("setting %q: %s", st.Name, msg)
		}
	case models.ValidationValidValues:
		if !slices.Contains(st.ValidValues, v.String()) {
			return fmt.Sprintf("setting %q: %q is not one of the valid values", st.Name, v.String())
		}
	}
	return ""
}

// SettingHistory lists past values of one setting, newest first.
func (s *Service) SettingHistory(ctx context.Context, key models.ClientKey, setting string, limit int) ([]models.SettingValueRecord, error) {
	reg, err := s.store.GetClient(ctx, key)
	if err != nil {
		return nil, err
	}
	if reg.Setting(setting) == nil {
		// Removed settings keep their history, so only fail when nothing was ever recorded.
		records, err := s.store.ListSettingValues(ctx, key, setting, limit)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, &store.ErrNotFound{Entity: "setting", Key: key.String() + "/" + setting}
		}
		return records, nil
	}
	return s.store.ListSettingValues(ctx, key, setting, limit)
}
