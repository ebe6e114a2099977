package registry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/figsettings/fig/internal/secrets"
	"github.com/figsettings/fig/internal/store"
	"github.com/figsettings/fig/pkg/models"
)

// ── Client Administration ────────────────────────────────────

// ListClients returns every readable registration with secrets masked. A
// *store.SkippedRecords error comes back together with the readable ones.
func (s *Service) ListClients(ctx context.Context) ([]models.ClientRegistration, error) {
	clients, err := s.store.ListClients(ctx)
	if _, fatal := store.Partial(err); fatal != nil {
		return nil, fatal
	}
	out := make([]models.ClientRegistration, len(clients))
	for i := range clients {
		out[i] = *maskClient(&clients[i])
	}
	return out, err
}

// GetClient returns one registration with secrets masked.
func (s *Service) GetClient(ctx context.Context, key models.ClientKey) (*models.ClientRegistration, error) {
	reg, err := s.store.GetClient(ctx, key)
	if err != nil {
		return nil, err
	}
	return maskClient(reg), nil
}

// DeleteClient removes a registration. Its verification and value history is
// kept.
func (s *Service) DeleteClient(ctx context.Context, key models.ClientKey, user string) error {
	unlock := s.locks.Lock(key)
	defer unlock()

	if err := s.store.DeleteClient(ctx, key); err != nil {
		return err
	}
	if s.runner != nil {
		s.runner.Forget(key)
	}
	s.record(ctx, models.AuditEvent{Type: models.EventClientDeleted, ClientName: key.Name, Instance: key.Instance, User: user})
	log.Info().Str("client", key.Name).Str("instance", key.Instance).Str("user", user).Msg("Client deleted")
	return nil
}

// ChangeSecret replaces the client secret after checking the old one.
func (s *Service) ChangeSecret(ctx context.Context, key models.ClientKey, req models.SecretChangeRequest, user string) error {
	if req.NewSecret == "" {
		return &ValidationError{Problems: []string{"new secret is required"}}
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	reg, err := s.store.GetClient(ctx, key)
	if err != nil {
		return err
	}
	if !secrets.CheckSecret(reg.SecretHash, req.OldSecret) {
		return ErrSecretMismatch
	}
	hash, err := secrets.HashSecret(req.NewSecret, s.bcryptCost)
	if err != nil {
		return err
	}
	reg.SecretHash = hash
	if err := s.store.SaveClient(ctx, reg); err != nil {
		return fmt.Errorf("save client %s: %w", key, err)
	}
	s.record(ctx, models.AuditEvent{Type: models.EventClientSecretChanged, ClientName: key.Name, Instance: key.Instance, User: user})
	return nil
}

// SetClientConfiguration updates per-client switches.
func (s *Service) SetClientConfiguration(ctx context.Context, key models.ClientKey, cfg models.ClientConfiguration) (*models.ClientRegistration, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	reg, err := s.store.GetClient(ctx, key)
	if err != nil {
		return nil, err
	}
	reg.AllowOfflineSettings = cfg.AllowOfflineSettings
	if err := s.store.SaveClient(ctx, reg); err != nil {
		return nil, fmt.Errorf("save client %s: %w", key, err)
	}
	return maskClient(reg), nil
}

// RunVerification runs a named verification for an administrator.
func (s *Service) RunVerification(ctx context.Context, key models.ClientKey, name, user string) (*models.VerificationResult, error) {
	return s.runner.Run(ctx, key, name, user)
}

// VerificationHistory lists past results, newest first. History outlives the
// verification itself, so no registration lookup is made.
func (s *Service) VerificationHistory(ctx context.Context, key models.ClientKey, name string, limit int) ([]models.VerificationResult, error) {
	return s.store.ListVerificationResults(ctx, key, name, limit)
}

// maskClient returns a copy safe to hand to administrators.
func maskClient(reg *models.ClientRegistration) *models.ClientRegistration {
	out := reg.Clone()
	out.SecretHash = ""
	for i := range out.Settings {
		st := &out.Settings[i]
		if !st.IsSecret {
			continue
		}
		if st.EncryptedValue != "" {
			st.Value = models.StringValue(secrets.Masked).Ptr()
		}
		st.EncryptedValue = ""
		st.EncryptedDefault = ""
		st.DefaultValue = nil
	}
	return out
}
