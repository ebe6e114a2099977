package client

import (
	"errors"

	"github.com/figsettings/fig/pkg/models"
)

// Schema is the statically declared set of settings and verifications an
// application registers with Fig.
type Schema struct {
	Name          string
	Description   string
	Settings      []models.Setting
	Verifications []models.VerificationDefinition
}

// Validate checks the schema before it is sent to the server, with the same
// structural rules the server applies.
func (s Schema) Validate() error {
	problems := s.Definition("").Problems()
	errs := make([]error, len(problems))
	for i, p := range problems {
		errs[i] = errors.New(p)
	}
	return errors.Join(errs...)
}

// Definition returns the registration payload for an instance of the schema.
func (s Schema) Definition(instance string) models.ClientDefinition {
	def := models.ClientDefinition{
		Name:          s.Name,
		Description:   s.Description,
		Instance:      instance,
		Settings:      make([]models.Setting, len(s.Settings)),
		Verifications: make([]models.VerificationDefinition, len(s.Verifications)),
	}
	for i, st := range s.Settings {
		def.Settings[i] = st.Clone()
	}
	for i, v := range s.Verifications {
		def.Verifications[i] = v.Clone()
		if v.Kind == models.VerificationDynamic && v.TargetRuntime == "" {
			def.Verifications[i].TargetRuntime = models.RuntimeExpr
		}
	}
	return def
}
