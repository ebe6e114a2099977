// Package comparer implements schema-level equality and hashing for settings
// and verification definitions. Current setting values never take part.
package comparer

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"

	"github.com/figsettings/fig/pkg/models"
)

// ── Settings ─────────────────────────────────────────────────

// SettingsEqual reports whether two settings declare the same schema.
func SettingsEqual(a, b models.Setting) bool {
	if a.Name != b.Name ||
		a.Description != b.Description ||
		a.ValueType != b.ValueType ||
		a.ValidationType != b.ValidationType ||
		a.ValidationRegex != b.ValidationRegex ||
		a.ValidationExplanation != b.ValidationExplanation ||
		a.Group != b.Group ||
		a.DisplayOrder != b.DisplayOrder ||
		a.IsSecret != b.IsSecret ||
		a.Advanced != b.Advanced {
		return false
	}
	if !optionalValuesEqual(a.DefaultValue, b.DefaultValue) {
		return false
	}
	return stringsEqual(a.ValidValues, b.ValidValues)
}

// HashSetting hashes the same fields SettingsEqual compares, in one stream.
func HashSetting(s models.Setting) uint64 {
	return xxh3.Hash(appendSetting(nil, s))
}

func appendSetting(b []byte, s models.Setting) []byte {
	b = appendString(b, s.Name)
	b = appendString(b, s.Description)
	b = appendString(b, string(s.ValueType))
	b = appendOptionalValue(b, s.DefaultValue)
	b = appendString(b, string(s.ValidationType))
	b = appendString(b, s.ValidationRegex)
	b = appendString(b, s.ValidationExplanation)
	b = appendStrings(b, s.ValidValues)
	b = appendString(b, s.Group)
	b = binary.BigEndian.AppendUint64(b, uint64(int64(s.DisplayOrder)))
	b = appendBool(b, s.IsSecret)
	b = appendBool(b, s.Advanced)
	return b
}

// ── Verifications ────────────────────────────────────────────

// VerificationsEqual compares two verification definitions. Referenced setting
// names are order-sensitive.
func VerificationsEqual(a, b models.VerificationDefinition) bool {
	return a.Name == b.Name &&
		a.Description == b.Description &&
		a.Kind == b.Kind &&
		a.Code == b.Code &&
		a.TargetRuntime == b.TargetRuntime &&
		stringsEqual(a.SettingNames, b.SettingNames)
}

func HashVerification(v models.VerificationDefinition) uint64 {
	return xxh3.Hash(appendVerification(nil, v))
}

func appendVerification(b []byte, v models.VerificationDefinition) []byte {
	b = appendString(b, v.Name)
	b = appendString(b, v.Description)
	b = appendString(b, string(v.Kind))
	b = appendString(b, v.Code)
	b = appendString(b, v.TargetRuntime)
	b = appendStrings(b, v.SettingNames)
	return b
}

// ── Diffs ────────────────────────────────────────────────────

// DiffSettings returns added = b − a and removed = a − b under SettingsEqual.
func DiffSettings(a, b []models.Setting) (added, removed []models.Setting) {
	return diff(a, b, HashSetting, SettingsEqual)
}

// DiffVerifications returns added = b − a and removed = a − b under VerificationsEqual.
func DiffVerifications(a, b []models.VerificationDefinition) (added, removed []models.VerificationDefinition) {
	return diff(a, b, HashVerification, VerificationsEqual)
}

func diff[T any](a, b []T, hash func(T) uint64, eq func(T, T) bool) (added, removed []T) {
	ha := bucket(a, hash)
	hb := bucket(b, hash)
	for _, item := range b {
		if !contains(ha[hash(item)], item, eq) {
			added = append(added, item)
		}
	}
	for _, item := range a {
		if !contains(hb[hash(item)], item, eq) {
			removed = append(removed, item)
		}
	}
	return added, removed
}

func bucket[T any](items []T, hash func(T) uint64) map[uint64][]T {
	out := make(map[uint64][]T, len(items))
	for _, item := range items {
		h := hash(item)
		out[h] = append(out[h], item)
	}
	return out
}

func contains[T any](candidates []T, item T, eq func(T, T) bool) bool {
	for _, c := range candidates {
		if eq(c, item) {
			return true
		}
	}
	return false
}

// ── Clients ──────────────────────────────────────────────────

// ClientsEqual reports whether a stored registration and an incoming definition
// declare the same schema.
func ClientsEqual(stored *models.ClientRegistration, incoming models.ClientDefinition) bool {
	if stored.Name != incoming.Name ||
		stored.Description != incoming.Description ||
		stored.Instance != incoming.Instance ||
		len(stored.Settings) != len(incoming.Settings) {
		return false
	}
	added, removed := DiffSettings(stored.Settings, incoming.Settings)
	if len(added) > 0 || len(removed) > 0 {
		return false
	}
	addedV, removedV := DiffVerifications(stored.Verifications, incoming.Verifications)
	return len(addedV) == 0 && len(removedV) == 0
}

// ── Encoding helpers ─────────────────────────────────────────

func appendString(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}

func appendStrings(b []byte, ss []string) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(ss)))
	for _, s := range ss {
		b = appendString(b, s)
	}
	return b
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

func appendOptionalValue(b []byte, v *models.Value) []byte {
	if v == nil {
		return append(b, 0)
	}
	return v.AppendBinary(append(b, 1))
}

func optionalValuesEqual(a, b *models.Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
