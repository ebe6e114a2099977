package models

import (
	"fmt"
	"regexp"
)

// Problems lists every structural problem in the definition: missing or
// duplicate names, unknown value, validation or verification kinds, defaults
// of the wrong type, bad regexes and verifications that reference undeclared
// settings. It does not know about plugins or secrets. A valid definition
// returns nil.
func (d ClientDefinition) Problems() []string {
	var out []string
	add := func(format string, args ...any) { out = append(out, fmt.Sprintf(format, args...)) }

	if d.Name == "" {
		add("client name is required")
	}

	names := make(map[string]bool, len(d.Settings))
	for _, st := range d.Settings {
		if st.Name == "" {
			add("setting name is required")
			continue
		}
		if names[st.Name] {
			add("duplicate setting %q", st.Name)
		}
		names[st.Name] = true

		if !st.ValueType.Valid() {
			add("setting %q has unknown value type %q", st.Name, st.ValueType)
		}
		if st.DefaultValue != nil && st.DefaultValue.Type() != st.ValueType {
			add("setting %q default is %s, declared %s", st.Name, st.DefaultValue.Type(), st.ValueType)
		}
		switch st.ValidationType {
		case "", ValidationNone:
		case ValidationRegex:
			if _, err := regexp.Compile(st.ValidationRegex); err != nil {
				add("setting %q validation regex: %v", st.Name, err)
			}
		case ValidationValidValues:
			if len(st.ValidValues) == 0 {
				add("setting %q uses valid values but lists none", st.Name)
			}
		default:
			add("setting %q has unknown validation type %q", st.Name, st.ValidationType)
		}
	}

	seen := make(map[string]bool, len(d.Verifications))
	for _, v := range d.Verifications {
		if v.Name == "" {
			add("verification name is required")
			continue
		}
		if seen[v.Name] {
			add("duplicate verification %q", v.Name)
		}
		seen[v.Name] = true

		switch v.Kind {
		case VerificationDynamic:
			if v.Code == "" {
				add("verification %q has no code", v.Name)
			}
		case VerificationPlugin:
		default:
			add("verification %q has unknown kind %q", v.Name, v.Kind)
		}
		for _, ref := range v.SettingNames {
			if !names[ref] {
				add("verification %q references unknown setting %q", v.Name, ref)
			}
		}
	}
	return out
}
