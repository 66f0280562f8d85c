package configutil

import (
	"errors"
	"sort"
	"strings"
)

// Schema lists the keys a settings block may carry, such as one entry in
// the scenario roster. Presence and key spelling are checked here; value
// types are left to DecodeSettings.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// ValidateSettings checks a settings map against a schema. Key matching is
// case, underscore and hyphen insensitive, so "voice_name", "voiceName" and
// "voice-name" all satisfy the same schema entry. A required key counts
// only when its value is non-blank.
func ValidateSettings(input map[string]any, schema Schema) error {
	required := make(map[string]bool, len(schema.Required)+len(schema.Optional))
	names := make(map[string]string, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Optional {
		required[normalizeKey(k)] = false
		names[normalizeKey(k)] = k
	}
	for _, k := range schema.Required {
		required[normalizeKey(k)] = true
		names[normalizeKey(k)] = k
	}

	filled := make(map[string]bool, len(input))
	var unknown []string
	for key, value := range input {
		nk := normalizeKey(key)
		if _, known := required[nk]; !known {
			if !schema.AllowUnknown {
				unknown = append(unknown, key)
			}
			continue
		}
		if !blank(value) {
			filled[nk] = true
		}
	}

	var missing []string
	for nk, req := range required {
		if req && !filled[nk] {
			missing = append(missing, names[nk])
		}
	}
	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}

	sort.Strings(missing)
	sort.Strings(unknown)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(unknown, ", "))
	}
	return errors.New(strings.Join(parts, "; "))
}

func blank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}
