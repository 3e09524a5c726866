package discovery

import "strings"

// PasswordVariant is one candidate password plus the label the trial
// records on success (§4.2 stage 7: "labelling non-original successes as
// pass{<variant>}").
type PasswordVariant struct {
	Password string
	Label    string // "original" or a descriptive variant name
}

// toggleFirstChar flips the case of the first alphabetic character,
// returning ("", false) if the string is empty, non-alphabetic at
// position 0, or already ambiguous (e.g. no case to toggle).
func toggleFirstChar(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	r := []rune(s)
	first := r[0]
	var toggled rune
	switch {
	case first >= 'a' && first <= 'z':
		toggled = first - ('a' - 'A')
	case first >= 'A' && first <= 'Z':
		toggled = first + ('a' - 'A')
	default:
		return "", false
	}
	r[0] = toggled
	out := string(r)
	if out == s {
		return "", false
	}
	return out, true
}

// GeneratePasswordVariations implements the exact variant order of
// spec §4.2 stage 7, grounded on original_source's
// ipcam_scan/mod.rs::generate_password_variations: original; first-char
// toggled; then, if the password ends in '@', a trimmed form (and its
// toggled form); otherwise three @-suffixed forms (each with its toggled
// form too).
func GeneratePasswordVariations(password string) []PasswordVariant {
	variants := []PasswordVariant{{Password: password, Label: "original"}}

	if toggled, ok := toggleFirstChar(password); ok {
		variants = append(variants, PasswordVariant{Password: toggled, Label: "first_char_toggled"})
	}

	if strings.HasSuffix(password, "@") {
		withoutAt := strings.TrimRight(password, "@")
		if withoutAt != "" && withoutAt != password {
			variants = append(variants, PasswordVariant{Password: withoutAt, Label: "without_trailing_at"})
			if toggled, ok := toggleFirstChar(withoutAt); ok {
				variants = append(variants, PasswordVariant{Password: toggled, Label: "without_at+first_toggled"})
			}
		}
		return variants
	}

	for _, suffix := range []struct{ at, name string }{{"@", "at1"}, {"@@", "at2"}, {"@@@", "at3"}} {
		withSuffix := password + suffix.at
		variants = append(variants, PasswordVariant{Password: withSuffix, Label: "with_" + suffix.name})
		if toggled, ok := toggleFirstChar(withSuffix); ok {
			variants = append(variants, PasswordVariant{Password: toggled, Label: "with_" + suffix.name + "+first_toggled"})
		}
	}
	return variants
}
