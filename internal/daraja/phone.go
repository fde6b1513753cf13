package daraja

import (
	"regexp"
	"strings"
)

var (
	phoneJunk  = regexp.MustCompile(`[\s\-()]`)
	validPhone = regexp.MustCompile(`^254[17]\d{8}$`)
)

// NormalizePhone converts a Kenyan mobile number to the 254XXXXXXXXX form
// the gateway requires. Numbers that match none of the known prefixes pass
// through unchanged; normalization is idempotent.
func NormalizePhone(phone string) string {
	formatted := phoneJunk.ReplaceAllString(strings.TrimSpace(phone), "")

	switch {
	case strings.HasPrefix(formatted, "+254"):
		formatted = formatted[1:]
	case strings.HasPrefix(formatted, "0"):
		formatted = "254" + formatted[1:]
	case strings.HasPrefix(formatted, "7"), strings.HasPrefix(formatted, "1"):
		formatted = "254" + formatted
	}

	return formatted
}

// IsValidPhone reports whether the number normalizes to a dispatchable
// Kenyan mobile number: country code 254, prefix 7 or 1, 12 digits total.
func IsValidPhone(phone string) bool {
	return validPhone.MatchString(NormalizePhone(phone))
}
