package normalize

import (
	"net/mail"
	"regexp"
	"strings"
)

var emailRe = regexp.MustCompile(
	`(?i)^[A-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+@` +
		`[A-Z0-9](?:[A-Z0-9-]{0,61}[A-Z0-9])?` +
		`(?:\.[A-Z0-9](?:[A-Z0-9-]{0,61}[A-Z0-9])?)+$`)

const emailStripChars = "<>[]()\"' \t\r\n"

// CleanEmail normalizes a raw address: strips a mailto: prefix, any query
// part after "?", angle brackets and surrounding punctuation, extracts the
// address from a display-name form, removes spaces and zero-width characters,
// and lowercases the result.
func CleanEmail(value string) string {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return ""
	}

	if strings.HasPrefix(strings.ToLower(raw), "mailto:") {
		raw = raw[len("mailto:"):]
	}
	if idx := strings.Index(raw, "?"); idx >= 0 {
		raw = raw[:idx]
	}

	if addr, err := mail.ParseAddress(raw); err == nil {
		raw = addr.Address
	}

	raw = strings.Trim(raw, emailStripChars)
	raw = strings.ReplaceAll(raw, " ", "")
	raw = strings.ReplaceAll(raw, "\u200b", "")
	return strings.ToLower(raw)
}

// IsValidEmail reports whether the value cleans up to an address that
// satisfies the RFC 5321-ish pattern. Empty input and values without "@"
// are invalid.
func IsValidEmail(value string) bool {
	candidate := CleanEmail(value)
	if candidate == "" || !strings.Contains(candidate, "@") {
		return false
	}
	return emailRe.MatchString(candidate)
}
