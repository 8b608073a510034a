package util

import (
	"html"
	"strings"
)

// SanitizeInput trims and escapes HTML/script-like characters from
// user-supplied strings (device names, channel values).
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// IsDigits reports whether s is non-empty and made of ASCII digits only.
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// LooksLikeEmail is a cheap structural check, not RFC validation. Real
// verification happens by delivering a code to the address.
func LooksLikeEmail(s string) bool {
	at := strings.Index(s, "@")
	if at <= 0 || at == len(s)-1 {
		return false
	}
	return strings.Contains(s[at+1:], ".")
}
