package util

import "strings"

// NormalizeEmail lowercases and trims an address so suppression and user lookups match.
// Returns "" when the input does not look like an address.
func NormalizeEmail(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 || strings.ContainsAny(s, " \t\r\n") {
		return ""
	}

	return s
}
