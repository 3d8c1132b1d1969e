package util

import (
	"html"
	"strings"
	"unicode"
)

// SanitizeInput trims and escapes HTML/script-like characters in free text
// that ends up in audit rows and rendered suggestion messages.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// NormalizeRecipient folds a payee name so "  Electric Co " and "electric co"
// group together. Inner runs of whitespace collapse to one space.
func NormalizeRecipient(s string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(s), unicode.IsSpace), " ")
}

// ContainsSuspicious flags script-like payloads in identifiers.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"} {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}
