// Package redact masks PII and credentials in text that leaves the
// process through logs or job records.
package redact

import (
	"regexp"
	"unicode/utf8"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)

	authPattern   = regexp.MustCompile(`(?i)\b(bearer|token)\s+[A-Za-z0-9_.~+/=\-]{8,}`)
	apiKeyPattern = regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{8,}`)
)

// PII masks common high-risk PII patterns.
func PII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Cards before phones, or card numbers match the phone pattern.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// Secrets masks authorization headers and API keys echoed back by
// backends.
func Secrets(input string) string {
	out := authPattern.ReplaceAllString(input, "$1 [REDACTED]")
	return apiKeyPattern.ReplaceAllString(out, "[REDACTED_KEY]")
}

// Text applies Secrets and PII.
func Text(input string) string {
	out, _ := PII(Secrets(input))
	return out
}

// Preview is Text cut to at most n runes.
func Preview(input string, n int) string {
	out := Text(input)
	if n <= 0 || utf8.RuneCountInString(out) <= n {
		return out
	}
	r := []rune(out)
	return string(r[:n]) + "…"
}
