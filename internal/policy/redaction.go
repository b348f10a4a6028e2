package policy

import "regexp"

var (
	bearerPattern    = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=\-]+`)
	jwtPattern       = regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\b`)
	secretKeyPattern = regexp.MustCompile(`(?i)("?(?:session_?key|token|api_?key|api_?secret)"?\s*[:=]\s*"?)[^"&,\s}]+`)
)

// RedactSecrets masks bearer credentials, LiveKit/JWT tokens and key-like
// fields so negotiation payloads can be logged.
func RedactSecrets(input string) (redacted string, changed bool) {
	out := input

	next := bearerPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	changed = changed || next != out
	out = next

	next = jwtPattern.ReplaceAllString(out, "[REDACTED_TOKEN]")
	changed = changed || next != out
	out = next

	next = secretKeyPattern.ReplaceAllString(out, "${1}[REDACTED]")
	changed = changed || next != out
	out = next

	return out, changed
}

// Redact is RedactSecrets without the changed flag.
func Redact(input string) string {
	out, _ := RedactSecrets(input)
	return out
}
