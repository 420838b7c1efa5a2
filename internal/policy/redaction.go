package policy

import "regexp"

var (
	apiKeyPattern = regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{8,}\b`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._\-]+`)
)

// RedactSecrets masks credentials before text leaves the process in
// error details or log lines.
func RedactSecrets(input string) (redacted string, changed bool) {
	out := input

	next := apiKeyPattern.ReplaceAllString(out, "[REDACTED_KEY]")
	changed = changed || next != out
	out = next

	next = bearerPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	changed = changed || next != out
	out = next

	return out, changed
}
