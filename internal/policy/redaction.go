package policy

import "regexp"

var (
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[a-z0-9._~+/\-]+=*`)
	jwtPattern    = regexp.MustCompile(`\beyJ[a-zA-Z0-9_\-]+\.[a-zA-Z0-9_\-]+\.[a-zA-Z0-9_\-]+`)
	apiKeyPattern = regexp.MustCompile(`\b(?:sk|pk|ak)_(?:live_|test_)?[a-zA-Z0-9]{12,}\b`)
	tokenField    = regexp.MustCompile(`(?i)("(?:user_token|access_token|refresh_token|api_key|token)"\s*:\s*")[^"]*(")`)
)

// RedactSecrets masks credentials that backend error bodies and websocket
// errors sometimes echo back, so they never reach logs or the operator.
func RedactSecrets(input string) (redacted string, changed bool) {
	out := input

	next := tokenField.ReplaceAllString(out, "${1}[REDACTED]${2}")
	changed = changed || next != out
	out = next

	next = bearerPattern.ReplaceAllString(out, "Bearer [REDACTED_TOKEN]")
	changed = changed || next != out
	out = next

	// JWTs can appear bare (query strings, error echoes).
	next = jwtPattern.ReplaceAllString(out, "[REDACTED_TOKEN]")
	changed = changed || next != out
	out = next

	next = apiKeyPattern.ReplaceAllString(out, "[REDACTED_KEY]")
	changed = changed || next != out
	out = next

	return out, changed
}

// Redact is RedactSecrets without the change flag.
func Redact(input string) string {
	out, _ := RedactSecrets(input)
	return out
}
