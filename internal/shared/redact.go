package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// The runtime handles three kinds of secrets: the gateway bearer token
// (TASKMUX_AUTH_TOKEN or the minted <home>/auth.token), engine API keys
// resolved from the api_key_env config field, and whatever clients send in
// Authorization headers. The patterns below catch those shapes in strings
// bound for logs, audit records, or bus payloads.
var secretPatterns = []*regexp.Regexp{
	// Key-like assignments: TASKMUX_AUTH_TOKEN=..., api_key: "...", auth.token=...
	regexp.MustCompile(`(?i)(taskmux_auth_token|auth\.token|api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Authorization: Bearer <token> headers echoed into errors.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// The uuid tokens the daemon mints when none is configured.
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// Redact masks secret-bearing substrings, keeping the key name so the log
// line stays diagnosable.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// sensitiveKeyTokens flags names whose values never belong in output,
// whatever they contain.
var sensitiveKeyTokens = []string{
	"token", "secret", "password", "credential", "authorization", "api_key", "apikey", "bearer",
}

// SensitiveKey reports whether a key name (log attribute, env var, config
// field) should have its value masked wholesale rather than pattern-matched.
func SensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	for _, tok := range sensitiveKeyTokens {
		if strings.Contains(k, tok) {
			return true
		}
	}
	return false
}
