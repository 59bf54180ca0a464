package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPattern pairs a matcher with the submatch group to preserve; group 0
// redacts the whole match.
type secretPattern struct {
	re   *regexp.Regexp
	keep int
}

// The coordinator handles two kinds of secrets in practice: gateway bearer
// tokens and Telegram bot tokens. The key=value forms catch anything an
// operator pastes into a brief or correction text.
var secretPatterns = []secretPattern{
	{re: regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), keep: 1},
	{re: regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?`), keep: 1},
	{re: regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}"?`), keep: 1},
	// Telegram bot token: numeric bot id, colon, secret.
	{re: regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_\-]{30,}\b`), keep: 0},
}

// Redact replaces secret-bearing substrings with [REDACTED], preserving the
// label so log lines stay readable.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, p := range secretPatterns {
		out = p.re.ReplaceAllStringFunc(out, func(match string) string {
			if p.keep == 0 {
				return redactedPlaceholder
			}
			groups := p.re.FindStringSubmatch(match)
			if len(groups) > p.keep {
				return groups[p.keep] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return out
}

var sensitiveKeyTokens = []string{"api_key", "apikey", "secret", "token", "password", "credential"}

// RedactEnvValue hides the value when the key name itself marks it as a
// secret, regardless of what the value looks like.
func RedactEnvValue(key, value string) string {
	lower := strings.ToLower(key)
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(lower, token) {
			return redactedPlaceholder
		}
	}
	return value
}
