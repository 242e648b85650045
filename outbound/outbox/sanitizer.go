package outbox

import (
	"regexp"
	"strings"
)

// Sink failures are stored verbatim in the last_error column, and sink
// endpoints or responses may echo credentials back. Everything written to
// that column passes through redaction and a bounded-length cut first.
const maxStoredErrorRunes = 512

const storedErrorTruncatedSuffix = "... (truncated)"

const redactedValue = "[REDACTED]"

type redactionRule struct {
	pattern     *regexp.Regexp
	replacement string
}

var redactionRules = []redactionRule{
	{
		pattern:     regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`),
		replacement: `$1:` + redactedValue + `@`,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*\b`),
		replacement: "Bearer " + redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|password|secret|signature)\s*[:=]\s*([^\s,;]+)`),
		replacement: `$1=` + redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)([?&](?:password|pwd|token|api[_-]?key|secret)=)([^&\s]+)`),
		replacement: `$1` + redactedValue,
	},
}

func sanitizeErrorForStorage(err error) string {
	if err == nil {
		return ""
	}

	return SanitizeErrorMessageForStorage(err.Error())
}

// SanitizeErrorMessageForStorage redacts credential-shaped substrings and
// enforces the stored-error length bound.
func SanitizeErrorMessageForStorage(msg string) string {
	redacted := strings.TrimSpace(msg)
	for _, rule := range redactionRules {
		redacted = rule.pattern.ReplaceAllString(redacted, rule.replacement)
	}

	return truncateStoredError(redacted)
}

func truncateStoredError(msg string) string {
	runes := []rune(msg)
	if len(runes) <= maxStoredErrorRunes {
		return msg
	}

	suffix := []rune(storedErrorTruncatedSuffix)
	if maxStoredErrorRunes <= len(suffix) {
		return string(runes[:maxStoredErrorRunes])
	}

	return string(runes[:maxStoredErrorRunes-len(suffix)]) + storedErrorTruncatedSuffix
}
