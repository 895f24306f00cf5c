package logging

import (
	"regexp"
)

// Patterns for credential material that must never reach a log collaborator.
// Matching is deliberately broad; a scrubbed log line is recoverable, a leaked
// key is not.
var sanitizePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|passwd|secret|token|api[_-]?key)\s*[=:]\s*\S+`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----(?s:.*?)-----END [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)authorization:\s*\S+\s+\S+`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`ssh-(rsa|ed25519|dss) [A-Za-z0-9+/=]+`),
}

const redacted = "[REDACTED]"

// Sanitize scrubs credential/secret material from a log line
func Sanitize(line string) string {
	for _, p := range sanitizePatterns {
		line = p.ReplaceAllString(line, redacted)
	}
	return line
}
