// Package redact removes credentials from strings before they are logged or
// returned to API clients. Media URLs often carry signatures in their query
// strings and remote engine errors can echo API keys, so every error that
// crosses a log or response boundary goes through Error.
package redact

import (
	"regexp"
)

// Placeholders substituted for redacted content.
const (
	RedactionPlaceholder          = "[REDACTED]"
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedJWTPlaceholder        = "[REDACTED_JWT]"
	RedactedQueryPlaceholder      = "[REDACTED_QUERY]"
)

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Rules run in order; URL credentials go first so later rules never see a
// half-redacted URL.
var rules = []rule{
	// user:password@ in any URL, database DSNs included
	{regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://)[^/\s:@]+:[^/\s@]+@`), "${1}" + RedactedCredentialPlaceholder + "@"},
	// query strings of http(s) URLs: presigned URLs carry their signature there
	{regexp.MustCompile(`(?i)(https?://[^\s?#"']+)\?[^\s#"']+`), "${1}?" + RedactedQueryPlaceholder},
	// JWTs
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`), RedactedJWTPlaceholder},
	// Authorization header values
	{regexp.MustCompile(`(?i)\b(bearer|basic)\s+[A-Za-z0-9_\-.~+/=]{8,}`), "${1} " + RedactedKeyPlaceholder},
	// provider keys: DashScope/Mistral sk- keys and Google AIza keys
	{regexp.MustCompile(`\b(sk-[A-Za-z0-9]{16,}|AIza[0-9A-Za-z_-]{30,})`), RedactedKeyPlaceholder},
	// AWS access key ids
	{regexp.MustCompile(`\b(AKIA|ASIA)[A-Z0-9]{16}\b`), RedactedKeyPlaceholder},
	// key=value style secrets
	{
		regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?key|secret[_-]?key|secret|token|password|passwd)(["']?\s*[:=]\s*["']?)[^\s"'&,;]{3,}`),
		"${1}${2}" + RedactedCredentialPlaceholder,
	},
}

// String redacts credentials from s.
func String(s string) string {
	if s == "" {
		return s
	}
	for _, r := range rules {
		s = r.pattern.ReplaceAllString(s, r.replacement)
	}
	return s
}

// Error redacts credentials from err's message.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
