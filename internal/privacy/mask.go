package privacy

import (
	"net/url"
	"regexp"
)

const RedactionToken = "[REDACTED]"

// Truncate clips a string to maxLen bytes. Zero or negative means unlimited.
func Truncate(value string, maxLen int) string {
	if maxLen <= 0 || len(value) <= maxLen {
		return value
	}
	return value[:maxLen]
}

// MaskPatterns replaces every match of every pattern with the redaction token.
func MaskPatterns(value string, patterns []*regexp.Regexp) string {
	for _, p := range patterns {
		value = p.ReplaceAllString(value, RedactionToken)
	}
	return value
}

// SanitizeURL reduces a URL to its host when keepDomainOnly is set. Values
// that do not parse as URLs are returned unchanged.
func SanitizeURL(value string, keepDomainOnly bool) string {
	if !keepDomainOnly {
		return value
	}
	parsed, err := url.Parse(value)
	if err != nil || parsed.Host == "" {
		return value
	}
	return parsed.Host
}
