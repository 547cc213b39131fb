// Package privacy applies the redaction rules that keep PII out of the store.
//
// The guard runs after normalization and before priority processing. Its
// transforms are idempotent up to redaction-tag deduplication: identifiers
// are hashed once (the tag records that it happened), masking and recipient
// summarization produce fixed points.
package privacy

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/chronicl/collector/internal/envelope"
	"github.com/chronicl/collector/internal/metrics"
)

// Payload keys treated as recipient lists regardless of rules. Their values
// are replaced by a count/domain summary; no raw address survives.
var emailKeys = map[string]struct{}{
	"recipients": {},
	"recipient":  {},
	"to":         {},
	"cc":         {},
	"bcc":        {},
	"email":      {},
	"emails":     {},
}

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

const (
	tagWindowIDHashed   = "window_id_hashed"
	tagResourceIDHashed = "resource_id_hashed"
	tagDenylistStripped = "denylist_stripped"
	tagURLSanitized     = "url_sanitized"
)

// URLMode overrides the per-rule url policy globally.
type URLMode string

const (
	URLModeRules  URLMode = "rules"
	URLModeFull   URLMode = "full"
	URLModeDomain URLMode = "domain"
)

type Guard struct {
	rules   *Rules
	salt    string
	urlMode URLMode
	metrics *metrics.Registry
}

func NewGuard(rules *Rules, salt string, urlMode URLMode, reg *metrics.Registry) *Guard {
	if rules == nil {
		rules = DefaultRules()
	}
	switch urlMode {
	case URLModeRules, URLModeFull, URLModeDomain:
	default:
		urlMode = URLModeRules
	}
	return &Guard{rules: rules, salt: salt, urlMode: urlMode, metrics: reg}
}

// Apply transforms the envelope in place and returns it, or returns nil when
// the event is denied. Unknown payload keys pass through unchanged; values
// that cannot be typed safely are hashed rather than emitted raw.
func (g *Guard) Apply(env *envelope.Envelope) *envelope.Envelope {
	appKey := strings.ToLower(env.App)
	if len(g.rules.AllowlistApps) > 0 {
		if _, ok := g.rules.AllowlistApps[appKey]; !ok {
			if g.metrics != nil {
				g.metrics.RecordDrop("allowlist")
			}
			return nil
		}
	}
	if _, denied := g.rules.DenylistApps[appKey]; denied {
		if g.metrics != nil {
			g.metrics.RecordPrivacyDenied()
		}
		if g.rules.DenylistAction != "strip" {
			return nil
		}
		env.Payload = map[string]any{}
		env.AppendRedaction(tagDenylistStripped)
		return env
	}

	tags := append([]string(nil), env.Privacy.Redaction...)
	tagged := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		tagged[t] = struct{}{}
	}

	if env.WindowID != "" {
		if _, done := tagged[tagWindowIDHashed]; !done {
			env.WindowID = HMACSHA256(env.WindowID, g.salt)
		}
		tags = append(tags, tagWindowIDHashed)
	}
	if env.Resource.ID != "" && env.Resource.ID != "unknown" {
		if _, done := tagged[tagResourceIDHashed]; !done {
			env.Resource.ID = HMACSHA256(env.Resource.ID, g.salt)
		}
		tags = append(tags, tagResourceIDHashed)
	}

	sanitized := make(map[string]any, len(env.Payload))
	for _, key := range sortedKeys(env.Payload) {
		keyNorm := strings.ToLower(key)
		value := env.Payload[key]
		if _, drop := g.rules.DropPayloadKeys[keyNorm]; drop {
			tags = append(tags, "drop:"+keyNorm)
			continue
		}
		if _, isEmail := emailKeys[keyNorm]; isEmail {
			sanitized[key] = summarizeRecipients(value)
			tags = append(tags, "recipients_summarized:"+keyNorm)
			continue
		}
		sanitized[key] = g.sanitizeValue(keyNorm, value, &tags)
	}
	env.Payload = sanitized
	before := len(env.Privacy.Redaction)
	env.Privacy.Redaction = envelope.DedupeTags(tags)
	if g.metrics != nil && len(env.Privacy.Redaction) > before {
		g.metrics.RecordPrivacyRedacted()
	}
	return env
}

func (g *Guard) sanitizeValue(keyNorm string, value any, tags *[]string) any {
	if _, hash := g.rules.HashKeys[keyNorm]; hash {
		*tags = append(*tags, "hash:"+keyNorm)
		s, ok := value.(string)
		if !ok {
			s = stringifyUnsafe(value)
		}
		if IsHex64(s) {
			return s
		}
		return HMACSHA256(s, g.salt)
	}

	s, isString := value.(string)
	if !isString {
		return value
	}

	if keyNorm == "url" {
		allowFull := g.rules.URLPolicy.AllowFullURL
		keepDomainOnly := g.rules.URLPolicy.KeepDomainOnly
		switch g.urlMode {
		case URLModeFull:
			allowFull = true
		case URLModeDomain:
			allowFull = false
			keepDomainOnly = true
		}
		if !allowFull {
			s = SanitizeURL(s, keepDomainOnly)
			*tags = append(*tags, tagURLSanitized)
		}
	}
	if _, mask := g.rules.MaskKeys[keyNorm]; mask {
		s = MaskPatterns(s, g.rules.Patterns)
		*tags = append(*tags, "mask:"+keyNorm)
	}
	if maxLen, ok := g.rules.LengthLimits[keyNorm]; ok {
		s = Truncate(s, maxLen)
	}
	return s
}

// summarizeRecipients reduces any recipient-shaped value to
// {count, domain_stats?}. Emails are extracted structurally and by regex;
// when none are found a structural count stands in.
func summarizeRecipients(value any) map[string]any {
	emails := collectEmails(value)
	if len(emails) > 0 {
		domainStats := map[string]int{}
		for _, email := range emails {
			if _, domain, found := strings.Cut(strings.ToLower(email), "@"); found && domain != "" {
				domainStats[domain]++
			}
		}
		summary := map[string]any{"count": len(emails)}
		if len(domainStats) > 0 {
			summary["domain_stats"] = domainStats
		}
		return summary
	}
	return map[string]any{"count": coerceCount(value)}
}

func collectEmails(value any) []string {
	switch v := value.(type) {
	case string:
		return emailPattern.FindAllString(v, -1)
	case []any:
		var out []string
		for _, item := range v {
			out = append(out, collectEmails(item)...)
		}
		return out
	case map[string]any:
		var out []string
		for _, key := range sortedKeys(v) {
			out = append(out, collectEmails(v[key])...)
		}
		return out
	}
	return nil
}

func coerceCount(value any) int {
	switch v := value.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if strings.TrimSpace(v) != "" {
			return 1
		}
	case []any:
		return len(v)
	case map[string]any:
		switch c := v["count"].(type) {
		case float64:
			return int(c)
		case int:
			return c
		}
	}
	return 0
}

// stringifyUnsafe renders a value destined for hashing. The exact shape does
// not matter; it only has to be deterministic and never leak the raw value.
func stringifyUnsafe(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return "composite"
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
