package bus

import (
	"encoding/base32"
	"encoding/hex"
	"strings"

	"github.com/chronicl/collector/internal/envelope"
	"github.com/chronicl/collector/internal/privacy"
	"github.com/chronicl/collector/internal/store"
)

// Activity-detail derivation: focus blocks long enough to matter become
// rolling per-(app, title) counters. Titles are HMAC-hashed; the clear hint
// survives only for apps on the full-title allowlist.

func (b *Bus) buildActivityDetails(batch []*envelope.Envelope) []store.ActivityDetailRecord {
	opts := b.opts.ActivityDetail
	var records []store.ActivityDetailRecord
	for _, out := range batch {
		if !strings.EqualFold(out.EventType, "os.app_focus_block") {
			continue
		}
		duration := payloadDuration(out.Payload)
		if duration < opts.MinDurationSec {
			continue
		}
		app := strings.TrimSpace(out.App)
		if app == "" {
			continue
		}
		title, _ := out.Payload["window_title"].(string)
		appKey := strings.ToLower(app)
		if _, full := b.fullTitleApps[appKey]; full {
			// The guard may have masked the stored title; the raw copy keeps
			// the original for allowlisted apps.
			if rawTitle := rawWindowTitle(out.Raw); rawTitle != "" {
				title = rawTitle
			}
		}
		title = strings.TrimSpace(title)
		if title == "" {
			continue
		}

		clean := NormalizeTitle(app, title)
		salt := opts.HashSalt
		if salt == "" {
			salt = "dev-salt"
		}
		hash := privacy.HMACSHA256(clean, salt)
		hint := ""
		if opts.StoreHint {
			hint = clean
			if opts.MaxTitleLen > 0 && len(hint) > opts.MaxTitleLen {
				hint = hint[:opts.MaxTitleLen]
			}
		}
		records = append(records, store.ActivityDetailRecord{
			App:         app,
			TitleHash:   hash,
			TitleHint:   hint,
			FirstSeenTS: out.TS,
			LastSeenTS:  out.TS,
			DurationSec: duration,
		})
	}
	return records
}

// NormalizeTitle strips the window-manager suffix some apps append, so the
// same document maps to one title hash.
func NormalizeTitle(app, title string) string {
	appKey := strings.ToLower(app)
	value := strings.TrimSpace(title)
	var suffixes []string
	switch appKey {
	case "notion.exe":
		suffixes = []string{" - Notion", " – Notion", " — Notion"}
	case "code.exe":
		suffixes = []string{" - Visual Studio Code", " - Visual Studio Code Insiders", " - Code"}
	}
	for _, suffix := range suffixes {
		if strings.HasSuffix(value, suffix) {
			value = strings.TrimSpace(strings.TrimSuffix(value, suffix))
			break
		}
	}
	return value
}

// TitleLabel renders a short human-scannable label like "NOTION-A3F2K9QX"
// from an app name and a title hash.
func TitleLabel(app, titleHash string) string {
	appKey := strings.ToUpper(strings.SplitN(app, ".", 2)[0])
	if appKey == "" {
		appKey = "APP"
	}
	code := titleHash
	if code == "" {
		code = "UNKNOWN"
	} else if raw, err := hex.DecodeString(titleHash); err == nil {
		code = strings.TrimRight(base32.StdEncoding.EncodeToString(raw), "=")
	}
	if len(code) > 8 {
		code = code[:8]
	}
	return appKey + "-" + code
}

func rawWindowTitle(raw map[string]any) string {
	payload, _ := raw["payload"].(map[string]any)
	title, _ := payload["window_title"].(string)
	return strings.TrimSpace(title)
}

func lowerSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}

func toLower(s string) string { return strings.ToLower(s) }

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
