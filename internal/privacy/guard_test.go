package privacy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicl/collector/internal/envelope"
	"github.com/chronicl/collector/internal/metrics"
	"github.com/chronicl/collector/internal/privacy"
)

const testSalt = "test-salt"

func testRules(t *testing.T) *privacy.Rules {
	t.Helper()
	rules, err := privacy.ParseRules([]byte(`
mask_keys: [window_title, subject]
hash_keys: [path, url_full]
drop_payload_keys: [body]
denylist_apps: [keepass.exe]
denylist_action: drop
length_limits:
  window_title: 16
url_policy:
  allow_full_url: false
  keep_domain_only: true
redaction_patterns:
  - '[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}'
  - regex: '\d{6,}'
`))
	require.NoError(t, err)
	return rules
}

func testEnvelope() *envelope.Envelope {
	return &envelope.Envelope{
		SchemaVersion: "1.0",
		EventID:       "0b6f2e9a-41c5-4a1f-9a45-1f1f4a9a6f01",
		TS:            "2026-08-24T10:15:00Z",
		Source:        "os_sensor",
		App:           "outlook.exe",
		EventType:     "outlook.compose_started",
		Priority:      envelope.PriorityP1,
		Resource:      envelope.ResourceRef{Type: "email", ID: "draft-17"},
		Payload:       map[string]any{},
		Privacy:       envelope.PrivacyMeta{PIILevel: "high", Redaction: []string{}},
		WindowID:      "5512",
	}
}

func TestHashKeysAreHMACed(t *testing.T) {
	guard := privacy.NewGuard(testRules(t), testSalt, privacy.URLModeRules, nil)
	env := testEnvelope()
	env.Payload["path"] = "C:\\Users\\pat\\budget.xlsx"

	out := guard.Apply(env)
	require.NotNil(t, out)
	assert.Equal(t, privacy.HMACSHA256("C:\\Users\\pat\\budget.xlsx", testSalt), out.Payload["path"])
	assert.Contains(t, out.Privacy.Redaction, "hash:path")
}

func TestHashKeyHex64Passthrough(t *testing.T) {
	guard := privacy.NewGuard(testRules(t), testSalt, privacy.URLModeRules, nil)
	already := privacy.HMACSHA256("anything", testSalt)
	env := testEnvelope()
	env.Payload["path"] = already

	out := guard.Apply(env)
	require.NotNil(t, out)
	assert.Equal(t, already, out.Payload["path"])
}

func TestMaskAndTruncate(t *testing.T) {
	guard := privacy.NewGuard(testRules(t), testSalt, privacy.URLModeRules, nil)
	env := testEnvelope()
	env.Payload["window_title"] = "mail pat@example.com re 123456789"

	out := guard.Apply(env)
	require.NotNil(t, out)
	title := out.Payload["window_title"].(string)
	assert.NotContains(t, title, "pat@example.com")
	assert.NotContains(t, title, "123456789")
	assert.LessOrEqual(t, len(title), 16)
	assert.Contains(t, out.Privacy.Redaction, "mask:window_title")
}

func TestDropPayloadKeys(t *testing.T) {
	guard := privacy.NewGuard(testRules(t), testSalt, privacy.URLModeRules, nil)
	env := testEnvelope()
	env.Payload["body"] = "dear all, the numbers look bad"
	env.Payload["kept"] = true

	out := guard.Apply(env)
	require.NotNil(t, out)
	assert.NotContains(t, out.Payload, "body")
	assert.Equal(t, true, out.Payload["kept"])
	assert.Contains(t, out.Privacy.Redaction, "drop:body")
}

func TestRecipientSummarization(t *testing.T) {
	guard := privacy.NewGuard(testRules(t), testSalt, privacy.URLModeRules, nil)
	env := testEnvelope()
	env.Payload["recipients"] = []any{"a@corp.com", "b@corp.com", "c@other.io"}

	out := guard.Apply(env)
	require.NotNil(t, out)
	summary, ok := out.Payload["recipients"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 3, summary["count"])
	stats := summary["domain_stats"].(map[string]int)
	assert.Equal(t, 2, stats["corp.com"])
	assert.Equal(t, 1, stats["other.io"])
	assert.Contains(t, out.Privacy.Redaction, "recipients_summarized:recipients")
}

func TestRecipientCountFallback(t *testing.T) {
	guard := privacy.NewGuard(testRules(t), testSalt, privacy.URLModeRules, nil)
	env := testEnvelope()
	env.Payload["to"] = float64(4)

	out := guard.Apply(env)
	require.NotNil(t, out)
	summary := out.Payload["to"].(map[string]any)
	assert.Equal(t, 4, summary["count"])
	assert.NotContains(t, summary, "domain_stats")
}

func TestURLModes(t *testing.T) {
	env := func() *envelope.Envelope {
		e := testEnvelope()
		e.Payload["url"] = "https://intranet.corp.com/docs/q3?token=abc"
		return e
	}

	out := privacy.NewGuard(testRules(t), testSalt, privacy.URLModeRules, nil).Apply(env())
	require.NotNil(t, out)
	assert.Equal(t, "intranet.corp.com", out.Payload["url"])
	assert.Contains(t, out.Privacy.Redaction, "url_sanitized")

	out = privacy.NewGuard(testRules(t), testSalt, privacy.URLModeFull, nil).Apply(env())
	require.NotNil(t, out)
	assert.Equal(t, "https://intranet.corp.com/docs/q3?token=abc", out.Payload["url"])
	assert.NotContains(t, out.Privacy.Redaction, "url_sanitized")

	out = privacy.NewGuard(testRules(t), testSalt, privacy.URLModeDomain, nil).Apply(env())
	require.NotNil(t, out)
	assert.Equal(t, "intranet.corp.com", out.Payload["url"])
}

func TestWindowAndResourceIDHashing(t *testing.T) {
	guard := privacy.NewGuard(testRules(t), testSalt, privacy.URLModeRules, nil)
	env := testEnvelope()

	out := guard.Apply(env)
	require.NotNil(t, out)
	assert.Equal(t, privacy.HMACSHA256("5512", testSalt), out.WindowID)
	assert.Equal(t, privacy.HMACSHA256("draft-17", testSalt), out.Resource.ID)
	assert.Contains(t, out.Privacy.Redaction, "window_id_hashed")
	assert.Contains(t, out.Privacy.Redaction, "resource_id_hashed")
}

func TestUnknownResourceIDNotHashed(t *testing.T) {
	guard := privacy.NewGuard(testRules(t), testSalt, privacy.URLModeRules, nil)
	env := testEnvelope()
	env.Resource.ID = "unknown"

	out := guard.Apply(env)
	require.NotNil(t, out)
	assert.Equal(t, "unknown", out.Resource.ID)
	assert.NotContains(t, out.Privacy.Redaction, "resource_id_hashed")
}

func TestApplyIsIdempotent(t *testing.T) {
	guard := privacy.NewGuard(testRules(t), testSalt, privacy.URLModeRules, nil)
	env := testEnvelope()
	env.Payload["path"] = "C:\\Users\\pat\\budget.xlsx"
	env.Payload["url"] = "https://intranet.corp.com/docs/q3"

	once := guard.Apply(env)
	require.NotNil(t, once)
	windowID := once.WindowID
	resourceID := once.Resource.ID
	path := once.Payload["path"]
	tags := append([]string(nil), once.Privacy.Redaction...)

	twice := guard.Apply(once)
	require.NotNil(t, twice)
	assert.Equal(t, windowID, twice.WindowID)
	assert.Equal(t, resourceID, twice.Resource.ID)
	assert.Equal(t, path, twice.Payload["path"])
	assert.Equal(t, tags, twice.Privacy.Redaction)
}

func TestDenylistDrop(t *testing.T) {
	reg := metrics.New(metrics.Options{})
	guard := privacy.NewGuard(testRules(t), testSalt, privacy.URLModeRules, reg)
	env := testEnvelope()
	env.App = "KeePass.exe"

	assert.Nil(t, guard.Apply(env))
	assert.Equal(t, int64(1), reg.Counter("privacy.denied_total"))
}

func TestDenylistStrip(t *testing.T) {
	rules := testRules(t)
	rules.DenylistAction = "strip"
	guard := privacy.NewGuard(rules, testSalt, privacy.URLModeRules, nil)
	env := testEnvelope()
	env.App = "keepass.exe"
	env.Payload["secret"] = "hunter2"

	out := guard.Apply(env)
	require.NotNil(t, out)
	assert.Empty(t, out.Payload)
	assert.Contains(t, out.Privacy.Redaction, "denylist_stripped")
}

func TestAllowlistExcludesOtherApps(t *testing.T) {
	rules := testRules(t)
	rules.AllowlistApps = map[string]struct{}{"excel.exe": {}}
	reg := metrics.New(metrics.Options{})
	guard := privacy.NewGuard(rules, testSalt, privacy.URLModeRules, reg)

	env := testEnvelope() // outlook.exe
	assert.Nil(t, guard.Apply(env))
	assert.Equal(t, int64(1), reg.Counter("drop.reason.allowlist"))

	env = testEnvelope()
	env.App = "EXCEL.EXE"
	assert.NotNil(t, guard.Apply(env))
}

func TestNonStringHashableValueNeverLeaks(t *testing.T) {
	guard := privacy.NewGuard(testRules(t), testSalt, privacy.URLModeRules, nil)
	env := testEnvelope()
	env.Payload["path"] = map[string]any{"dir": "C:\\Users\\pat"}

	out := guard.Apply(env)
	require.NotNil(t, out)
	hashed, ok := out.Payload["path"].(string)
	require.True(t, ok)
	assert.True(t, privacy.IsHex64(hashed))
}
