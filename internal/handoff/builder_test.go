package handoff

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chronicl/collector/internal/privacy"
	"github.com/chronicl/collector/internal/store"
)

var buildNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func seededStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "collector.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate())

	require.NoError(t, st.InsertEvents([]store.EventToInsert{
		{
			SchemaVersion: "1.0", EventID: "e1", TS: "2026-08-24T11:58:00Z",
			Source: "os_sensor", App: "excel.exe", EventType: "outlook.send_clicked",
			Priority: "P0", ResourceType: "email", ResourceID: "r1",
			PayloadJSON: `{}`,
			PrivacyJSON: `{"pii_level":"low","redaction":["mask:window_title","hash:path"]}`,
			RawJSON:     "{}",
		},
		{
			SchemaVersion: "1.0", EventID: "e2", TS: "2026-08-24T11:59:00Z",
			Source: "os_sensor", App: "excel.exe", EventType: "os.foreground_changed",
			Priority: "P2", ResourceType: "window", ResourceID: "r2",
			PayloadJSON: `{"window_title":"Budget review"}`,
			PrivacyJSON: `{"pii_level":"low","redaction":["mask:window_title"]}`,
			RawJSON:     "{}",
		},
	}, 0, 0))

	var sessions []store.SessionRow
	for i := 0; i < 5; i++ {
		sessions = append(sessions, store.SessionRow{
			SessionID: fmt.Sprintf("s%d", i),
			StartTS:   fmt.Sprintf("2026-08-24T0%d:00:00Z", i),
			EndTS:     fmt.Sprintf("2026-08-24T0%d:30:00Z", i),
			DurationSec: 1800,
			SummaryJSON: `{"apps_timeline":[{"app":"excel.exe","sec":900}],` +
				`"key_events":["outlook.send_clicked"],` +
				`"resources":[{"type":"file","id":"` + privacy.HMACSHA256("doc", "s") + `"}],` +
				`"counts":{"total":10,"p0":1,"p1":8,"p2":1}}`,
		})
	}
	require.NoError(t, st.UpsertSessions(sessions))

	require.NoError(t, st.UpsertRoutineCandidates([]store.RoutineRow{
		{PatternID: "p1", PatternJSON: `{"type":"ngram","events":["a","b"],"n":2}`,
			Support: 4, Confidence: 5.2, LastSeenTS: "2026-08-24T11:00:00Z",
			EvidenceJSON: `["s0","s1","s2","s3"]`},
	}))
	return st
}

func newTestBuilder(st *store.Store, opts Options) *Builder {
	b := NewBuilder(st, privacy.DefaultRules(), zap.NewNop(), opts)
	b.now = func() time.Time { return buildNow }
	return b
}

func TestBuildPackageShape(t *testing.T) {
	st := seededStore(t)
	b := newTestBuilder(st, DefaultOptions())

	pkg, err := b.Build()
	require.NoError(t, err)
	assert.LessOrEqual(t, pkg.Size, DefaultOptions().MaxSizeBytes)

	payload := pkg.Payload
	assert.NotEmpty(t, payload["package_id"])
	assert.Equal(t, "1.0", payload["version"])
	assert.Equal(t, "2026-08-24T12:00:00Z", payload["created_at"])

	device := payload["device_context"].(map[string]any)
	assert.Equal(t, "excel.exe", device["active_app"])
	assert.Equal(t, "2026-08-24T11:59:00Z", device["last_event_ts"])
	assert.Equal(t, "Budget review", device["active_window_hint"])

	sessions := payload["recent_sessions"].([]any)
	assert.Len(t, sessions, 3)
	// Newest first.
	assert.Equal(t, "s4", sessions[0].(map[string]any)["session_id"])

	routines := payload["routine_candidates"].([]any)
	require.Len(t, routines, 1)
	assert.Equal(t, "p1", routines[0].(map[string]any)["pattern_id"])

	signals := payload["signals"].(map[string]any)
	assert.Equal(t, true, signals["p0_recent"])
	assert.Nil(t, signals["idle_state"])

	privacyState := payload["privacy_state"].(map[string]any)
	assert.Equal(t, false, privacyState["content_collection"])
	redaction := privacyState["redaction_summary"].(map[string]any)
	assert.Equal(t, 3, redaction["total"])
	items := redaction["items"].(map[string]int)
	assert.Equal(t, 2, items["mask:window_title"])
}

func TestBuildSizeGuardDowngrades(t *testing.T) {
	st := seededStore(t)
	// Absurdly small budget: no profile fits, the smallest wins.
	b := newTestBuilder(st, Options{
		MaxSizeBytes:       1,
		RecentSessions:     3,
		RecentRoutines:     10,
		MaxResources:       10,
		MaxEvidence:        5,
		RedactionScanLimit: 200,
	})
	pkg, err := b.Build()
	require.NoError(t, err)
	assert.Greater(t, pkg.Size, 1)
	assert.Len(t, pkg.Payload["recent_sessions"], 1)
}

func TestBuildEmptyStore(t *testing.T) {
	st, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "collector.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate())

	b := newTestBuilder(st, DefaultOptions())
	pkg, err := b.Build()
	require.NoError(t, err)

	device := pkg.Payload["device_context"].(map[string]any)
	assert.Nil(t, device["active_app"])
	assert.Empty(t, pkg.Payload["recent_sessions"])
	signals := pkg.Payload["signals"].(map[string]any)
	assert.Equal(t, false, signals["p0_recent"])
}

func TestScrubString(t *testing.T) {
	digest := privacy.HMACSHA256("value", "salt")
	cases := map[string]string{
		"pat@example.com mailed":      privacy.RedactionToken,
		"C:\\Users\\pat\\budget.docx": privacy.RedactionToken,
		"/home/pat/notes":             privacy.RedactionToken,
		"report.xlsx":                 privacy.RedactionToken,
		"account 123456789012":        privacy.RedactionToken,
		"plain title":                 "plain title",
		digest:                        digest,
	}
	for input, want := range cases {
		assert.Equal(t, want, scrubString(input), input)
	}
}

func TestScrubValueWalksNestedStructures(t *testing.T) {
	in := map[string]any{
		"list": []any{"a@b.com", "fine"},
		"nested": map[string]any{
			"path": "/Users/pat/file",
			"n":    float64(3),
		},
	}
	out := scrubValue(in).(map[string]any)
	assert.Equal(t, privacy.RedactionToken, out["list"].([]any)[0])
	assert.Equal(t, "fine", out["list"].([]any)[1])
	assert.Equal(t, privacy.RedactionToken, out["nested"].(map[string]any)["path"])
	assert.Equal(t, float64(3), out["nested"].(map[string]any)["n"])
}

func TestSanitizeHintMasksAndClips(t *testing.T) {
	rules, err := privacy.ParseRules([]byte(`
length_limits:
  window_title: 10
redaction_patterns:
  - '\d{4,}'
`))
	require.NoError(t, err)
	st := seededStore(t)
	b := NewBuilder(st, rules, zap.NewNop(), DefaultOptions())

	got := b.sanitizeHint("case 55512 review meeting notes")
	assert.NotContains(t, got, "55512")
	assert.LessOrEqual(t, len(got), 10)
}

func TestPackageSerializes(t *testing.T) {
	st := seededStore(t)
	pkg, err := newTestBuilder(st, DefaultOptions()).Build()
	require.NoError(t, err)
	serialized, err := json.Marshal(pkg.Payload)
	require.NoError(t, err)
	assert.Equal(t, pkg.Size, len(serialized))
}
