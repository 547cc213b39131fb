package bus

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chronicl/collector/internal/envelope"
	"github.com/chronicl/collector/internal/metrics"
	"github.com/chronicl/collector/internal/normalize"
	"github.com/chronicl/collector/internal/priority"
	"github.com/chronicl/collector/internal/privacy"
	"github.com/chronicl/collector/internal/store"
)

func newTestBus(t *testing.T, opts Options) (*Bus, *store.Store, *metrics.Registry) {
	t.Helper()
	st, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "collector.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate())

	reg := metrics.New(metrics.Options{})
	guard := privacy.NewGuard(privacy.DefaultRules(), "test-salt", privacy.URLModeRules, reg)
	proc := priority.NewProcessor(priority.Options{DebounceSeconds: 0.01}, reg)
	return New(st, guard, proc, reg, zap.NewNop(), opts), st, reg
}

func wireEvent(id int, eventType string) map[string]any {
	return map[string]any{
		"schema_version": "1.0",
		"event_id":       fmt.Sprintf("00000000-0000-4000-8000-%012d", id),
		"ts":             envelope.FormatTS(time.Now().UTC().Add(time.Duration(id) * time.Second)),
		"source":         "os_sensor",
		"app":            "excel.exe",
		"event_type":     eventType,
		"priority":       "P1",
		"resource":       map[string]any{"type": "file", "id": fmt.Sprintf("doc-%d", id)},
		"payload":        map[string]any{},
		"privacy":        map[string]any{"pii_level": "low"},
	}
}

func TestBusPersistsEnqueuedEvents(t *testing.T) {
	b, st, reg := newTestBus(t, Options{QueueSize: 32, InsertBatchSize: 2})
	b.Start()

	for i := 0; i < 4; i++ {
		require.True(t, b.Enqueue(wireEvent(i, "excel.workbook_opened")))
	}
	b.Stop(2)

	n, err := st.CountEvents()
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, int64(4), reg.Counter("store.insert_ok_total"))
	assert.Equal(t, int64(4), reg.Counter("priority.p1_total"))
}

func TestBusDropsInvalidEvents(t *testing.T) {
	b, st, reg := newTestBus(t, Options{QueueSize: 8, ValidationLevel: normalize.Strict})
	b.Start()

	bad := wireEvent(0, "excel.workbook_opened")
	delete(bad, "app")
	require.True(t, b.Enqueue(bad))
	require.True(t, b.Enqueue(wireEvent(1, "excel.workbook_opened")))
	b.Stop(2)

	n, err := st.CountEvents()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(1), reg.Counter("ingest.invalid_total"))
}

func TestEnqueueFullQueue(t *testing.T) {
	// The bus is never started, so nothing drains the queue.
	b, _, reg := newTestBus(t, Options{QueueSize: 2})
	assert.True(t, b.Enqueue(wireEvent(1, "a")))
	assert.True(t, b.Enqueue(wireEvent(2, "a")))
	assert.False(t, b.Enqueue(wireEvent(3, "a")))
	assert.Equal(t, int64(1), reg.Counter("drop.reason.queue_full"))
}

func TestStopIsIdempotent(t *testing.T) {
	b, _, _ := newTestBus(t, Options{QueueSize: 8})
	b.Start()
	b.Stop(1)
	b.Stop(1)
}

func focusEnvelope(app, title string, durationSec int) *envelope.Envelope {
	return &envelope.Envelope{
		SchemaVersion: "1.0",
		EventID:       "e1",
		TS:            "2026-08-24T12:00:00Z",
		Source:        "os_sensor",
		App:           app,
		EventType:     "os.app_focus_block",
		Priority:      envelope.PriorityP1,
		Payload:       map[string]any{"duration_sec": float64(durationSec), "window_title": title},
		Raw:           map[string]any{"payload": map[string]any{"window_title": title}},
	}
}

func TestBuildActivityDetails(t *testing.T) {
	b, _, _ := newTestBus(t, Options{ActivityDetail: ActivityDetailOptions{
		Enabled:        true,
		MinDurationSec: 15,
		StoreHint:      true,
		HashSalt:       "s",
		MaxTitleLen:    64,
	}})

	short := focusEnvelope("excel.exe", "budget", 5)
	noTitle := focusEnvelope("excel.exe", "", 60)
	keeper := focusEnvelope("notion.exe", "Meeting Notes - Notion", 60)
	other := focusEnvelope("excel.exe", "budget", 60)
	other.EventType = "os.foreground_changed"

	records := b.buildActivityDetails([]*envelope.Envelope{short, noTitle, keeper, other})
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "notion.exe", rec.App)
	assert.Equal(t, "Meeting Notes", rec.TitleHint)
	assert.Equal(t, privacy.HMACSHA256("Meeting Notes", "s"), rec.TitleHash)
	assert.Equal(t, 60, rec.DurationSec)
}

func TestBuildActivityDetailsRawTitleOverride(t *testing.T) {
	b, _, _ := newTestBus(t, Options{ActivityDetail: ActivityDetailOptions{
		Enabled:       true,
		StoreHint:     true,
		HashSalt:      "s",
		FullTitleApps: []string{"Notion.exe"},
	}})

	env := focusEnvelope("notion.exe", privacy.RedactionToken, 60)
	env.Raw = map[string]any{"payload": map[string]any{"window_title": "Q3 Plan - Notion"}}

	records := b.buildActivityDetails([]*envelope.Envelope{env})
	require.Len(t, records, 1)
	assert.Equal(t, "Q3 Plan", records[0].TitleHint)
}

func TestBuildActivityDetailsHintClipping(t *testing.T) {
	b, _, _ := newTestBus(t, Options{ActivityDetail: ActivityDetailOptions{
		Enabled:     true,
		StoreHint:   true,
		HashSalt:    "s",
		MaxTitleLen: 4,
	}})
	records := b.buildActivityDetails([]*envelope.Envelope{focusEnvelope("excel.exe", "budget review", 60)})
	require.Len(t, records, 1)
	assert.Equal(t, "budg", records[0].TitleHint)
	// The hash covers the full normalized title, not the clipped hint.
	assert.Equal(t, privacy.HMACSHA256("budget review", "s"), records[0].TitleHash)
}

func TestNormalizeTitle(t *testing.T) {
	assert.Equal(t, "Meeting Notes", NormalizeTitle("notion.exe", "Meeting Notes - Notion"))
	assert.Equal(t, "Meeting Notes", NormalizeTitle("NOTION.EXE", "Meeting Notes – Notion"))
	assert.Equal(t, "main.go", NormalizeTitle("code.exe", "main.go - Visual Studio Code"))
	assert.Equal(t, "budget - Notion", NormalizeTitle("excel.exe", "budget - Notion"))
	assert.Equal(t, "x", NormalizeTitle("excel.exe", "  x  "))
}

func TestTitleLabel(t *testing.T) {
	label := TitleLabel("notion.exe", privacy.HMACSHA256("t", "s"))
	assert.Contains(t, label, "NOTION-")
	assert.LessOrEqual(t, len(label), len("NOTION-")+8)

	// Non-hex hashes fall back to the raw value.
	assert.Equal(t, "EXCEL-zzzz", TitleLabel("excel.exe", "zzzz"))
	assert.Equal(t, "EXCEL-UNKNOWN", TitleLabel("excel.exe", ""))
}

func TestPayloadDuration(t *testing.T) {
	assert.Equal(t, 10, payloadDuration(map[string]any{"duration_sec": 10}))
	assert.Equal(t, 10, payloadDuration(map[string]any{"duration_sec": float64(10.6)}))
	assert.Equal(t, 0, payloadDuration(map[string]any{"duration_sec": "10"}))
	assert.Equal(t, 0, payloadDuration(map[string]any{}))
}
