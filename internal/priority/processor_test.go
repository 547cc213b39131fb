package priority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicl/collector/internal/envelope"
	"github.com/chronicl/collector/internal/metrics"
)

func event(eventType, ts string) *envelope.Envelope {
	return &envelope.Envelope{
		SchemaVersion: "1.0",
		EventID:       "11111111-1111-4111-8111-111111111111",
		TS:            ts,
		Source:        "os_sensor",
		App:           "excel.exe",
		EventType:     eventType,
		Priority:      envelope.PriorityP1,
		Resource:      envelope.ResourceRef{Type: "window", ID: "w1"},
		Payload:       map[string]any{},
		Privacy:       envelope.PrivacyMeta{PIILevel: "low", Redaction: []string{}},
	}
}

func tsAt(sec int) string {
	return envelope.FormatTS(time.Date(2026, 8, 24, 10, 0, sec, 0, time.UTC))
}

func TestClassification(t *testing.T) {
	p := NewProcessor(Options{}, nil)

	out := p.Process(event("outlook.send_clicked", tsAt(0)), 0)
	require.Len(t, out, 1)
	assert.Equal(t, envelope.PriorityP0, out[0].Priority)

	out = p.Process(event("os.file_opened", tsAt(1)), 0)
	require.Len(t, out, 1)
	assert.Equal(t, envelope.PriorityP1, out[0].Priority)

	out = p.Process(event("os.clipboard_meta", tsAt(2)), 0)
	require.Len(t, out, 1)
	assert.Equal(t, envelope.PriorityP2, out[0].Priority)
}

func TestClassificationConfigExtendsBuiltins(t *testing.T) {
	p := NewProcessor(Options{P0EventTypes: []string{"crm.deal_closed"}}, nil)
	out := p.Process(event("crm.deal_closed", tsAt(0)), 0)
	require.Len(t, out, 1)
	assert.Equal(t, envelope.PriorityP0, out[0].Priority)

	// Builtins survive the extension.
	out = p.Process(event("excel.export_pdf", tsAt(1)), 0)
	require.Len(t, out, 1)
	assert.Equal(t, envelope.PriorityP0, out[0].Priority)
}

func TestUnknownTypeKeepsDeclaredPriority(t *testing.T) {
	p := NewProcessor(Options{}, nil)
	env := event("custom.thing", tsAt(0))
	env.Priority = envelope.PriorityP2
	out := p.Process(env, 0)
	require.Len(t, out, 1)
	assert.Equal(t, envelope.PriorityP2, out[0].Priority)

	env = event("custom.thing", tsAt(1))
	env.Priority = "bogus"
	out = p.Process(env, 0)
	require.Len(t, out, 1)
	assert.Equal(t, envelope.PriorityP1, out[0].Priority)
}

func TestDebounceSuppressesRapidRepeats(t *testing.T) {
	reg := metrics.New(metrics.Options{})
	p := NewProcessor(Options{DebounceSeconds: 2}, reg)

	first := event("os.window_title_changed", tsAt(0))
	assert.Len(t, p.Process(first, 0), 1)

	// Same (type, app, resource) one second later: suppressed.
	second := event("os.window_title_changed", tsAt(1))
	assert.Empty(t, p.Process(second, 0))
	assert.Equal(t, int64(1), reg.Counter("drop.reason.debounce"))

	// Past the window: passes again.
	third := event("os.window_title_changed", tsAt(4))
	assert.Len(t, p.Process(third, 0), 1)

	// Different resource is a different key.
	other := event("os.window_title_changed", tsAt(5))
	other.Resource.ID = "w2"
	assert.Len(t, p.Process(other, 0), 1)
}

func TestFocusBlockSynthesis(t *testing.T) {
	p := NewProcessor(Options{DebounceSeconds: 2}, nil)

	first := event("os.foreground_changed", tsAt(0))
	first.App = "excel.exe"
	first.Payload["window_title"] = "q3.xlsx"
	assert.Empty(t, p.Process(first, 0))

	second := event("os.foreground_changed", tsAt(10))
	second.App = "outlook.exe"
	out := p.Process(second, 0)
	require.Len(t, out, 1)

	block := out[0]
	assert.Equal(t, "os.app_focus_block", block.EventType)
	assert.Equal(t, "excel.exe", block.App)
	assert.Equal(t, envelope.PriorityP1, block.Priority)
	assert.Equal(t, 10, block.Payload["duration_sec"])
	assert.NotEqual(t, first.EventID, block.EventID)
	// The source event is untouched.
	assert.NotContains(t, first.Payload, "duration_sec")
}

func TestShortFocusAbsorbed(t *testing.T) {
	p := NewProcessor(Options{DebounceSeconds: 5}, nil)
	assert.Empty(t, p.Process(event("os.foreground_changed", tsAt(0)), 0))
	// Only one second of focus: below the threshold, nothing emitted.
	assert.Empty(t, p.Process(event("os.foreground_changed", tsAt(1)), 0))
	// The replacement state still works for the next transition.
	out := p.Process(event("os.foreground_changed", tsAt(30)), 0)
	require.Len(t, out, 1)
	assert.Equal(t, 29, out[0].Payload["duration_sec"])
}

func TestFlushClosesOpenFocusBlock(t *testing.T) {
	p := NewProcessor(Options{DebounceSeconds: 2}, nil)
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	p.nowEpoch = func() float64 { return float64(start.Unix()) + 42 }

	assert.Empty(t, p.Process(event("os.foreground_changed", envelope.FormatTS(start)), 0))
	out := p.Flush()
	require.Len(t, out, 1)
	assert.Equal(t, "os.app_focus_block", out[0].EventType)
	assert.Equal(t, 42, out[0].Payload["duration_sec"])
	// Second flush is a no-op.
	assert.Empty(t, p.Flush())
}

func TestP2ShedUnderBackpressure(t *testing.T) {
	reg := metrics.New(metrics.Options{})
	p := NewProcessor(Options{}, reg)

	assert.Empty(t, p.Process(event("os.clipboard_meta", tsAt(0)), 0.85))
	assert.Equal(t, int64(1), reg.Counter("drop.reason.queue_overflow"))

	// P1 and P0 always pass.
	assert.Len(t, p.Process(event("os.file_opened", tsAt(1)), 0.95), 1)
	assert.Len(t, p.Process(event("outlook.send_clicked", tsAt(2)), 0.95), 1)

	// Below the ratio P2 passes too.
	assert.Len(t, p.Process(event("os.clipboard_meta", tsAt(3)), 0.5), 1)
}

func TestCustomFocusEventType(t *testing.T) {
	p := NewProcessor(Options{
		DebounceSeconds:     2,
		FocusEventTypes:     []string{"wm.focus"},
		FocusBlockEventType: "wm.focus_block",
	}, nil)

	assert.Empty(t, p.Process(event("wm.focus", tsAt(0)), 0))
	out := p.Process(event("wm.focus", tsAt(8)), 0)
	require.Len(t, out, 1)
	assert.Equal(t, "wm.focus_block", out[0].EventType)
}
