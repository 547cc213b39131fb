package envelope_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicl/collector/internal/envelope"
)

func validEnvelope() *envelope.Envelope {
	pid := 4242
	return &envelope.Envelope{
		SchemaVersion: "1.0",
		EventID:       "0b6f2e9a-41c5-4a1f-9a45-1f1f4a9a6f01",
		TS:            "2026-08-24T10:15:00Z",
		Source:        "os_sensor",
		App:           "excel.exe",
		EventType:     "excel.workbook_opened",
		Priority:      envelope.PriorityP1,
		Resource:      envelope.ResourceRef{Type: "file", ID: "abc"},
		Payload:       map[string]any{"path": "C:\\reports\\q3.xlsx"},
		Privacy:       envelope.PrivacyMeta{PIILevel: "low", Redaction: []string{}},
		PID:           &pid,
		WindowID:      "7734",
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validEnvelope().Validate())

	cases := []struct {
		name   string
		mutate func(*envelope.Envelope)
		want   error
	}{
		{"missing event id", func(e *envelope.Envelope) { e.EventID = " " }, envelope.ErrEmptyEventID},
		{"missing ts", func(e *envelope.Envelope) { e.TS = "" }, envelope.ErrEmptyTS},
		{"missing source", func(e *envelope.Envelope) { e.Source = "" }, envelope.ErrEmptySource},
		{"missing app", func(e *envelope.Envelope) { e.App = "" }, envelope.ErrEmptyApp},
		{"missing event type", func(e *envelope.Envelope) { e.EventType = "" }, envelope.ErrEmptyEventType},
		{"missing resource id", func(e *envelope.Envelope) { e.Resource.ID = "" }, envelope.ErrEmptyResource},
		{"bad priority", func(e *envelope.Envelope) { e.Priority = "P9" }, envelope.ErrBadPriority},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := validEnvelope()
			tc.mutate(env)
			assert.ErrorIs(t, env.Validate(), tc.want)
		})
	}
}

func TestPriorityValid(t *testing.T) {
	assert.True(t, envelope.PriorityP0.Valid())
	assert.True(t, envelope.PriorityP1.Valid())
	assert.True(t, envelope.PriorityP2.Valid())
	assert.False(t, envelope.Priority("").Valid())
	assert.False(t, envelope.Priority("p1").Valid())
}

func TestCloneIsDeep(t *testing.T) {
	env := validEnvelope()
	env.Payload["nested"] = map[string]any{"k": "v"}
	env.Payload["list"] = []any{"a", "b"}

	clone := env.Clone()
	clone.Payload["path"] = "other"
	clone.Payload["nested"].(map[string]any)["k"] = "changed"
	clone.Payload["list"].([]any)[0] = "z"
	*clone.PID = 1
	clone.Privacy.Redaction = append(clone.Privacy.Redaction, "mask:path")

	assert.Equal(t, "C:\\reports\\q3.xlsx", env.Payload["path"])
	assert.Equal(t, "v", env.Payload["nested"].(map[string]any)["k"])
	assert.Equal(t, "a", env.Payload["list"].([]any)[0])
	assert.Equal(t, 4242, *env.PID)
	assert.Empty(t, env.Privacy.Redaction)
}

func TestAppendRedactionDedupes(t *testing.T) {
	env := validEnvelope()
	env.AppendRedaction("mask:path", "hash:url")
	env.AppendRedaction("hash:url", "mask:path", "url_sanitized")
	assert.Equal(t, []string{"mask:path", "hash:url", "url_sanitized"}, env.Privacy.Redaction)
}

func TestDedupeTagsKeepsFirstSeenOrder(t *testing.T) {
	got := envelope.DedupeTags([]string{"b", "a", "b", "c", "a"})
	assert.Equal(t, []string{"b", "a", "c"}, got)
}

func TestParseAndFormatTS(t *testing.T) {
	ts, ok := envelope.ParseTS("2026-08-24T10:15:00Z")
	require.True(t, ok)
	assert.Equal(t, "2026-08-24T10:15:00Z", envelope.FormatTS(ts))

	// Offsets normalize to UTC on format.
	ts, ok = envelope.ParseTS("2026-08-24T12:15:00+02:00")
	require.True(t, ok)
	assert.Equal(t, "2026-08-24T10:15:00Z", envelope.FormatTS(ts))

	_, ok = envelope.ParseTS("24/08/2026")
	assert.False(t, ok)
	_, ok = envelope.ParseTS("")
	assert.False(t, ok)
}

func TestEpochTS(t *testing.T) {
	want := time.Date(2026, 8, 24, 10, 15, 0, 0, time.UTC)
	got, ok := envelope.ParseTS(envelope.EpochTS(float64(want.Unix())))
	require.True(t, ok)
	assert.True(t, got.Equal(want))
}
