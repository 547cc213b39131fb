// Package session groups stored events into sessions and summarizes them.
//
// Splitting rules, applied while iterating chronologically: a gap of at least
// gap_seconds closes the session; an os.idle_start closes it and is excluded;
// a P0 event is appended and then closes it (switchable).
package session

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/chronicl/collector/internal/envelope"
	"github.com/chronicl/collector/internal/store"
)

const idleStartEventType = "os.idle_start"

type Event struct {
	TS           time.Time
	EventType    string
	Priority     string
	App          string
	ResourceType string
	ResourceID   string
	Payload      map[string]any
}

type Options struct {
	GapSeconds int
	CloseOnP0  bool
	// KeyP1EventTypes extends the P1 types surfaced as key events; all P0
	// types are always included.
	KeyP1EventTypes []string
}

func DefaultOptions() Options {
	return Options{
		GapSeconds: 900,
		CloseOnP0:  true,
		KeyP1EventTypes: []string{
			"outlook.compose_started",
			"outlook.attachment_added_meta",
			"excel.refresh_pivot",
		},
	}
}

// FromRecords converts store rows into events, dropping rows with
// unparseable timestamps, and sorts by event time.
func FromRecords(rows []store.EventRecord) []Event {
	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		ts, ok := envelope.ParseTS(row.TS)
		if !ok {
			continue
		}
		events = append(events, Event{
			TS:           ts,
			EventType:    row.EventType,
			Priority:     row.Priority,
			App:          row.App,
			ResourceType: row.ResourceType,
			ResourceID:   row.ResourceID,
			Payload:      safeJSONObject(row.PayloadJSON),
		})
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].TS.Before(events[j].TS) })
	return events
}

// Split applies the session boundary rules to a chronological event stream.
func Split(events []Event, opts Options) [][]Event {
	var sessions [][]Event
	var current []Event
	var lastTS time.Time
	haveLast := false

	flush := func() {
		if len(current) > 0 {
			sessions = append(sessions, current)
			current = nil
		}
		haveLast = false
	}

	for _, event := range events {
		if haveLast && opts.GapSeconds > 0 {
			if event.TS.Sub(lastTS) >= time.Duration(opts.GapSeconds)*time.Second {
				flush()
			}
		}
		if equalFold(event.EventType, idleStartEventType) {
			flush()
			continue
		}
		current = append(current, event)
		if opts.CloseOnP0 && equalFold(event.Priority, "P0") {
			flush()
			continue
		}
		lastTS = event.TS
		haveLast = true
	}
	flush()
	return sessions
}

// BuildRecords produces one stored row per non-empty session, minting a
// session id and serializing the summary.
func BuildRecords(sessions [][]Event, opts Options) ([]store.SessionRow, error) {
	records := make([]store.SessionRow, 0, len(sessions))
	for _, events := range sessions {
		if len(events) == 0 {
			continue
		}
		start := events[0].TS
		end := events[len(events)-1].TS
		duration := int(end.Sub(start).Seconds())
		if duration < 0 {
			duration = 0
		}
		summary := BuildSummary(events, opts.KeyP1EventTypes)
		summaryJSON, err := json.Marshal(summary)
		if err != nil {
			return nil, err
		}
		records = append(records, store.SessionRow{
			SessionID:   uuid.NewString(),
			StartTS:     envelope.FormatTS(start),
			EndTS:       envelope.FormatTS(end),
			DurationSec: duration,
			SummaryJSON: string(summaryJSON),
		})
	}
	return records, nil
}

func safeJSONObject(value string) map[string]any {
	if value == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(value), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}
